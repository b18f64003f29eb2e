package engine

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// callTokenTTL bounds how long an issued call token remains acceptable,
// defending against a captured token being replayed long after the address
// it was issued to changed (§4.3 "call-token defense").
const callTokenTTL = 30 * time.Second

// ErrCallTokenInvalid covers any token that fails signature, expiry, or
// address-binding verification.
var ErrCallTokenInvalid = errors.New("iax: invalid call token")

// callTokenClaims binds an issued token to the remote address it was
// handed to, the same way the teacher binds an app JWT to an extension ID
// (internal/api/middleware/jwt.go's AppClaims).
type callTokenClaims struct {
	RemoteAddr string `json:"addr"`
	jwt.RegisteredClaims
}

// callTokenIssuer issues and verifies opaque HMAC-signed call tokens
// (§4.3 "call-token defense against source-spoofing").
type callTokenIssuer struct {
	secret []byte
}

func newCallTokenIssuer(secret []byte) *callTokenIssuer {
	return &callTokenIssuer{secret: secret}
}

// Issue produces an opaque token string bound to remoteAddr, to be carried
// in a CALLTOKEN information element on the New frame that follows.
func (c *callTokenIssuer) Issue(remoteAddr string) (string, error) {
	now := time.Now()
	claims := callTokenClaims{
		RemoteAddr: remoteAddr,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(callTokenTTL)),
			Issuer:    "iaxd",
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify checks a call token against the address the New frame actually
// arrived from.
func (c *callTokenIssuer) Verify(tokenString, remoteAddr string) error {
	claims := &callTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrCallTokenInvalid
	}
	if claims.RemoteAddr != remoteAddr {
		return ErrCallTokenInvalid
	}
	return nil
}

// callTokenIEState distinguishes the three ways a New frame can carry (or
// not carry) the CALLTOKEN information element (supplemented feature 3:
// processCallToken in the original distinguishes empty-but-present from
// absent — absent means "peer predates call-token support and must be let
// through or rejected per policy", empty means "peer supports call tokens
// and is asking for one to be issued").
type callTokenIEState int

const (
	callTokenAbsent callTokenIEState = iota
	callTokenEmpty
	callTokenPresent
)

func classifyCallTokenIE(ies *frame.IEList) (callTokenIEState, string) {
	v, ok := ies.Get(frame.TagCallToken)
	if !ok {
		return callTokenAbsent, ""
	}
	if len(v) == 0 {
		return callTokenEmpty, ""
	}
	return callTokenPresent, string(v)
}
