package transaction

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// NewChallenge generates a random MD5-challenge value, hex-encoded as the
// protocol expects.
func NewChallenge() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// md5Response computes MD5(challenge || secret), hex-encoded — the
// response the peer proves it can compute without ever sending the secret
// itself over the wire.
func md5Response(challenge, secret string) string {
	sum := md5.Sum([]byte(challenge + secret))
	return hex.EncodeToString(sum[:])
}

// checkResponse verifies a received MD5 response in constant time, so a
// timing side channel cannot narrow down the secret (§4.2 "authentication").
func checkResponse(challenge, secret, response string) bool {
	want := md5Response(challenge, secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(response)) == 1
}

// handleAuthReq processes an AuthReq/RegAuth challenge from the peer: we
// are the party being challenged, so compute and send the response.
func (t *Transaction) handleAuthReq(ies *frame.IEList) {
	challenge, ok := ies.GetString(frame.TagChallenge)
	if !ok {
		return
	}
	t.mu.Lock()
	t.challenge = challenge
	username := t.username
	secret := t.pendingSecret
	switch t.state {
	case StateNewLocalInvite:
		t.setState(StateNewLocalInviteAuthRecv)
	case StateUnknown:
		t.setState(StateNewLocalInviteAuthRecv)
	}
	t.mu.Unlock()

	resp := &frame.IEList{}
	resp.AddString(frame.TagUsername, username)
	resp.AddString(frame.TagMD5Result, md5Response(challenge, secret))
	_ = t.SendControl(frame.TypeIAXControl, frame.AuthRep, resp)

	t.mu.Lock()
	t.setState(StateNewLocalInviteRepSent)
	t.mu.Unlock()
}

// handleAuthRep verifies an inbound authentication response against the
// challenge we issued (we are the challenger). The expected secret is the
// one stored with SetPendingSecret.
func (t *Transaction) handleAuthRep(ies *frame.IEList) {
	response, _ := ies.GetString(frame.TagMD5Result)
	t.mu.Lock()
	challenge := t.challenge
	secret := t.pendingSecret
	t.mu.Unlock()

	if !checkResponse(challenge, secret, response) {
		t.terminal(EventReject, nil)
		return
	}
	t.mu.Lock()
	t.setState(StateNewRemoteInviteRepRecv)
	t.mu.Unlock()
	_ = t.SendControl(frame.TypeIAXControl, frame.Accept, nil)
	t.mu.Lock()
	t.setState(StateConnected)
	t.mu.Unlock()
}

// SetPendingSecret stashes the secret this transaction should prove or
// verify knowledge of during an in-flight authentication exchange. The
// registration Line sets it from its configured secret before sending
// RegReq; the engine does not call it.
func (t *Transaction) SetPendingSecret(secret string) {
	t.mu.Lock()
	t.pendingSecret = secret
	t.mu.Unlock()
}

// RequestChallenge issues an AuthReq/RegAuth challenge to the peer, used
// when we are the one authenticating an inbound New or RegReq.
func (t *Transaction) RequestChallenge(username string) (challenge string, err error) {
	challenge, err = NewChallenge()
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.challenge = challenge
	t.username = username
	t.mu.Unlock()

	ies := &frame.IEList{}
	ies.AddString(frame.TagChallenge, challenge)
	ies.AddUint16(frame.TagAuthMethods, 0x0002) // MD5
	sub := frame.AuthReq
	if t.typ == TypeRegReq {
		sub = frame.RegAuth
	}
	if err := t.SendControl(frame.TypeIAXControl, sub, ies); err != nil {
		return "", err
	}
	return challenge, nil
}
