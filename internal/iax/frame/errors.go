package frame

import "errors"

// Frame-level decode errors (§7: dropped by the caller, never propagated
// past the demux).
var (
	// ErrShortBuffer is returned when a buffer is too small to hold even the
	// fixed-size header of the frame kind being decoded.
	ErrShortBuffer = errors.New("iax2: short buffer")
	// ErrBadVersion is returned when a version IE is present but does not
	// equal the single version this codec supports.
	ErrBadVersion = errors.New("iax2: bad version")
	// ErrInvalidSubclass is returned by EncodeSubclass (and so by
	// EncodeFull) when a subclass value is neither small (<128) nor an exact
	// power of two. DecodeSubclass has no error result, and full-frame
	// decode does not check whether a subclass is present.
	ErrInvalidSubclass = errors.New("iax2: invalid subclass")
)

// SupportedVersion is the only IAX2 protocol version this codec accepts in
// a VERSION IE.
const SupportedVersion = 2
