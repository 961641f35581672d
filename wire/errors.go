package wire

import "errors"

// Sentinel errors for frame and payload parsing.
var (
	// ErrMalformedFrame indicates a protocol violation: a bad length prefix,
	// a truncated payload, or a sub-payload that declares more data than is
	// actually present.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// MaxFrameSize is the largest frame this package will read or write
// (256 KiB, per spec).
const MaxFrameSize = 256 * 1024

// MaxIdentities is the largest identity count accepted in an
// identities-answer payload.
const MaxIdentities = 1000
