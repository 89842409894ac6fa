package sstpframe

import "errors"

// Sentinel framing errors. LengthMismatch is the one recoverable case: the
// caller drops the frame and keeps the session alive. The rest are fatal
// to the session per the error taxonomy.
var (
	ErrInvalidVersion     = errors.New("invalid frame version")
	ErrInvalidType        = errors.New("invalid frame type")
	ErrLengthMismatch     = errors.New("frame length mismatch")
	ErrTruncatedAttribute = errors.New("truncated attribute")
	ErrUnknownAttributeID = errors.New("unknown attribute id")
)
