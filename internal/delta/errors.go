package delta

import "errors"

var (
	ErrChecksumMismatch = errors.New("delta checksum mismatch")
	ErrMalformed        = errors.New("malformed delta")
	ErrUnknownStrategy  = errors.New("unknown diff strategy")
	ErrUnknownEncoding  = errors.New("unknown payload encoding")
)
