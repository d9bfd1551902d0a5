package codec

import "errors"

var (
	// ErrIntegrity is returned when a sealed value fails authentication
	// (tampered bytes, wrong owner, or malformed sizes).
	ErrIntegrity = errors.New("codec: integrity check failed")

	// ErrMasterKey is returned when the master key is missing or not 32 bytes.
	ErrMasterKey = errors.New("codec: master key must be 32 bytes")
)
