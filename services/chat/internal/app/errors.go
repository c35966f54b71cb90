package app

import "errors"

var (
	// ErrUnauthorized means the handshake credential did not resolve to a user.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedFrame marks an inbound frame that was dropped. The
	// connection stays open.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrStoreFailure marks a persistence failure; the enclosing operation
	// did not complete.
	ErrStoreFailure = errors.New("store failure")
	// ErrUnknownSignal marks a frame whose type is not handled.
	ErrUnknownSignal = errors.New("unknown signal")
	ErrRateLimited   = errors.New("rate limited")
	ErrShuttingDown  = errors.New("shutting down")
	// ErrRevocationDisabled means no token revoker was configured.
	ErrRevocationDisabled = errors.New("token revocation disabled")
)
