package session

import "errors"

var (
	ErrNotFound          = errors.New("session not found")
	ErrDuplicateKey      = errors.New("session key already exists")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrPipelineFailure   = errors.New("pipeline failure")
	ErrStoreUnavailable  = errors.New("session store unavailable")
	// ErrNotExpired is returned by Reclaim when activity refreshed the
	// session after it was listed as expired.
	ErrNotExpired = errors.New("session not expired")
)
