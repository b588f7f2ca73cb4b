package notifier

import "errors"

var (
	// ErrInvalidHandle is returned when a poller handle is unknown or destroyed.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrInvalidFilter is returned for a filter that can never match.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrNilListener is returned by AddListener when no listener is given.
	ErrNilListener = errors.New("listener is nil")

	// ErrStopped is returned by subscription calls after Stop.
	ErrStopped = errors.New("notifier is stopped")
)
