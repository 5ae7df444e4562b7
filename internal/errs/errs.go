// Package errs holds the error taxonomy shared by adapters, the coordinator and the bot.
package errs

import "errors"

var (
	// ErrTransient covers network failures, timeouts and 5xx answers. Retried by the caller.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent covers 4xx answers and validation failures. Never retried.
	ErrPermanent = errors.New("permanent failure")
	// ErrNotFound is a permanent failure for a missing remote resource.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a duplicate resource, e.g. an existing username.
	ErrConflict = errors.New("conflict")
	// ErrConfig is returned for missing or invalid environment and catalog files.
	ErrConfig = errors.New("invalid configuration")
	// ErrCorrupt is returned when a store file cannot be decoded.
	ErrCorrupt = errors.New("corrupt store")
	// ErrUserInput is returned for invalid chat input; the conversation keeps its state.
	ErrUserInput = errors.New("invalid input")
)

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
