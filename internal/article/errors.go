package article

import "errors"

// ErrNotFound is returned when a referenced article or entry does not exist.
var ErrNotFound = errors.New("does not exist")

// ErrInvalidTransition is returned when a decision is not legal from the article's current state.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrValidation is returned when required input is missing or malformed.
var ErrValidation = errors.New("validation failed")

// ErrConflict is returned when an optimistic-concurrency check fails on write.
// Callers should re-read the article and retry.
var ErrConflict = errors.New("conflict")

// ErrUpstream is returned when a collaborator (LLM, notifier, event bus) fails.
var ErrUpstream = errors.New("upstream failure")

// IsRetryable reports whether err is worth retrying with a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUpstream)
}
