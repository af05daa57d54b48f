package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError marks a failure worth retrying: network trouble, rate
// limiting, server-side 5xx.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure retrying cannot fix: bad credentials, a
// malformed request, an unknown endpoint.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is classified fatal.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// classifyStatus maps an HTTP status to the transient/fatal split. Rate
// limits and 5xx retry; auth and client errors do not. Unknown statuses
// default to fatal so a misconfigured endpoint fails loudly instead of
// looping.
func classifyStatus(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	err := fmt.Errorf("llm endpoint returned status %d: %s", status, snippet)

	switch {
	case status == http.StatusTooManyRequests:
		return NewTransientError(err)
	case status >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}
