package mqworker

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by an Endpoint, Publisher or Worker
// wraps exactly one of ErrConfiguration, ErrTransport or ErrValidation so
// callers can branch with errors.Is.
var (
	// ErrConfiguration is returned before any work starts when a required
	// collaborator or setting is missing or invalid. It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport is a recoverable failure talking to the queue service.
	ErrTransport = errors.New("transport error")

	// ErrValidation is a local, non-retryable failure caused by malformed
	// call arguments.
	ErrValidation = errors.New("validation error")
)

var (
	// ErrRetriesExhausted is returned by Publish when every allowed attempt failed.
	ErrRetriesExhausted = errors.New("publish retries exhausted")

	// ErrErrorThreshold is returned by Listen when ErrorThreshold consecutive
	// failures ended the loop.
	ErrErrorThreshold = errors.New("consecutive error threshold reached")

	// ErrStaleReceipt means the receipt handle no longer identifies an in-flight delivery.
	ErrStaleReceipt = errors.New("receipt handle is stale")

	// ErrUnsupported is returned by endpoints that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by endpoint")
)

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func validationError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
