package mqworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExtraPublishAttempts is how many attempts Publish makes on top of
// PublisherOptions.MaxRetries when retrying is enabled. The retry check
// runs against the failure count before it is incremented, so a publisher
// configured with MaxRetries n sends up to n+1 times.
const ExtraPublishAttempts = 1

// RetryDelayAfterFailures is the number of failed attempts after which
// PublisherOptions.RetryDelay is slept before each further attempt.
const RetryDelayAfterFailures = 3

// PublishAttempts returns the total number of send attempts Publish makes
// for a given MaxRetries before giving up.
func PublishAttempts(maxRetries int) int {
	if maxRetries <= 0 {
		return 1
	}

	return maxRetries + ExtraPublishAttempts
}

// PublisherOptions configures the retry policy of a Publisher.
type PublisherOptions struct {
	// MaxRetries enables retrying of transport failures when greater than 0.
	MaxRetries int

	// RetryDelay is slept before a retry once RetryDelayAfterFailures
	// attempts have failed.
	RetryDelay time.Duration

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Publisher sends messages to a queue endpoint, retrying transport failures.
// It is stateless between calls and safe for concurrent use.
type Publisher struct {
	endpoint Endpoint
	options  PublisherOptions
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewPublisher returns a Publisher backed by endpoint.
func NewPublisher(endpoint Endpoint, options PublisherOptions) (*Publisher, error) {
	if endpoint == nil {
		return nil, configError("publisher endpoint is nil")
	}

	if options.MaxRetries < 0 || options.RetryDelay < 0 {
		return nil, configError("publisher retry options must not be negative")
	}

	logger := log.Logger
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Publisher{
		endpoint: endpoint,
		options:  options,
		logger:   logger.With().Str("component", "publisher").Logger(),
		sleep:    sleepContext,
	}, nil
}

// PublishOption customizes a single Publish call.
type PublishOption func(*SendInput)

// WithAttributes attaches string attributes to the message.
func WithAttributes(attributes map[string]string) PublishOption {
	return func(in *SendInput) {
		in.Attributes = attributes
	}
}

// WithDelay postpones delivery of the message by the given number of seconds.
func WithDelay(seconds int) PublishOption {
	return func(in *SendInput) {
		in.DelaySeconds = seconds
	}
}

// WithGroupID sets the message group of a FIFO queue message.
func WithGroupID(groupID string) PublishOption {
	return func(in *SendInput) {
		in.GroupID = groupID
	}
}

// Publish sends body to destination.
//
// On success it returns the service's acknowledgment. When the endpoint
// rejects the arguments, Publish returns immediately with an error wrapping
// ErrValidation. Transport failures are retried up to
// PublishAttempts(MaxRetries) attempts in total, after which Publish returns a
// nil result and an error wrapping ErrRetriesExhausted and the last failure.
func (p *Publisher) Publish(ctx context.Context, destination, body string, opts ...PublishOption) (*SendResult, error) {
	in := SendInput{Body: body}
	for _, opt := range opts {
		opt(&in)
	}

	if destination == "" {
		return nil, validationError("publish", errors.New("destination is empty"))
	}

	if in.DelaySeconds < 0 || in.DelaySeconds > maxDelaySeconds {
		return nil, validationError("publish", fmt.Errorf("delay must be between 0 and %d seconds, got %d", maxDelaySeconds, in.DelaySeconds))
	}

	attempts := PublishAttempts(p.options.MaxRetries)

	var lastErr error
	for failures := 0; failures < attempts; {
		if failures >= RetryDelayAfterFailures && p.options.RetryDelay > 0 {
			if err := p.sleep(ctx, p.options.RetryDelay); err != nil {
				return nil, err
			}
		}

		result, err := p.endpoint.Send(ctx, destination, in)
		if err == nil {
			return result, nil
		}

		if !errors.Is(err, ErrTransport) {
			p.logger.Error().Err(err).Str("destination", destination).Msg("publish aborted")
			return nil, err
		}

		failures++
		lastErr = err

		p.logger.Warn().
			Err(err).
			Str("destination", destination).
			Int("attempt", failures).
			Int("max_attempts", attempts).
			Msg("publish attempt failed")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	return nil, fmt.Errorf("publish to %s after %d attempts: %w: %w", destination, attempts, ErrRetriesExhausted, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
