package mqworker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrorThreshold is the number of consecutive queue operation failures after
// which Listen stops.
const ErrorThreshold = 5

// Handler processes one message and reports whether it was processed
// successfully. Successful messages are deleted from the queue, the others
// are made visible again immediately.
//
// ctx is cancelled when the handler timeout elapses. It is not cancelled
// when the worker stops.
type Handler func(ctx context.Context, msg *Message) bool

// ErrorHandler is called for every failed queue operation with the error and
// the running number of consecutive failures.
type ErrorHandler func(err error, consecutive int)

// WorkerOptions represents options for the way messages are to be consumed
// and handled from the queue. Start from DefaultWorkerOptions.
type WorkerOptions struct {
	// MaxNumberOfMessages is the maximum batch size of a receive call, 1 to 10.
	// Zero means DefaultMaxNumberOfMessages.
	MaxNumberOfMessages int

	// WaitTimeSeconds bounds the long poll of a receive call.
	WaitTimeSeconds int

	// VisibilityTimeout is the duration (in seconds) a received batch is locked
	// for while it is processed, at most 43200. Zero means
	// DefaultVisibilityTimeout.
	VisibilityTimeout int

	// SleepIfNoMessages is slept after a receive that returned nothing.
	SleepIfNoMessages time.Duration

	// HandlerTimeout bounds every handler call. Zero means VisibilityTimeout.
	HandlerTimeout time.Duration

	// MaxReceiveCount, when greater than 0, moves messages delivered more
	// often than this to DeadLetterDestination instead of handling them.
	MaxReceiveCount       int
	DeadLetterDestination string

	// UnwrapSNS decodes SNS notification envelopes before handling.
	UnwrapSNS bool

	// Deduplicator, if set, skips messages that were already processed.
	Deduplicator Deduplicator

	// Metrics, if set, records worker activity.
	Metrics *Metrics

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultWorkerOptions returns the default consumption settings.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		MaxNumberOfMessages: DefaultMaxNumberOfMessages,
		WaitTimeSeconds:     DefaultWaitTimeSeconds,
		VisibilityTimeout:   DefaultVisibilityTimeout,
		SleepIfNoMessages:   DefaultSleepIfNoMessages,
	}
}

// Worker polls a queue and dispatches messages to a Handler, one at a time.
// Mutual exclusion with other workers on the same queue relies entirely on
// the service's visibility timeout.
type Worker struct {
	endpoint   Endpoint
	options    WorkerOptions
	logger     zerolog.Logger
	deadLetter *Publisher
	sleep      func(context.Context, time.Duration) error
}

// NewWorker returns a Worker consuming from endpoint.
func NewWorker(endpoint Endpoint, options WorkerOptions) (*Worker, error) {
	if endpoint == nil {
		return nil, configError("worker endpoint is nil")
	}

	if options.MaxNumberOfMessages == 0 {
		options.MaxNumberOfMessages = DefaultMaxNumberOfMessages
	}

	if options.VisibilityTimeout == 0 {
		options.VisibilityTimeout = DefaultVisibilityTimeout
	}

	if options.MaxNumberOfMessages < 1 || options.MaxNumberOfMessages > maxNumberOfMessages {
		return nil, configError("MaxNumberOfMessages must be between 1 and %d, got %d", maxNumberOfMessages, options.MaxNumberOfMessages)
	}

	if options.WaitTimeSeconds < 0 || options.WaitTimeSeconds > maxWaitTimeSeconds {
		return nil, configError("WaitTimeSeconds must be between 0 and %d, got %d", maxWaitTimeSeconds, options.WaitTimeSeconds)
	}

	if options.VisibilityTimeout < 1 || options.VisibilityTimeout > maxVisibilityTimeout {
		return nil, configError("VisibilityTimeout must be between 1 and %d, got %d", maxVisibilityTimeout, options.VisibilityTimeout)
	}

	if options.SleepIfNoMessages < 0 || options.HandlerTimeout < 0 {
		return nil, configError("worker durations must not be negative")
	}

	if options.MaxReceiveCount > 0 && options.DeadLetterDestination == "" {
		return nil, configError("DeadLetterDestination is required when MaxReceiveCount is set")
	}

	logger := log.Logger
	if options.Logger != nil {
		logger = *options.Logger
	}
	logger = logger.With().Str("component", "worker").Logger()

	w := &Worker{
		endpoint: endpoint,
		options:  options,
		logger:   logger,
		sleep:    sleepContext,
	}

	if options.MaxReceiveCount > 0 {
		deadLetter, err := NewPublisher(endpoint, PublisherOptions{Logger: &logger})
		if err != nil {
			return nil, err
		}
		w.deadLetter = deadLetter
	}

	return w, nil
}

// run is the state of one Listen call.
type run struct {
	destination string
	handler     Handler
	onError     ErrorHandler
	logger      zerolog.Logger

	consecutive int
	failed      bool
	lastErr     error
}

// Listen consumes messages from destination until ctx is cancelled, which
// returns nil, or until ErrorThreshold consecutive queue operation failures
// occurred, which returns an error wrapping ErrErrorThreshold. Each iteration
// receives a batch, locks it for VisibilityTimeout seconds, then calls
// handler for every message in receive order and deletes or releases it
// according to the result.
//
// Cancellation is observed between messages: the message being handled
// when ctx is cancelled is finished and acknowledged or released, and the
// rest of the batch is released.
func (w *Worker) Listen(ctx context.Context, destination string, handler Handler, onError ErrorHandler) error {
	if handler == nil {
		return configError("message handler is nil")
	}

	if destination == "" {
		return configError("destination is empty")
	}

	r := &run{
		destination: destination,
		handler:     handler,
		onError:     onError,
		logger:      w.logger.With().Str("destination", destination).Logger(),
	}

	started := time.Now()
	r.logger.Info().Msg("worker started")

	err := w.loop(ctx, r)

	r.logger.Info().
		Err(err).
		Dur("uptime", time.Since(started)).
		Msg("worker finished")

	return err
}

func (w *Worker) loop(ctx context.Context, r *run) error {
	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			return nil
		}

		w.logProgress(r, iteration)

		r.failed = false
		w.poll(ctx, r)

		if !r.failed {
			r.consecutive = 0
		}
		w.options.Metrics.setConsecutiveErrors(r.consecutive)

		if r.consecutive >= ErrorThreshold {
			return fmt.Errorf("%w: %d consecutive failures: %w", ErrErrorThreshold, r.consecutive, r.lastErr)
		}
	}
}

// poll runs one receive, lock and dispatch cycle.
func (w *Worker) poll(ctx context.Context, r *run) {
	r.logger.Debug().Msg("waiting for messages")

	msgs, err := w.endpoint.Receive(ctx, r.destination, ReceiveInput{
		MaxMessages:    w.options.MaxNumberOfMessages,
		WaitSeconds:    w.options.WaitTimeSeconds,
		AttributeNames: defaultAttributeNames,
	})
	if err != nil {
		w.options.Metrics.observePoll(pollError)
		w.fail(ctx, r, "receive", nil, err)
		return
	}

	if len(msgs) == 0 {
		w.options.Metrics.observePoll(pollEmpty)
		r.logger.Debug().Dur("sleep", w.options.SleepIfNoMessages).Msg("no messages found")
		// cancellation surfaces at the next iteration boundary
		_ = w.sleep(ctx, w.options.SleepIfNoMessages)
		return
	}

	w.options.Metrics.observePoll(pollMessages)
	w.options.Metrics.addReceived(len(msgs))
	r.logger.Debug().Int("count", len(msgs)).Msg("messages found")

	locked := w.lock(ctx, r, msgs)

	for i, msg := range locked {
		if ctx.Err() != nil {
			w.releaseAll(ctx, r, locked[i:])
			return
		}

		w.dispatch(ctx, r, msg)
	}
}

// lock hides msgs from other consumers for VisibilityTimeout and returns the
// ones that were locked.
func (w *Worker) lock(ctx context.Context, r *run, msgs []*Message) []*Message {
	entries := make([]VisibilityChange, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, VisibilityChange{
			ReceiptHandle:  msg.ReceiptHandle,
			TimeoutSeconds: w.options.VisibilityTimeout,
		})
	}

	err := w.endpoint.ChangeVisibilityBatch(ctx, r.destination, entries)
	if err == nil {
		return msgs
	}

	w.fail(ctx, r, "lock", nil, err)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		return nil
	}

	locked := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, failed := batchErr.Failed[msg.ReceiptHandle]; !failed {
			locked = append(locked, msg)
		}
	}

	return locked
}

func (w *Worker) dispatch(ctx context.Context, r *run, msg *Message) {
	logger := r.logger.With().Str("message_id", msg.ID).Logger()

	if w.deadLetter != nil && msg.ReceiveCount > w.options.MaxReceiveCount {
		w.moveToDeadLetter(ctx, r, msg)
		return
	}

	if w.options.UnwrapSNS {
		unwrapped, err := unwrapSNSMessage(msg)
		if err != nil {
			logger.Error().Err(err).Msg("failed to decode sns envelope")
			w.release(ctx, r, msg)
			return
		}
		msg = unwrapped
	}

	if dedup := w.options.Deduplicator; dedup != nil {
		processed, err := dedup.IsProcessed(ctx, msg.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to check if message was processed")
		} else if processed {
			logger.Info().Msg("duplicate message detected, skipping")
			w.ack(ctx, r, msg)
			return
		}
	}

	if !w.invoke(ctx, logger, r.handler, msg) {
		w.release(ctx, r, msg)
		return
	}

	if dedup := w.options.Deduplicator; dedup != nil {
		if err := dedup.MarkProcessed(ctx, msg.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to mark message as processed")
		}
	}

	w.ack(ctx, r, msg)
}

// invoke calls handler under HandlerTimeout. Stopping the worker does not
// cancel a running handler. A handler that panics or does not return in
// time is treated as having failed; it keeps running in its own goroutine
// until it observes its context.
func (w *Worker) invoke(ctx context.Context, logger zerolog.Logger, handler Handler, msg *Message) bool {
	timeout := w.options.HandlerTimeout
	if timeout <= 0 {
		timeout = time.Duration(w.options.VisibilityTimeout) * time.Second
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := time.Now()
	defer func() {
		w.options.Metrics.observeHandler(time.Since(started))
	}()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Msg("handler recovered from panic")
				done <- false
			}
		}()
		done <- handler(hctx, msg)
	}()

	select {
	case ok := <-done:
		return ok
	case <-hctx.Done():
		logger.Warn().Dur("timeout", timeout).Err(hctx.Err()).Msg("handler did not finish in time")
		return false
	}
}

// ack deletes msg. Like release it runs even when ctx is cancelled, so a
// message whose handler succeeded is not redelivered after a stop.
func (w *Worker) ack(ctx context.Context, r *run, msg *Message) {
	if err := w.endpoint.Delete(context.WithoutCancel(ctx), r.destination, msg.ReceiptHandle); err != nil {
		w.fail(ctx, r, "ack", msg, err)
		return
	}

	w.options.Metrics.incAcked()
	r.logger.Debug().Str("message_id", msg.ID).Msg("message deleted")
}

// release makes msg immediately receivable again. It runs even when ctx is
// cancelled so a stopping worker hands its batch back.
func (w *Worker) release(ctx context.Context, r *run, msg *Message) {
	if err := w.endpoint.ChangeVisibility(context.WithoutCancel(ctx), r.destination, msg.ReceiptHandle, 0); err != nil {
		w.fail(ctx, r, "release", msg, err)
		return
	}

	w.options.Metrics.incReleased()
	r.logger.Debug().Str("message_id", msg.ID).Msg("message released")
}

func (w *Worker) releaseAll(ctx context.Context, r *run, msgs []*Message) {
	for _, msg := range msgs {
		w.release(ctx, r, msg)
	}
}

func (w *Worker) moveToDeadLetter(ctx context.Context, r *run, msg *Message) {
	logger := r.logger.With().
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Str("dead_letter", w.options.DeadLetterDestination).
		Logger()

	if _, err := w.deadLetter.Publish(ctx, w.options.DeadLetterDestination, msg.Body, WithAttributes(msg.Attributes)); err != nil {
		w.fail(ctx, r, "dead_letter", msg, err)
		w.release(ctx, r, msg)
		return
	}

	w.options.Metrics.incDeadLettered()
	logger.Warn().Msg("message exceeded max receive count, moved to dead letter destination")
	w.ack(ctx, r, msg)
}

// fail records a failed queue operation. Failures caused by the worker
// stopping are not counted.
func (w *Worker) fail(ctx context.Context, r *run, op string, msg *Message, err error) {
	if ctx.Err() != nil {
		r.logger.Debug().Err(err).Str("op", op).Msg("queue operation interrupted by shutdown")
		return
	}

	r.failed = true
	r.consecutive++
	r.lastErr = err

	w.options.Metrics.incError(op)

	event := r.logger.Error().Err(err).Str("op", op).Int("consecutive_errors", r.consecutive)
	if msg != nil {
		event = event.Str("message_id", msg.ID)
	}
	event.Msg("queue operation failed")

	if r.onError != nil {
		r.onError(err, r.consecutive)
	}
}

func (w *Worker) logProgress(r *run, iteration int) {
	event := r.logger.Debug()
	if !event.Enabled() {
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	event.
		Int("iteration", iteration).
		Uint64("heap_alloc_bytes", mem.HeapAlloc).
		Uint64("sys_bytes", mem.Sys).
		Msg("check round")
}
