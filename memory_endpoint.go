package mqworker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
)

// DefaultMemoryVisibilityTimeout is the visibility timeout a MemoryEndpoint
// applies on receive, matching the SQS queue default.
const DefaultMemoryVisibilityTimeout = 30 * time.Second

// memoryPollInterval bounds how long a waiting receive can miss a message
// that became visible by expiry rather than by a send or release.
const memoryPollInterval = 20 * time.Millisecond

type memoryMessage struct {
	id            string
	body          string
	attributes    map[string]string
	receiptHandle string
	receiveCount  int
	visibleAt     time.Time
}

type memoryQueue struct {
	messages []*memoryMessage
	sequence int64
	// signal is closed and replaced whenever a message may have become visible.
	signal chan struct{}
}

// MemoryEndpoint is an in-process Endpoint with SQS visibility semantics:
// every receive issues a fresh receipt handle, and a handle is only valid
// while its delivery is in flight. Queues are created on first use.
type MemoryEndpoint struct {
	mu                sync.Mutex
	queues            map[string]*memoryQueue
	visibilityTimeout time.Duration
	now               func() time.Time
}

// NewMemoryEndpoint returns an empty in-memory endpoint. A visibilityTimeout
// of 0 means DefaultMemoryVisibilityTimeout.
func NewMemoryEndpoint(visibilityTimeout time.Duration) *MemoryEndpoint {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultMemoryVisibilityTimeout
	}

	return &MemoryEndpoint{
		queues:            make(map[string]*memoryQueue),
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
	}
}

func (e *MemoryEndpoint) queue(destination string) *memoryQueue {
	q, ok := e.queues[destination]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{})}
		e.queues[destination] = q
	}

	return q
}

func (q *memoryQueue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Send enqueues a message. It becomes visible after in.DelaySeconds.
func (e *MemoryEndpoint) Send(ctx context.Context, destination string, in SendInput) (*SendResult, error) {
	if destination == "" {
		return nil, validationError("send", errors.New("destination is empty"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(destination)

	attributes := make(map[string]string, len(in.Attributes))
	for k, v := range in.Attributes {
		attributes[k] = v
	}

	msg := &memoryMessage{
		id:         xid.New().String(),
		body:       in.Body,
		attributes: attributes,
		visibleAt:  e.now().Add(time.Duration(in.DelaySeconds) * time.Second),
	}
	q.messages = append(q.messages, msg)
	q.notify()

	result := &SendResult{MessageID: msg.id}
	if in.GroupID != "" {
		q.sequence++
		result.SequenceNumber = strconv.FormatInt(q.sequence, 10)
	}

	return result, nil
}

// Receive returns up to in.MaxMessages visible messages, waiting up to
// in.WaitSeconds for at least one.
func (e *MemoryEndpoint) Receive(ctx context.Context, destination string, in ReceiveInput) ([]*Message, error) {
	if in.MaxMessages < 1 {
		return nil, validationError("receive", errors.New("max messages must be at least 1"))
	}

	deadline := time.Now().Add(time.Duration(in.WaitSeconds) * time.Second)

	for {
		e.mu.Lock()
		q := e.queue(destination)
		msgs := e.take(q, in.MaxMessages)
		signal := q.signal
		e.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []*Message{}, nil
		}
		if remaining > memoryPollInterval {
			remaining = memoryPollInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, transportError("receive", ctx.Err())
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// take marks up to limit visible messages in flight. e.mu must be held.
func (e *MemoryEndpoint) take(q *memoryQueue, limit int) []*Message {
	now := e.now()

	var msgs []*Message
	for _, msg := range q.messages {
		if len(msgs) == limit {
			break
		}

		if msg.visibleAt.After(now) {
			continue
		}

		msg.receiptHandle = xid.New().String()
		msg.receiveCount++
		msg.visibleAt = now.Add(e.visibilityTimeout)

		attributes := make(map[string]string, len(msg.attributes)+1)
		for k, v := range msg.attributes {
			attributes[k] = v
		}
		attributes[AttributeReceiveCount] = strconv.Itoa(msg.receiveCount)

		msgs = append(msgs, &Message{
			ID:            msg.id,
			ReceiptHandle: msg.receiptHandle,
			Body:          msg.body,
			Attributes:    attributes,
			ReceiveCount:  msg.receiveCount,
		})
	}

	return msgs
}

// inFlight returns the index of the delivery identified by receiptHandle,
// or -1 when the handle is stale. e.mu must be held.
func (e *MemoryEndpoint) inFlight(q *memoryQueue, receiptHandle string) int {
	now := e.now()
	for i, msg := range q.messages {
		if msg.receiptHandle == receiptHandle && msg.visibleAt.After(now) {
			return i
		}
	}

	return -1
}

// ChangeVisibilityBatch changes the visibility of every entry it can and
// reports the stale ones in a *BatchError.
func (e *MemoryEndpoint) ChangeVisibilityBatch(ctx context.Context, destination string, entries []VisibilityChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(destination)

	failed := make(map[string]error)
	for _, entry := range entries {
		if err := e.changeVisibility(q, entry.ReceiptHandle, entry.TimeoutSeconds); err != nil {
			failed[entry.ReceiptHandle] = err
		}
	}

	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}

	return nil
}

// ChangeVisibility changes the visibility of one in-flight delivery.
func (e *MemoryEndpoint) ChangeVisibility(ctx context.Context, destination, receiptHandle string, timeoutSeconds int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.changeVisibility(e.queue(destination), receiptHandle, timeoutSeconds); err != nil {
		return transportError("change visibility", err)
	}

	return nil
}

func (e *MemoryEndpoint) changeVisibility(q *memoryQueue, receiptHandle string, timeoutSeconds int) error {
	i := e.inFlight(q, receiptHandle)
	if i < 0 {
		return ErrStaleReceipt
	}

	q.messages[i].visibleAt = e.now().Add(time.Duration(timeoutSeconds) * time.Second)
	if timeoutSeconds == 0 {
		q.notify()
	}

	return nil
}

// Delete removes an in-flight delivery.
func (e *MemoryEndpoint) Delete(ctx context.Context, destination, receiptHandle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(destination)

	i := e.inFlight(q, receiptHandle)
	if i < 0 {
		return transportError("delete", ErrStaleReceipt)
	}

	q.messages = append(q.messages[:i], q.messages[i+1:]...)

	return nil
}

// Len returns the number of messages on destination, visible or in flight.
func (e *MemoryEndpoint) Len(destination string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.queue(destination).messages)
}
