package mqworker

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Endpoint is the queue transport capability shared by Publisher and Worker.
// Implementations must be safe for concurrent use and keep no local view of
// queue state.
type Endpoint interface {
	// Send enqueues one message on destination.
	Send(ctx context.Context, destination string, in SendInput) (*SendResult, error)

	// Receive long polls destination for up to in.MaxMessages messages.
	// An empty slice with a nil error means the wait elapsed with no messages.
	Receive(ctx context.Context, destination string, in ReceiveInput) ([]*Message, error)

	// ChangeVisibilityBatch sets the visibility timeout of several deliveries
	// in one call. If only some entries fail it returns a *BatchError.
	ChangeVisibilityBatch(ctx context.Context, destination string, entries []VisibilityChange) error

	// ChangeVisibility sets the visibility timeout of one delivery. A timeout
	// of zero makes the message immediately receivable again.
	ChangeVisibility(ctx context.Context, destination, receiptHandle string, timeoutSeconds int) error

	// Delete permanently removes a delivered message.
	Delete(ctx context.Context, destination, receiptHandle string) error
}

// SendInput holds the per-message parameters of a send.
type SendInput struct {
	Body         string
	Attributes   map[string]string
	DelaySeconds int

	// GroupID orders messages within a group on FIFO queues. Empty means none.
	GroupID string
}

// ReceiveInput holds the parameters of a receive call.
type ReceiveInput struct {
	MaxMessages int
	WaitSeconds int

	// AttributeNames lists the system attributes to return with each message.
	AttributeNames []string
}

// VisibilityChange is one entry of a batched visibility change.
type VisibilityChange struct {
	ReceiptHandle  string
	TimeoutSeconds int
}

// BatchError reports the entries of a batched call that failed while the
// others succeeded. It unwraps to ErrTransport.
type BatchError struct {
	// Failed maps receipt handles to the reason their entry failed.
	Failed map[string]error
}

func (e *BatchError) Error() string {
	handles := make([]string, 0, len(e.Failed))
	for handle := range e.Failed {
		handles = append(handles, handle)
	}
	sort.Strings(handles)

	reasons := make([]string, 0, len(handles))
	for _, handle := range handles {
		reasons = append(reasons, fmt.Sprintf("%s: %v", handle, e.Failed[handle]))
	}

	return fmt.Sprintf("%d batch entries failed: %s", len(e.Failed), strings.Join(reasons, "; "))
}

func (e *BatchError) Unwrap() error {
	return ErrTransport
}

// Attribute names understood by the endpoints.
const (
	AttributeSentTimestamp   = "SentTimestamp"
	AttributeReceiveCount    = "ApproximateReceiveCount"
	AttributeDeduplicationID = "MessageDeduplicationId"
)

var defaultAttributeNames = []string{AttributeSentTimestamp, AttributeReceiveCount}
