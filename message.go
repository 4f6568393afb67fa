package mqworker

// Message represents one delivery received from a queue, in a standardized
// format across all endpoint providers.
type Message struct {
	// ID is assigned by the queue service. It is not guaranteed to be stable
	// across receives.
	ID string

	// ReceiptHandle identifies this specific delivery. It is required to delete
	// the message or change its visibility and is invalidated once the message
	// is deleted, its visibility expires or it is redelivered.
	ReceiptHandle string

	// Body is the message payload, opaque to the worker.
	Body string

	// Attributes is an arbitrary key value map of string attributes.
	Attributes map[string]string

	// ReceiveCount is the number of times the service has delivered this
	// message, or 0 when the endpoint does not report it.
	ReceiveCount int
}

// SendResult is the queue service's acknowledgment of an accepted message.
type SendResult struct {
	MessageID string

	// SequenceNumber is only assigned by FIFO queues.
	SequenceNumber string
}
