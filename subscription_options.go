package mqworker

// SubscriptionOptions represents the configuration of a queue or subscription
// created by an administrator.
type SubscriptionOptions struct {
	// TopicID represents the topic to which the subscription is made. Empty
	// creates a standalone queue (SQS only).
	TopicID string

	// AckDeadline is the duration (in seconds) within which a consumer must
	// acknowledge processing of a message before it is resent to the queue.
	AckDeadline int

	// RetentionDuration is the duration (in seconds) for which messages are
	// kept in the queue before they are deleted.
	RetentionDuration int

	// ExpirationPolicy is the idle duration (in seconds) after which a
	// Pub/Sub subscription is deleted. 0 never expires.
	ExpirationPolicy int

	// EnableMessageOrdering delivers Pub/Sub messages with the same ordering
	// key in order.
	EnableMessageOrdering bool

	// FIFO creates an SQS FIFO queue. The queue name must end in ".fifo".
	FIFO bool

	// DeadLetterTarget is the queue ARN (SQS) or topic path (Pub/Sub) that
	// receives messages delivered more than MaxReceiveCount times.
	DeadLetterTarget string
	MaxReceiveCount  int
}

func (options *SubscriptionOptions) setDefaults() {
	if options.AckDeadline <= 0 {
		options.AckDeadline = 10
	}

	if options.RetentionDuration <= 0 {
		options.RetentionDuration = 604800
	}

	if options.ExpirationPolicy < 0 {
		options.ExpirationPolicy = 0
	}
}
