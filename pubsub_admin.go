package mqworker

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubAdmin creates the Pub/Sub topics and subscriptions workers consume from.
type PubSubAdmin struct {
	client *pubsub.Client
}

// NewPubSubAdmin returns an administrator for project.
func NewPubSubAdmin(ctx context.Context, project string, opts ...option.ClientOption) (*PubSubAdmin, error) {
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, configError("create pubsub client: %v", err)
	}

	return &PubSubAdmin{client: client}, nil
}

// Close releases the client.
func (conn *PubSubAdmin) Close() error {
	return conn.client.Close()
}

// CreateTopic creates a new topic.
// This is an idempotent call and returns no error if the topic already exists.
func (conn *PubSubAdmin) CreateTopic(ctx context.Context, topicID string) error {
	topic := conn.client.Topic(topicID)

	// check if the topic exists
	exists, err := topic.Exists(ctx)
	if err != nil {
		return transportError("topic exists", err)
	}

	if exists {
		return nil
	}

	if _, err = conn.client.CreateTopic(ctx, topicID); err != nil {
		return transportError("create topic", err)
	}

	return nil
}

// CreateSubscription creates a new subscription to the topic specified in options.
// This is an idempotent call and returns no error if a subscription with the same id already exists,
// provided that the topic and other parameters are the same.
func (conn *PubSubAdmin) CreateSubscription(ctx context.Context, subscriptionID string, options *SubscriptionOptions) error {
	options.setDefaults()

	if options.AckDeadline > maxAckDeadline {
		return validationError("create subscription", errors.New("AckDeadline exceeds 600 seconds"))
	}

	topic := conn.client.Topic(options.TopicID)
	subscription := conn.client.Subscription(subscriptionID)

	existsTopic, err := topic.Exists(ctx)
	if err != nil {
		return transportError("topic exists", err)
	}

	if !existsTopic {
		return validationError("create subscription", errors.New("topic does not exist"))
	}

	// check if the subscription exists
	existsSubscription, err := subscription.Exists(ctx)
	if err != nil {
		return transportError("subscription exists", err)
	}

	if existsSubscription {
		// perform a further check to see if it has an identical configuration
		config, err := subscription.Config(ctx)
		if err != nil {
			return transportError("subscription config", err)
		}

		return compareSubscriptionConfig(config, options)
	}

	config := pubsub.SubscriptionConfig{
		Topic:                 topic,
		AckDeadline:           time.Duration(options.AckDeadline) * time.Second,
		RetentionDuration:     time.Duration(options.RetentionDuration) * time.Second,
		ExpirationPolicy:      time.Duration(options.ExpirationPolicy) * time.Second,
		EnableMessageOrdering: options.EnableMessageOrdering,
	}

	if options.DeadLetterTarget != "" && options.MaxReceiveCount > 0 {
		config.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     options.DeadLetterTarget,
			MaxDeliveryAttempts: options.MaxReceiveCount,
		}
	}

	if _, err = conn.client.CreateSubscription(ctx, subscriptionID, config); err != nil {
		return transportError("create subscription", err)
	}

	return nil
}

func compareSubscriptionConfig(config pubsub.SubscriptionConfig, options *SubscriptionOptions) error {
	if config.Topic.ID() != options.TopicID {
		return validationError("create subscription", errors.New("a subscription by that name already exists and is subscribed to a different topic"))
	}

	if config.AckDeadline != time.Duration(options.AckDeadline)*time.Second {
		return validationError("create subscription", errors.New("a subscription by that name already exists with a different AckDeadline"))
	}

	if config.RetentionDuration != time.Duration(options.RetentionDuration)*time.Second {
		return validationError("create subscription", errors.New("a subscription by that name already exists with a different RetentionDuration"))
	}

	if (config.ExpirationPolicy != nil && config.ExpirationPolicy != time.Duration(options.ExpirationPolicy)*time.Second) || (config.ExpirationPolicy == nil && options.ExpirationPolicy != 0) {
		return validationError("create subscription", errors.New("a subscription by that name already exists with a different Expiration Policy"))
	}

	return nil
}
