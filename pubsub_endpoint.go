package mqworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxAckDeadline is the longest ack deadline Pub/Sub accepts, in seconds.
const maxAckDeadline = 600

type pubsubPublisherClient interface {
	Publish(ctx context.Context, req *pubsubpb.PublishRequest, opts ...gax.CallOption) (*pubsubpb.PublishResponse, error)
	Close() error
}

type pubsubSubscriberClient interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...gax.CallOption) error
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
	Close() error
}

// PubSubEndpoint is an Endpoint backed by Google Cloud Pub/Sub. Send
// destinations are topics and receive destinations are subscriptions, given
// either as full resource names or as ids within the project. Ack ids act
// as receipt handles and ack deadlines as visibility timeouts.
type PubSubEndpoint struct {
	project    string
	publisher  pubsubPublisherClient
	subscriber pubsubSubscriberClient
}

// NewPubSubEndpoint dials the Pub/Sub publisher and subscriber APIs.
func NewPubSubEndpoint(ctx context.Context, project string, opts ...option.ClientOption) (*PubSubEndpoint, error) {
	if project == "" {
		return nil, configError("gcloud project is empty")
	}

	publisher, err := vkit.NewPublisherClient(ctx, opts...)
	if err != nil {
		return nil, configError("create pubsub publisher client: %v", err)
	}

	subscriber, err := vkit.NewSubscriberClient(ctx, opts...)
	if err != nil {
		publisher.Close()
		return nil, configError("create pubsub subscriber client: %v", err)
	}

	return &PubSubEndpoint{
		project:    project,
		publisher:  publisher,
		subscriber: subscriber,
	}, nil
}

// Close releases the underlying connections.
func (conn *PubSubEndpoint) Close() error {
	return errors.Join(conn.publisher.Close(), conn.subscriber.Close())
}

// Send publishes a message to the topic. GroupID is used as the ordering key.
func (conn *PubSubEndpoint) Send(ctx context.Context, destination string, in SendInput) (*SendResult, error) {
	if in.DelaySeconds > 0 {
		return nil, validationError("publish", errors.New("pubsub does not support delayed delivery"))
	}

	response, err := conn.publisher.Publish(ctx, &pubsubpb.PublishRequest{
		Topic: conn.resourceName("topics", destination),
		Messages: []*pubsubpb.PubsubMessage{{
			Data:        []byte(in.Body),
			Attributes:  in.Attributes,
			OrderingKey: in.GroupID,
		}},
	})
	if err != nil {
		return nil, classifyGRPCError("publish", err)
	}

	if len(response.MessageIds) == 0 {
		return nil, transportError("publish", errors.New("no message id returned"))
	}

	return &SendResult{MessageID: response.MessageIds[0]}, nil
}

// Receive pulls from the subscription, waiting up to in.WaitSeconds.
func (conn *PubSubEndpoint) Receive(ctx context.Context, destination string, in ReceiveInput) ([]*Message, error) {
	pullCtx := ctx
	if in.WaitSeconds > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, time.Duration(in.WaitSeconds)*time.Second)
		defer cancel()
	}

	response, err := conn.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription:      conn.resourceName("subscriptions", destination),
		MaxMessages:       int32(in.MaxMessages),
		ReturnImmediately: in.WaitSeconds == 0,
	})
	if err != nil {
		if ctx.Err() == nil && (pullCtx.Err() != nil || status.Code(err) == codes.DeadlineExceeded) {
			return []*Message{}, nil
		}
		return nil, classifyGRPCError("pull", err)
	}

	msgs := make([]*Message, 0, len(response.ReceivedMessages))
	for _, received := range response.ReceivedMessages {
		msg := received.GetMessage()
		msgs = append(msgs, &Message{
			ID:            msg.GetMessageId(),
			ReceiptHandle: received.GetAckId(),
			Body:          string(msg.GetData()),
			Attributes:    msg.GetAttributes(),
			ReceiveCount:  int(received.GetDeliveryAttempt()),
		})
	}

	return msgs, nil
}

// ChangeVisibilityBatch modifies the ack deadlines of the deliveries,
// one call per distinct deadline.
func (conn *PubSubEndpoint) ChangeVisibilityBatch(ctx context.Context, destination string, entries []VisibilityChange) error {
	byDeadline := make(map[int][]string)
	for _, entry := range entries {
		deadline := clampAckDeadline(entry.TimeoutSeconds)
		byDeadline[deadline] = append(byDeadline[deadline], entry.ReceiptHandle)
	}

	for deadline, ackIDs := range byDeadline {
		if err := conn.modifyAckDeadline(ctx, destination, ackIDs, deadline); err != nil {
			return err
		}
	}

	return nil
}

// ChangeVisibility modifies the ack deadline of one delivery. A deadline of
// zero nacks it.
func (conn *PubSubEndpoint) ChangeVisibility(ctx context.Context, destination, receiptHandle string, timeoutSeconds int) error {
	return conn.modifyAckDeadline(ctx, destination, []string{receiptHandle}, clampAckDeadline(timeoutSeconds))
}

// Delete acknowledges the delivery.
func (conn *PubSubEndpoint) Delete(ctx context.Context, destination, receiptHandle string) error {
	err := conn.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: conn.resourceName("subscriptions", destination),
		AckIds:       []string{receiptHandle},
	})
	if err != nil {
		return classifyGRPCError("acknowledge", err)
	}

	return nil
}

func (conn *PubSubEndpoint) modifyAckDeadline(ctx context.Context, destination string, ackIDs []string, deadline int) error {
	err := conn.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       conn.resourceName("subscriptions", destination),
		AckIds:             ackIDs,
		AckDeadlineSeconds: int32(deadline),
	})
	if err != nil {
		return classifyGRPCError("modify ack deadline", err)
	}

	return nil
}

// resourceName expands a bare id to projects/<project>/<kind>/<id>.
func (conn *PubSubEndpoint) resourceName(kind, id string) string {
	if strings.HasPrefix(id, "projects/") {
		return id
	}

	return fmt.Sprintf("projects/%s/%s/%s", conn.project, kind, id)
}

func clampAckDeadline(seconds int) int {
	if seconds > maxAckDeadline {
		return maxAckDeadline
	}

	if seconds < 0 {
		return 0
	}

	return seconds
}

func classifyGRPCError(op string, err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.OutOfRange:
		return validationError(op, err)
	default:
		return transportError(op, err)
	}
}
