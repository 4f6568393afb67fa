package mqworker

import (
	"context"
	"testing"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testProject = "payments"

type fakePublisherClient struct {
	requests []*pubsubpb.PublishRequest
	err      error
}

func (f *fakePublisherClient) Publish(ctx context.Context, req *pubsubpb.PublishRequest, opts ...gax.CallOption) (*pubsubpb.PublishResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &pubsubpb.PublishResponse{MessageIds: []string{"p1"}}, nil
}

func (f *fakePublisherClient) Close() error { return nil }

type fakeSubscriberClient struct {
	pull     func(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error)
	modified []*pubsubpb.ModifyAckDeadlineRequest
	acked    []*pubsubpb.AcknowledgeRequest
	ackErr   error
}

func (f *fakeSubscriberClient) Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error) {
	return f.pull(ctx, req)
}

func (f *fakeSubscriberClient) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...gax.CallOption) error {
	f.modified = append(f.modified, req)
	return nil
}

func (f *fakeSubscriberClient) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error {
	f.acked = append(f.acked, req)
	return f.ackErr
}

func (f *fakeSubscriberClient) Close() error { return nil }

func newTestPubSubEndpoint() (*PubSubEndpoint, *fakePublisherClient, *fakeSubscriberClient) {
	publisher := &fakePublisherClient{}
	subscriber := &fakeSubscriberClient{}
	return &PubSubEndpoint{project: testProject, publisher: publisher, subscriber: subscriber}, publisher, subscriber
}

func TestPubSubSend(t *testing.T) {
	endpoint, publisher, _ := newTestPubSubEndpoint()

	result, err := endpoint.Send(context.Background(), "deposits", SendInput{
		Body:       "007",
		Attributes: map[string]string{"service": "deposit"},
		GroupID:    "account-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", result.MessageID)

	require.Len(t, publisher.requests, 1)
	req := publisher.requests[0]
	assert.Equal(t, "projects/payments/topics/deposits", req.Topic)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, []byte("007"), req.Messages[0].Data)
	assert.Equal(t, "deposit", req.Messages[0].Attributes["service"])
	assert.Equal(t, "account-1", req.Messages[0].OrderingKey)
}

func TestPubSubSendRejectsDelay(t *testing.T) {
	endpoint, publisher, _ := newTestPubSubEndpoint()

	_, err := endpoint.Send(context.Background(), "deposits", SendInput{Body: "007", DelaySeconds: 5})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, publisher.requests)
}

func TestPubSubSendClassifiesErrors(t *testing.T) {
	endpoint, publisher, _ := newTestPubSubEndpoint()

	publisher.err = status.Error(codes.Unavailable, "connection reset")
	_, err := endpoint.Send(context.Background(), "deposits", SendInput{Body: "007"})
	assert.ErrorIs(t, err, ErrTransport)

	publisher.err = status.Error(codes.InvalidArgument, "message too large")
	_, err = endpoint.Send(context.Background(), "deposits", SendInput{Body: "007"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPubSubReceive(t *testing.T) {
	endpoint, _, subscriber := newTestPubSubEndpoint()

	subscriber.pull = func(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error) {
		assert.Equal(t, "projects/payments/subscriptions/deposits-worker", req.Subscription)
		assert.EqualValues(t, 10, req.MaxMessages)
		return &pubsubpb.PullResponse{ReceivedMessages: []*pubsubpb.ReceivedMessage{{
			AckId:           "ack-1",
			DeliveryAttempt: 2,
			Message: &pubsubpb.PubsubMessage{
				MessageId:  "p1",
				Data:       []byte("007"),
				Attributes: map[string]string{"service": "deposit"},
			},
		}}}, nil
	}

	msgs, err := endpoint.Receive(context.Background(), "projects/payments/subscriptions/deposits-worker", ReceiveInput{MaxMessages: 10, WaitSeconds: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, &Message{
		ID:            "p1",
		ReceiptHandle: "ack-1",
		Body:          "007",
		Attributes:    map[string]string{"service": "deposit"},
		ReceiveCount:  2,
	}, msgs[0])
}

func TestPubSubReceiveWaitElapsedIsEmpty(t *testing.T) {
	endpoint, _, subscriber := newTestPubSubEndpoint()

	subscriber.pull = func(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error) {
		<-ctx.Done()
		return nil, status.Error(codes.DeadlineExceeded, "context deadline exceeded")
	}

	msgs, err := endpoint.Receive(context.Background(), "deposits-worker", ReceiveInput{MaxMessages: 1, WaitSeconds: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPubSubReceiveCancelledIsTransportError(t *testing.T) {
	endpoint, _, subscriber := newTestPubSubEndpoint()

	subscriber.pull = func(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := endpoint.Receive(ctx, "deposits-worker", ReceiveInput{MaxMessages: 1, WaitSeconds: 20})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestPubSubVisibility(t *testing.T) {
	endpoint, _, subscriber := newTestPubSubEndpoint()
	ctx := context.Background()

	require.NoError(t, endpoint.ChangeVisibilityBatch(ctx, "deposits-worker", []VisibilityChange{
		{ReceiptHandle: "ack-1", TimeoutSeconds: 3600},
		{ReceiptHandle: "ack-2", TimeoutSeconds: 3600},
	}))
	require.Len(t, subscriber.modified, 1)
	assert.Equal(t, []string{"ack-1", "ack-2"}, subscriber.modified[0].AckIds)
	assert.EqualValues(t, maxAckDeadline, subscriber.modified[0].AckDeadlineSeconds)

	require.NoError(t, endpoint.ChangeVisibility(ctx, "deposits-worker", "ack-3", 0))
	require.Len(t, subscriber.modified, 2)
	assert.EqualValues(t, 0, subscriber.modified[1].AckDeadlineSeconds)
	assert.Equal(t, "projects/payments/subscriptions/deposits-worker", subscriber.modified[1].Subscription)
}

func TestPubSubDelete(t *testing.T) {
	endpoint, _, subscriber := newTestPubSubEndpoint()

	require.NoError(t, endpoint.Delete(context.Background(), "deposits-worker", "ack-1"))
	require.Len(t, subscriber.acked, 1)
	assert.Equal(t, []string{"ack-1"}, subscriber.acked[0].AckIds)

	subscriber.ackErr = status.Error(codes.Unavailable, "try again")
	assert.ErrorIs(t, endpoint.Delete(context.Background(), "deposits-worker", "ack-1"), ErrTransport)
}

func TestClampAckDeadline(t *testing.T) {
	assert.Equal(t, 0, clampAckDeadline(-5))
	assert.Equal(t, 0, clampAckDeadline(0))
	assert.Equal(t, 30, clampAckDeadline(30))
	assert.Equal(t, maxAckDeadline, clampAckDeadline(3600))
}

func TestNewPubSubEndpointRequiresProject(t *testing.T) {
	_, err := NewPubSubEndpoint(context.Background(), "")
	assert.ErrorIs(t, err, ErrConfiguration)
}
