package mqworker

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTopic = "arn:aws:sns:us-east-1:123456789012:deposits"

type MockSNSClient struct {
	snsiface.SNSAPI
	mock.Mock
}

func (m *MockSNSClient) PublishWithContext(ctx aws.Context, params *sns.PublishInput, opts ...request.Option) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

func TestSNSSend(t *testing.T) {
	client := new(MockSNSClient)
	endpoint, err := NewSNSEndpoint(client)
	require.NoError(t, err)

	client.On("PublishWithContext", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return aws.StringValue(in.TopicArn) == testTopic &&
			aws.StringValue(in.Message) == "007" &&
			aws.StringValue(in.MessageAttributes["service"].StringValue) == "deposit" &&
			aws.StringValue(in.MessageGroupId) == "deposits" &&
			aws.StringValue(in.MessageDeduplicationId) == "dedup-1"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m1"), SequenceNumber: aws.String("7")}, nil).Once()

	result, err := endpoint.Send(context.Background(), testTopic, SendInput{
		Body:       "007",
		GroupID:    "deposits",
		Attributes: map[string]string{"service": "deposit", AttributeDeduplicationID: "dedup-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, &SendResult{MessageID: "m1", SequenceNumber: "7"}, result)
	client.AssertExpectations(t)
}

func TestSNSSendThroughPublisherRetriesTransportErrors(t *testing.T) {
	client := new(MockSNSClient)
	endpoint, err := NewSNSEndpoint(client)
	require.NoError(t, err)

	client.On("PublishWithContext", mock.Anything, mock.Anything).
		Return(nil, awserr.New("InternalError", "try again", nil)).Once()
	client.On("PublishWithContext", mock.Anything, mock.Anything).
		Return(&sns.PublishOutput{MessageId: aws.String("m1")}, nil).Once()

	publisher, err := NewPublisher(endpoint, PublisherOptions{MaxRetries: 1})
	require.NoError(t, err)

	result, err := publisher.Publish(context.Background(), testTopic, "007")
	require.NoError(t, err)
	assert.Equal(t, "m1", result.MessageID)
	client.AssertNumberOfCalls(t, "PublishWithContext", 2)
}

func TestSNSEndpointCannotConsume(t *testing.T) {
	endpoint, err := NewSNSEndpoint(new(MockSNSClient))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = endpoint.Receive(ctx, testTopic, ReceiveInput{MaxMessages: 1})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, err, ErrValidation)

	assert.ErrorIs(t, endpoint.ChangeVisibilityBatch(ctx, testTopic, nil), ErrUnsupported)
	assert.ErrorIs(t, endpoint.ChangeVisibility(ctx, testTopic, "r1", 0), ErrUnsupported)
	assert.ErrorIs(t, endpoint.Delete(ctx, testTopic, "r1"), ErrUnsupported)
}
