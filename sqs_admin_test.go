package mqworker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (m *MockSQSClient) CreateQueue(params *sqs.CreateQueueInput) (*sqs.CreateQueueOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.CreateQueueOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(params *sqs.GetQueueAttributesInput) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

func (m *MockSQSClient) SetQueueAttributes(params *sqs.SetQueueAttributesInput) (*sqs.SetQueueAttributesOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SetQueueAttributesOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueUrl(params *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueUrlOutput), args.Error(1)
}

func (m *MockSNSClient) CreateTopic(params *sns.CreateTopicInput) (*sns.CreateTopicOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.CreateTopicOutput), args.Error(1)
}

func (m *MockSNSClient) ListTopics(params *sns.ListTopicsInput) (*sns.ListTopicsOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.ListTopicsOutput), args.Error(1)
}

func (m *MockSNSClient) Subscribe(params *sns.SubscribeInput) (*sns.SubscribeOutput, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.SubscribeOutput), args.Error(1)
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/deposits"

func TestSQSAdminCreateSubscription(t *testing.T) {
	snsClient := new(MockSNSClient)
	sqsClient := new(MockSQSClient)
	admin := NewSQSAdmin(snsClient, sqsClient)

	var created *sqs.CreateQueueInput
	sqsClient.On("CreateQueue", mock.Anything).
		Return(&sqs.CreateQueueOutput{QueueUrl: aws.String(testQueueURL)}, nil).
		Run(func(args mock.Arguments) { created = args.Get(0).(*sqs.CreateQueueInput) }).
		Once()
	snsClient.On("ListTopics", &sns.ListTopicsInput{}).Return(&sns.ListTopicsOutput{
		NextToken: aws.String("page-2"),
		Topics:    []*sns.Topic{{TopicArn: aws.String("arn:aws:sns:us-east-1:123456789012:refunds")}},
	}, nil).Once()
	snsClient.On("ListTopics", &sns.ListTopicsInput{NextToken: aws.String("page-2")}).Return(&sns.ListTopicsOutput{
		Topics: []*sns.Topic{{TopicArn: aws.String(testTopicARN)}},
	}, nil).Once()
	sqsClient.On("GetQueueAttributes", mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]*string{"QueueArn": aws.String(testQueueARN)},
	}, nil).Once()

	var policy *sqs.SetQueueAttributesInput
	sqsClient.On("SetQueueAttributes", mock.Anything).
		Return(&sqs.SetQueueAttributesOutput{}, nil).
		Run(func(args mock.Arguments) { policy = args.Get(0).(*sqs.SetQueueAttributesInput) }).
		Once()
	snsClient.On("Subscribe", &sns.SubscribeInput{
		TopicArn: aws.String(testTopicARN),
		Endpoint: aws.String(testQueueARN),
		Protocol: aws.String("sqs"),
	}).Return(&sns.SubscribeOutput{}, nil).Once()

	queueURL, err := admin.CreateSubscription("deposits", &SubscriptionOptions{
		TopicID:          "deposits",
		AckDeadline:      3600,
		DeadLetterTarget: "arn:aws:sqs:us-east-1:123456789012:deposits-dlq",
		MaxReceiveCount:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, testQueueURL, queueURL)

	assert.Equal(t, "3600", aws.StringValue(created.Attributes["VisibilityTimeout"]))
	assert.Equal(t, "604800", aws.StringValue(created.Attributes["MessageRetentionPeriod"]))
	assert.JSONEq(t,
		`{"deadLetterTargetArn": "arn:aws:sqs:us-east-1:123456789012:deposits-dlq", "maxReceiveCount": "5"}`,
		aws.StringValue(created.Attributes["RedrivePolicy"]))

	decoded := new(sqsPolicy)
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(policy.Attributes["Policy"])), decoded))
	assert.False(t, decoded.AddPermission(testQueueARN, testTopicARN))

	cached, err := admin.QueueURL("deposits")
	require.NoError(t, err)
	assert.Equal(t, testQueueURL, cached)

	snsClient.AssertExpectations(t)
	sqsClient.AssertExpectations(t)
}

func TestSQSAdminTopicNotFound(t *testing.T) {
	snsClient := new(MockSNSClient)
	admin := NewSQSAdmin(snsClient, new(MockSQSClient))

	snsClient.On("ListTopics", mock.Anything).Return(&sns.ListTopicsOutput{}, nil).Once()

	_, err := admin.TopicARN("missing")
	assert.Error(t, err)
}

func TestSQSAdminCreateTopic(t *testing.T) {
	snsClient := new(MockSNSClient)
	admin := NewSQSAdmin(snsClient, new(MockSQSClient))

	snsClient.On("CreateTopic", &sns.CreateTopicInput{Name: aws.String("deposits")}).
		Return(&sns.CreateTopicOutput{TopicArn: aws.String(testTopicARN)}, nil).Once()

	topicARN, err := admin.CreateTopic("deposits")
	require.NoError(t, err)
	assert.Equal(t, testTopicARN, topicARN)

	cached, err := admin.TopicARN("deposits")
	require.NoError(t, err)
	assert.Equal(t, testTopicARN, cached)
	snsClient.AssertExpectations(t)
}

// TestAWSRoundTrip runs against a real account or localstack when
// MQ_INTEGRATION_AWS_REGION is set.
func TestAWSRoundTrip(t *testing.T) {
	region := os.Getenv("MQ_INTEGRATION_AWS_REGION")
	if region == "" {
		t.Skip("MQ_INTEGRATION_AWS_REGION not set")
	}

	config := Config{Provider: ProviderAWS, AWSRegion: region, AWSEndpoint: os.Getenv("MQ_INTEGRATION_AWS_ENDPOINT")}

	admin, err := NewSQSAdminFromConfig(config)
	require.NoError(t, err)

	_, err = admin.CreateTopic("umt")
	require.NoError(t, err)

	queueURL, err := admin.CreateSubscription("umt-handler", &SubscriptionOptions{
		TopicID:           "umt",
		AckDeadline:       10,
		RetentionDuration: 7 * 24 * 60 * 60,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	endpoint, err := NewEndpoint(ctx, config)
	require.NoError(t, err)

	publisher, err := NewPublisher(endpoint, PublisherOptions{MaxRetries: 2})
	require.NoError(t, err)

	_, err = publisher.Publish(ctx, queueURL, "007", WithAttributes(map[string]string{"service": "deposit"}))
	require.NoError(t, err)

	worker, err := NewWorker(endpoint, WorkerOptions{WaitTimeSeconds: 5, VisibilityTimeout: 30})
	require.NoError(t, err)

	err = worker.Listen(ctx, queueURL, func(_ context.Context, msg *Message) bool {
		if msg.Body == "007" && msg.Attributes["service"] == "deposit" {
			cancel()
		}
		return true
	}, nil)
	assert.NoError(t, err)
}
