package mqworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

// SQSAdmin creates the SNS topics and SQS queues workers consume from.
type SQSAdmin struct {
	*sync.Mutex
	snsClient snsiface.SNSAPI
	sqsClient sqsiface.SQSAPI
	topicARNs map[string]string
	queueURLs map[string]string
}

// NewSQSAdmin returns an administrator using the given clients.
func NewSQSAdmin(snsClient snsiface.SNSAPI, sqsClient sqsiface.SQSAPI) *SQSAdmin {
	return &SQSAdmin{
		Mutex:     new(sync.Mutex),
		snsClient: snsClient,
		sqsClient: sqsClient,
		topicARNs: make(map[string]string),
		queueURLs: make(map[string]string),
	}
}

// CreateTopic creates a new topic and returns its ARN.
// This is an idempotent call and returns no error if the topic already exists.
func (conn *SQSAdmin) CreateTopic(topicID string) (string, error) {
	output, err := conn.snsClient.CreateTopic(&sns.CreateTopicInput{
		Name: aws.String(topicID),
	})
	if err != nil {
		return "", classifyAWSError("create topic", err)
	}

	topicARN := aws.StringValue(output.TopicArn)

	conn.Lock()
	conn.topicARNs[topicID] = topicARN
	conn.Unlock()

	return topicARN, nil
}

// CreateSubscription creates the queue subscriptionID and, when
// options.TopicID is set, subscribes it to that topic. It returns the queue URL.
// This is an idempotent call and returns no error if a queue with the same
// name already exists, provided that its attributes are the same.
func (conn *SQSAdmin) CreateSubscription(subscriptionID string, options *SubscriptionOptions) (string, error) {
	options.setDefaults()

	attributes := map[string]*string{
		"VisibilityTimeout":      aws.String(strconv.Itoa(options.AckDeadline)),
		"MessageRetentionPeriod": aws.String(strconv.Itoa(options.RetentionDuration)),
	}

	if options.FIFO {
		attributes["FifoQueue"] = aws.String("true")
	}

	if options.DeadLetterTarget != "" && options.MaxReceiveCount > 0 {
		redrivePolicy, err := json.Marshal(map[string]string{
			"deadLetterTargetArn": options.DeadLetterTarget,
			"maxReceiveCount":     strconv.Itoa(options.MaxReceiveCount),
		})
		if err != nil {
			return "", err
		}
		attributes["RedrivePolicy"] = aws.String(string(redrivePolicy))
	}

	queue, err := conn.sqsClient.CreateQueue(&sqs.CreateQueueInput{
		QueueName:  aws.String(subscriptionID),
		Attributes: attributes,
	})
	if err != nil {
		return "", classifyAWSError("create queue", err)
	}

	queueURL := aws.StringValue(queue.QueueUrl)

	conn.Lock()
	conn.queueURLs[subscriptionID] = queueURL
	conn.Unlock()

	if options.TopicID == "" {
		return queueURL, nil
	}

	if err := conn.subscribe(queueURL, options.TopicID); err != nil {
		return "", err
	}

	return queueURL, nil
}

// subscribe allows the topic to send to the queue and subscribes the queue
// to the topic.
func (conn *SQSAdmin) subscribe(queueURL, topicID string) error {
	topicARN, err := conn.TopicARN(topicID)
	if err != nil {
		return err
	}

	queueAttributes, err := conn.sqsClient.GetQueueAttributes(&sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []*string{
			aws.String("QueueArn"),
			aws.String("Policy"),
		},
	})
	if err != nil {
		return classifyAWSError("get queue attributes", err)
	}

	queueARN := aws.StringValue(queueAttributes.Attributes["QueueArn"])

	policy := newSqsPolicy(queueARN)
	if existingPolicy := queueAttributes.Attributes["Policy"]; existingPolicy != nil {
		if err := json.Unmarshal([]byte(*existingPolicy), policy); err != nil {
			return fmt.Errorf("decode queue policy: %w", err)
		}
	}

	if policy.AddPermission(queueARN, topicARN) {
		policyBytes, err := json.Marshal(policy)
		if err != nil {
			return err
		}

		_, err = conn.sqsClient.SetQueueAttributes(&sqs.SetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			Attributes: map[string]*string{
				"Policy": aws.String(string(policyBytes)),
			},
		})
		if err != nil {
			return classifyAWSError("set queue attributes", err)
		}
	}

	_, err = conn.snsClient.Subscribe(&sns.SubscribeInput{
		TopicArn: aws.String(topicARN),
		Endpoint: aws.String(queueARN),
		Protocol: aws.String("sqs"),
	})
	if err != nil {
		return classifyAWSError("subscribe", err)
	}

	return nil
}

// QueueURL resolves a queue name to the URL used as a worker destination.
func (conn *SQSAdmin) QueueURL(subscriptionID string) (string, error) {
	conn.Lock()
	defer conn.Unlock()

	if queueURL := conn.queueURLs[subscriptionID]; queueURL != "" {
		return queueURL, nil
	}

	queueURLResult, err := conn.sqsClient.GetQueueUrl(&sqs.GetQueueUrlInput{
		QueueName: aws.String(subscriptionID),
	})
	if err != nil {
		return "", classifyAWSError("get queue url", err)
	}

	queueURL := aws.StringValue(queueURLResult.QueueUrl)
	conn.queueURLs[subscriptionID] = queueURL

	return queueURL, nil
}

// TopicARN resolves a topic name to the ARN used as a publish destination.
func (conn *SQSAdmin) TopicARN(topicID string) (string, error) {
	conn.Lock()
	defer conn.Unlock()

	if topicARN := conn.topicARNs[topicID]; topicARN != "" {
		return topicARN, nil
	}

	nextToken := ""
	for {
		listTopicsInput := &sns.ListTopicsInput{}
		if nextToken != "" {
			listTopicsInput.NextToken = aws.String(nextToken)
		}

		response, err := conn.snsClient.ListTopics(listTopicsInput)
		if err != nil {
			return "", classifyAWSError("list topics", err)
		}

		for _, topic := range response.Topics {
			if strings.HasSuffix(aws.StringValue(topic.TopicArn), ":"+topicID) {
				topicARN := aws.StringValue(topic.TopicArn)
				conn.topicARNs[topicID] = topicARN
				return topicARN, nil
			}
		}

		if response.NextToken == nil {
			return "", errors.New("topic not found")
		}
		nextToken = *response.NextToken
	}
}
