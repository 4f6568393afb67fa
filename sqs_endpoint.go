package mqworker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/rs/xid"
)

// SQSEndpoint is an Endpoint backed by Amazon SQS. Destinations are queue URLs.
type SQSEndpoint struct {
	client sqsiface.SQSAPI
}

// NewSQSEndpoint returns an endpoint using client.
func NewSQSEndpoint(client sqsiface.SQSAPI) (*SQSEndpoint, error) {
	if client == nil {
		return nil, configError("sqs client is nil")
	}

	return &SQSEndpoint{client: client}, nil
}

// Send sends a message to the queue. Messages with a group id get a
// generated deduplication id unless the MessageDeduplicationId attribute
// provides one.
func (conn *SQSEndpoint) Send(ctx context.Context, destination string, in SendInput) (*SendResult, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(destination),
		MessageBody: aws.String(in.Body),
	}

	if in.DelaySeconds > 0 {
		input.DelaySeconds = aws.Int64(int64(in.DelaySeconds))
	}

	sqsMessageAttributes := make(map[string]*sqs.MessageAttributeValue)
	for attribute, value := range in.Attributes {
		if attribute == AttributeDeduplicationID {
			continue
		}
		sqsMessageAttributes[attribute] = &sqs.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}

	if len(sqsMessageAttributes) > 0 {
		input.MessageAttributes = sqsMessageAttributes
	}

	if in.GroupID != "" {
		dedupID := in.Attributes[AttributeDeduplicationID]
		if dedupID == "" {
			dedupID = xid.New().String()
		}
		input.MessageGroupId = aws.String(in.GroupID)
		input.MessageDeduplicationId = aws.String(dedupID)
	}

	output, err := conn.client.SendMessageWithContext(ctx, input)
	if err != nil {
		return nil, classifyAWSError("send", err)
	}

	return &SendResult{
		MessageID:      aws.StringValue(output.MessageId),
		SequenceNumber: aws.StringValue(output.SequenceNumber),
	}, nil
}

// Receive long polls the queue.
func (conn *SQSEndpoint) Receive(ctx context.Context, destination string, in ReceiveInput) ([]*Message, error) {
	response, err := conn.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(destination),
		MaxNumberOfMessages:   aws.Int64(int64(in.MaxMessages)),
		WaitTimeSeconds:       aws.Int64(int64(in.WaitSeconds)),
		AttributeNames:        aws.StringSlice(in.AttributeNames),
		MessageAttributeNames: aws.StringSlice([]string{"All"}),
	})
	if err != nil {
		return nil, classifyAWSError("receive", err)
	}

	msgs := make([]*Message, 0, len(response.Messages))
	for _, outerMsg := range response.Messages {
		msgs = append(msgs, fromSQSMessage(outerMsg))
	}

	return msgs, nil
}

// ChangeVisibilityBatch changes the visibility of up to ten deliveries.
func (conn *SQSEndpoint) ChangeVisibilityBatch(ctx context.Context, destination string, entries []VisibilityChange) error {
	if len(entries) == 0 {
		return nil
	}

	handles := make(map[string]string, len(entries))
	batch := make([]*sqs.ChangeMessageVisibilityBatchRequestEntry, 0, len(entries))
	for i, entry := range entries {
		id := "msg" + strconv.Itoa(i)
		handles[id] = entry.ReceiptHandle
		batch = append(batch, &sqs.ChangeMessageVisibilityBatchRequestEntry{
			Id:                aws.String(id),
			ReceiptHandle:     aws.String(entry.ReceiptHandle),
			VisibilityTimeout: aws.Int64(int64(entry.TimeoutSeconds)),
		})
	}

	output, err := conn.client.ChangeMessageVisibilityBatchWithContext(ctx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(destination),
		Entries:  batch,
	})
	if err != nil {
		return classifyAWSError("change visibility batch", err)
	}

	if len(output.Failed) == 0 {
		return nil
	}

	batchErr := &BatchError{Failed: make(map[string]error, len(output.Failed))}
	for _, failed := range output.Failed {
		batchErr.Failed[handles[aws.StringValue(failed.Id)]] = fmt.Errorf("%s: %s", aws.StringValue(failed.Code), aws.StringValue(failed.Message))
	}

	return batchErr
}

// ChangeVisibility changes the visibility of one delivery.
func (conn *SQSEndpoint) ChangeVisibility(ctx context.Context, destination, receiptHandle string, timeoutSeconds int) error {
	_, err := conn.client.ChangeMessageVisibilityWithContext(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(destination),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: aws.Int64(int64(timeoutSeconds)),
	})
	if err != nil {
		return classifyAWSError("change visibility", err)
	}

	return nil
}

// Delete acknowledges processing by deleting the message from the queue.
func (conn *SQSEndpoint) Delete(ctx context.Context, destination, receiptHandle string) error {
	_, err := conn.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(destination),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return classifyAWSError("delete", err)
	}

	return nil
}

func fromSQSMessage(outerMsg *sqs.Message) *Message {
	attributes := make(map[string]string, len(outerMsg.Attributes)+len(outerMsg.MessageAttributes))
	for attribute, value := range outerMsg.Attributes {
		attributes[attribute] = aws.StringValue(value)
	}
	for attribute, value := range outerMsg.MessageAttributes {
		if value != nil && value.StringValue != nil {
			attributes[attribute] = *value.StringValue
		}
	}

	receiveCount, _ := strconv.Atoi(aws.StringValue(outerMsg.Attributes[AttributeReceiveCount]))

	return &Message{
		ID:            aws.StringValue(outerMsg.MessageId),
		ReceiptHandle: aws.StringValue(outerMsg.ReceiptHandle),
		Body:          aws.StringValue(outerMsg.Body),
		Attributes:    attributes,
		ReceiveCount:  receiveCount,
	}
}

// classifyAWSError maps SDK errors to the package error classes. Parameter
// errors are validation errors, everything else is a transport error.
func classifyAWSError(op string, err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return transportError(op, err)
	}

	switch aerr.Code() {
	case request.InvalidParameterErrCode,
		"InvalidParameterValue",
		"MissingParameter",
		sqs.ErrCodeInvalidAttributeName,
		sqs.ErrCodeInvalidMessageContents,
		sqs.ErrCodeEmptyBatchRequest,
		sqs.ErrCodeTooManyEntriesInBatchRequest:
		return validationError(op, err)
	case sqs.ErrCodeReceiptHandleIsInvalid, sqs.ErrCodeMessageNotInflight:
		return fmt.Errorf("%s: %w: %w: %w", op, ErrTransport, ErrStaleReceipt, err)
	default:
		return transportError(op, err)
	}
}

func newAWSSession(region, endpoint string) (*session.Session, error) {
	config := &aws.Config{
		Region: aws.String(region),
	}

	if endpoint != "" {
		config.Endpoint = aws.String(endpoint)
	}

	return session.NewSession(config)
}
