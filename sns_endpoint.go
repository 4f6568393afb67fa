package mqworker

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/rs/xid"
)

// SNSEndpoint publishes to SNS topics. Destinations are topic ARNs. It can
// only send; consume from a queue subscribed to the topic instead.
type SNSEndpoint struct {
	client snsiface.SNSAPI
}

// NewSNSEndpoint returns an endpoint using client.
func NewSNSEndpoint(client snsiface.SNSAPI) (*SNSEndpoint, error) {
	if client == nil {
		return nil, configError("sns client is nil")
	}

	return &SNSEndpoint{client: client}, nil
}

// Send publishes a message to the topic. SNS has no per-message delay, so
// DelaySeconds is ignored.
func (conn *SNSEndpoint) Send(ctx context.Context, destination string, in SendInput) (*SendResult, error) {
	snsMessageAttributes := make(map[string]*sns.MessageAttributeValue)
	for attribute, value := range in.Attributes {
		if attribute == AttributeDeduplicationID {
			continue
		}
		snsMessageAttributes[attribute] = &sns.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}

	snsMessageInput := &sns.PublishInput{
		Message:  aws.String(in.Body),
		TopicArn: aws.String(destination),
	}

	if len(snsMessageAttributes) > 0 {
		snsMessageInput.MessageAttributes = snsMessageAttributes
	}

	if in.GroupID != "" {
		dedupID := in.Attributes[AttributeDeduplicationID]
		if dedupID == "" {
			dedupID = xid.New().String()
		}
		snsMessageInput.MessageGroupId = aws.String(in.GroupID)
		snsMessageInput.MessageDeduplicationId = aws.String(dedupID)
	}

	output, err := conn.client.PublishWithContext(ctx, snsMessageInput)
	if err != nil {
		return nil, classifyAWSError("publish", err)
	}

	return &SendResult{
		MessageID:      aws.StringValue(output.MessageId),
		SequenceNumber: aws.StringValue(output.SequenceNumber),
	}, nil
}

// Receive is not supported by SNS.
func (conn *SNSEndpoint) Receive(context.Context, string, ReceiveInput) ([]*Message, error) {
	return nil, validationError("receive", ErrUnsupported)
}

// ChangeVisibilityBatch is not supported by SNS.
func (conn *SNSEndpoint) ChangeVisibilityBatch(context.Context, string, []VisibilityChange) error {
	return validationError("change visibility batch", ErrUnsupported)
}

// ChangeVisibility is not supported by SNS.
func (conn *SNSEndpoint) ChangeVisibility(context.Context, string, string, int) error {
	return validationError("change visibility", ErrUnsupported)
}

// Delete is not supported by SNS.
func (conn *SNSEndpoint) Delete(context.Context, string, string) error {
	return validationError("delete", ErrUnsupported)
}
