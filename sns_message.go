package mqworker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// snsMessage is the envelope SNS wraps around notifications delivered to a
// subscribed queue without raw message delivery.
type snsMessage struct {
	Type              string
	MessageId         string
	TopicArn          string
	Message           string
	MessageAttributes map[string]*snsMessageAttribute
}

type snsMessageAttribute struct {
	Type  string
	Value string
}

// unwrapSNSMessage returns a copy of msg whose body and attributes are those
// of the SNS notification it carries. Only String attributes are kept.
func unwrapSNSMessage(msg *Message) (*Message, error) {
	envelope := &snsMessage{}
	if err := json.Unmarshal([]byte(msg.Body), envelope); err != nil {
		return nil, fmt.Errorf("decode sns envelope: %w", err)
	}

	if envelope.Type != "Notification" {
		return nil, errors.New("not an sns notification")
	}

	attributes := make(map[string]string, len(msg.Attributes)+len(envelope.MessageAttributes))
	for attribute, value := range msg.Attributes {
		attributes[attribute] = value
	}
	for attribute, value := range envelope.MessageAttributes {
		if value != nil && value.Type == "String" {
			attributes[attribute] = value.Value
		}
	}

	id := msg.ID
	if envelope.MessageId != "" {
		id = envelope.MessageId
	}

	return &Message{
		ID:            id,
		ReceiptHandle: msg.ReceiptHandle,
		Body:          envelope.Message,
		Attributes:    attributes,
		ReceiveCount:  msg.ReceiveCount,
	}, nil
}
