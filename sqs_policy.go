package mqworker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// sqsPolicy is the access policy document attached to a queue.
type sqsPolicy struct {
	Version   string
	ID        string `json:"Id"`
	Statement []json.RawMessage
}

type sqsPolicyStatement struct {
	Sid       string
	Effect    string
	Principal map[string]string
	Action    string
	Resource  string
	Condition map[string]map[string]string
}

// AddPermission lets topicARN send to queueARN. It reports whether a
// statement was added; an equivalent existing statement is left alone.
// Statements it cannot decode are kept verbatim.
func (policy *sqsPolicy) AddPermission(queueARN, topicARN string) bool {
	for _, statementBytes := range policy.Statement {
		statement := new(sqsPolicyStatement)
		if err := json.Unmarshal(statementBytes, statement); err != nil {
			continue
		}

		if statement.allows(queueARN, topicARN) {
			return false
		}
	}

	statementBytes, _ := json.Marshal(newSqsPolicyStatement(queueARN, topicARN))
	policy.Statement = append(policy.Statement, json.RawMessage(statementBytes))

	return true
}

func (statement *sqsPolicyStatement) allows(queueARN, topicARN string) bool {
	if statement.Effect != "Allow" ||
		statement.Principal["AWS"] != "*" ||
		statement.Action != "SQS:SendMessage" ||
		statement.Resource != queueARN {
		return false
	}

	arnEquals := statement.Condition["ArnEquals"]
	return arnEquals != nil && arnEquals["aws:SourceArn"] == topicARN
}

func newSqsPolicyStatement(queueARN, topicARN string) *sqsPolicyStatement {
	return &sqsPolicyStatement{
		Sid:    fmt.Sprintf("Sid%s", strconv.FormatInt(time.Now().UnixNano(), 10)),
		Effect: "Allow",
		Principal: map[string]string{
			"AWS": "*",
		},
		Action:   "SQS:SendMessage",
		Resource: queueARN,
		Condition: map[string]map[string]string{
			"ArnEquals": {
				"aws:SourceArn": topicARN,
			},
		},
	}
}

func newSqsPolicy(queueARN string) *sqsPolicy {
	return &sqsPolicy{
		Version: "2012-10-17",
		ID:      fmt.Sprintf("%s/SQSDefaultPolicy", queueARN),
	}
}
