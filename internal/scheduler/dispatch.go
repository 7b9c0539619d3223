package scheduler

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"go.uber.org/zap"
)

// Dispatcher publishes a batch downstream. Delivery is at-least-once and a
// failure is reported to the caller.
type Dispatcher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Dispatch is the message published for one file.
type Dispatch struct {
	HeaderID       string           `json:"header_id"`
	FileID         string           `json:"file_id"`
	DomainName     string           `json:"domain_name"`
	PolicyID       string           `json:"policy_id,omitempty"`
	OrganizationID string           `json:"organization_id,omitempty"`
	RowIDs         []string         `json:"row_ids"`
	Rows           []map[string]any `json:"rows"`
}

// SQSDispatcher sends each batch as one SQS message.
type SQSDispatcher struct {
	queue sqsiface.SQSAPI
	name  string
	url   string
}

// NewSQSDispatcher resolves the queue URL for queueName.
func NewSQSDispatcher(ctx context.Context, queue sqsiface.SQSAPI, queueName string) (*SQSDispatcher, error) {
	output, err := queue.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %q: %w", queueName, err)
	}
	return &SQSDispatcher{queue: queue, name: queueName, url: aws.StringValue(output.QueueUrl)}, nil
}

func (d *SQSDispatcher) Publish(ctx context.Context, payload []byte) error {
	_, err := d.queue.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(d.url),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to queue %q: %w", d.name, err)
	}
	return nil
}

// LogDispatcher only logs the payload. Used when no queue is configured.
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d LogDispatcher) Publish(ctx context.Context, payload []byte) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("dispatch", zap.ByteString("payload", payload))
	return nil
}

var (
	_ Dispatcher = (*SQSDispatcher)(nil)
	_ Dispatcher = LogDispatcher{}
)
