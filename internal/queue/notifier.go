// Package queue publishes billing notifications to SQS for the delivery
// workers that own email and chat channels.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NotificationPublisher implements billing.Notifier on an SQS queue. FIFO
// queues (".fifo" suffix) are grouped by tenant so a tenant's notifications
// are delivered in the order they were raised.
type NotificationPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

var _ billing.Notifier = (*NotificationPublisher)(nil)

// NewNotificationPublisher creates a NotificationPublisher for queueURL.
func NewNotificationPublisher(client SQSSender, queueURL string, logger *slog.Logger) *NotificationPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Notify sends n as a JSON message body with the kind and tenant as message
// attributes for subscription filtering.
func (p *NotificationPublisher) Notify(ctx context.Context, n types.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal notification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.Kind)),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.TenantID),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(n.TenantID)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send notification to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "notification queued",
		"kind", string(n.Kind),
		"tenant_id", n.TenantID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// LogNotifier writes notifications to the log. It stands in for SQS when no
// queue is configured, which is the local development setup.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ billing.Notifier = LogNotifier{}

func (l LogNotifier) Notify(ctx context.Context, n types.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification (no queue configured)",
		"kind", string(n.Kind),
		"tenant_id", n.TenantID,
		"plan_id", n.PlanID,
		"details", n.Details,
	)
	return nil
}
