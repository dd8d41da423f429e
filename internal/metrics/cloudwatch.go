// Package metrics publishes billing engine counters to CloudWatch.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "CarpoolHub/Billing"

// Metric names.
const (
	MetricWebhookProcessed = "WebhookProcessed"
	MetricPlanChange       = "PlanChange"
	MetricSideEffect       = "SideEffect"
)

// Dimension names.
const (
	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimCause     = "Cause"
	DimKind      = "Kind"
	DimResult    = "Result"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements billing.Metrics. Every call is a single
// PutMetricData with a count of one; failures are logged and dropped.
//
// Metrics emitted:
//   - WebhookProcessed: Dims {EventType, Outcome}
//   - PlanChange: Dims {Cause}
//   - SideEffect: Dims {Kind, Result}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ billing.Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordWebhook(ctx context.Context, eventType string, outcome billing.WebhookOutcome) {
	m.count(ctx, MetricWebhookProcessed, DimEventType, eventType, DimOutcome, string(outcome))
}

func (m *CloudWatchMetrics) RecordPlanChange(ctx context.Context, cause string) {
	m.count(ctx, MetricPlanChange, DimCause, cause)
}

func (m *CloudWatchMetrics) RecordSideEffect(ctx context.Context, kind types.OutboxKind, delivered bool) {
	result := "failure"
	if delivered {
		result = "success"
	}
	m.count(ctx, MetricSideEffect, DimKind, string(kind), DimResult, result)
}

// count emits name=1 with dims given as name/value pairs.
func (m *CloudWatchMetrics) count(ctx context.Context, name string, dims ...string) {
	dimensions := make([]cwtypes.Dimension, 0, len(dims)/2)
	for i := 0; i+1 < len(dims); i += 2 {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dimensions,
		}},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}
