package billing

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"rewritely/internal/types"
)

// Metrics records scheduler pass outcomes. Publishing is best effort; a
// metrics failure never fails a billing run.
type Metrics interface {
	RecordRun(ctx context.Context, report types.RunReport)
}

// NopMetrics discards all metrics. Used when publishing is disabled.
type NopMetrics struct{}

// RecordRun implements Metrics.
func (NopMetrics) RecordRun(ctx context.Context, report types.RunReport) {}

// CloudWatchClient abstracts the PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes billing run counters to CloudWatch.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a Metrics publisher for the given namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordRun emits one datum per run counter: ChargesDue, ChargesCaptured,
// ChargesSkipped, ChargesFailed, CancellationsFinalized.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, report types.RunReport) {
	counters := []struct {
		name  string
		value int
	}{
		{"ChargesDue", report.Due},
		{"ChargesCaptured", report.Charged},
		{"ChargesSkipped", report.Skipped},
		{"ChargesFailed", report.Failed},
		{"CancellationsFinalized", report.Finalized},
	}

	data := make([]cwtypes.MetricDatum, 0, len(counters))
	for _, c := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(c.name),
			Value:      aws.Float64(float64(c.value)),
			Unit:       cwtypes.StandardUnitCount,
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish billing run metrics", "error", err)
	}
}
