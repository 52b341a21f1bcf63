// Package metrics publishes batch outcomes of diagnostic runs to CloudWatch.
package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	_ pipeline.Recorder = (*CloudWatchRunMetrics)(nil)
	_ pipeline.Recorder = NoopMetrics{}
)

// CloudWatchRunMetrics emits one PutMetricData call per finished run:
//
//   - ModelsSucceeded, ModelsFailed: Dims {Diagnostic}
//   - ModelFailure: Dims {Diagnostic, Code}, one datum per failure code
//   - RunDuration: Dims {Diagnostic}, in milliseconds
type CloudWatchRunMetrics struct {
	client    CloudWatchClient
	namespace string
}

// NewCloudWatchRunMetrics creates a publisher for namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRunMetrics(client CloudWatchClient, namespace string) *CloudWatchRunMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRunMetrics{client: client, namespace: namespace}
}

// RecordSummary implements pipeline.Recorder.
func (m *CloudWatchRunMetrics) RecordSummary(ctx context.Context, kind types.DiagnosticKind, s types.Summary, elapsed time.Duration) error {
	diag := cwtypes.Dimension{Name: aws.String(types.DimDiagnostic), Value: aws.String(string(kind))}

	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricModelsSucceeded),
			Value:      aws.Float64(float64(s.Succeeded)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{diag},
		},
		{
			MetricName: aws.String(types.MetricModelsFailed),
			Value:      aws.Float64(float64(s.Failed())),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{diag},
		},
		{
			MetricName: aws.String(types.MetricRunDuration),
			Value:      aws.Float64(float64(elapsed.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{diag},
		},
	}

	counts := s.ByCode()
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, string(c))
	}
	sort.Strings(codes)
	for _, c := range codes {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricModelFailure),
			Value:      aws.Float64(float64(counts[types.ErrorCode(c)])),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				diag,
				{Name: aws.String(types.DimCode), Value: aws.String(c)},
			},
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	return err
}

// NoopMetrics discards summaries. Used for local runs.
type NoopMetrics struct{}

// RecordSummary implements pipeline.Recorder.
func (NoopMetrics) RecordSummary(context.Context, types.DiagnosticKind, types.Summary, time.Duration) error {
	return nil
}
