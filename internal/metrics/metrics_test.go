package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cmipdiag/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimension(dims []cwtypes.Dimension, name string) string {
	for _, d := range dims {
		if *d.Name == name {
			return *d.Value
		}
	}
	return ""
}

func TestRecordSummary(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchRunMetrics(cw, "")

	summary := types.Summary{
		Total:     4,
		Succeeded: 1,
		Failures: []types.Failure{
			{ModelID: "B", Code: types.ErrCodeMissingExperiment},
			{ModelID: "C", Code: types.ErrCodeDegenerateFit},
			{ModelID: "D", Code: types.ErrCodeMissingExperiment},
		},
	}
	if err := m.RecordSummary(context.Background(), types.DiagnosticECS, summary, 1500*time.Millisecond); err != nil {
		t.Fatalf("RecordSummary returned error: %v", err)
	}

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}

	want := []struct {
		name  string
		code  string
		value float64
	}{
		{types.MetricModelsSucceeded, "", 1},
		{types.MetricModelsFailed, "", 3},
		{types.MetricRunDuration, "", 1500},
		{types.MetricModelFailure, "degenerate_fit", 1},
		{types.MetricModelFailure, "missing_experiment", 2},
	}
	if len(input.MetricData) != len(want) {
		t.Fatalf("expected %d metric data, got %d", len(want), len(input.MetricData))
	}
	for i, w := range want {
		d := input.MetricData[i]
		if *d.MetricName != w.name || *d.Value != w.value {
			t.Errorf("datum %d = %s %v, want %s %v", i, *d.MetricName, *d.Value, w.name, w.value)
		}
		if got := dimension(d.Dimensions, types.DimDiagnostic); got != "ecs" {
			t.Errorf("datum %d Diagnostic = %q", i, got)
		}
		if got := dimension(d.Dimensions, types.DimCode); got != w.code {
			t.Errorf("datum %d Code = %q, want %q", i, got, w.code)
		}
	}
}

func TestRecordSummary_CustomNamespaceAndError(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchRunMetrics(cw, "CMIPDiag/dev")

	err := m.RecordSummary(context.Background(), types.DiagnosticGMST, types.Summary{Total: 1, Succeeded: 1}, time.Second)
	if err == nil {
		t.Fatal("expected error from client")
	}
	if *cw.calls[0].Namespace != "CMIPDiag/dev" {
		t.Errorf("namespace = %q", *cw.calls[0].Namespace)
	}
	if len(cw.calls[0].MetricData) != 3 {
		t.Errorf("a run with no failures should emit 3 data, got %d", len(cw.calls[0].MetricData))
	}
}

func TestNoopMetrics(t *testing.T) {
	if err := (NoopMetrics{}).RecordSummary(context.Background(), types.DiagnosticECS, types.Summary{}, 0); err != nil {
		t.Errorf("NoopMetrics returned %v", err)
	}
}
