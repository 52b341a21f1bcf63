package types

// CloudWatch metric and dimension names of finished runs.
const (
	MetricModelsSucceeded = "ModelsSucceeded"
	MetricModelsFailed    = "ModelsFailed"
	MetricModelFailure    = "ModelFailure"
	MetricRunDuration     = "RunDuration"

	DimDiagnostic = "Diagnostic"
	DimCode       = "Code"

	MetricNamespace = "CMIPDiag"
)
