package types

import (
	"fmt"
	"strings"
)

// Facet names used by the model-run catalog. The values match the column
// headers of the pangeo CMIP6 catalog CSV.
const (
	FacetActivityID    = "activity_id"
	FacetInstitutionID = "institution_id"
	FacetSourceID      = "source_id"
	FacetExperimentID  = "experiment_id"
	FacetMemberID      = "member_id"
	FacetTableID       = "table_id"
	FacetVariableID    = "variable_id"
	FacetGridLabel     = "grid_label"
	FacetVersion       = "version"
)

// KnownFacets lists every facet a Query may filter on.
var KnownFacets = map[string]struct{}{
	FacetActivityID:    {},
	FacetInstitutionID: {},
	FacetSourceID:      {},
	FacetExperimentID:  {},
	FacetMemberID:      {},
	FacetTableID:       {},
	FacetVariableID:    {},
	FacetGridLabel:     {},
	FacetVersion:       {},
}

// Common CMIP6 experiment identifiers.
const (
	ExperimentPIControl  = "piControl"
	ExperimentAbrupt4x   = "abrupt-4xCO2"
	ExperimentHistorical = "historical"
)

// Common CMIP6 variable identifiers.
const (
	VarSurfaceAirTemp   = "tas"
	VarTOAIncomingSW    = "rsdt"
	VarTOAOutgoingSW    = "rsut"
	VarTOAOutgoingLW    = "rlut"
	VarSurfaceHeatFlux  = "hfds"
	VarPrecipitationFlx = "pr"
)

// DatasetRecord is one entry in the model-run catalog. Records are immutable
// once loaded; the pipeline only ever reads them.
type DatasetRecord struct {
	ActivityID    string `json:"activity_id,omitempty"`
	InstitutionID string `json:"institution_id,omitempty"`
	SourceID      string `json:"source_id"`
	ExperimentID  string `json:"experiment_id"`
	MemberID      string `json:"member_id"`
	TableID       string `json:"table_id"`
	VariableID    string `json:"variable_id"`
	GridLabel     string `json:"grid_label"`
	Version       string `json:"version,omitempty"`

	// Location is the opaque handle of the underlying array store.
	Location string `json:"location"`
}

// FacetKey identifies a record by its facet tuple. Two records with the same
// FacetKey are duplicates.
type FacetKey struct {
	SourceID     string
	ExperimentID string
	MemberID     string
	TableID      string
	VariableID   string
	GridLabel    string
}

// Key returns the facet tuple of the record.
func (r DatasetRecord) Key() FacetKey {
	return FacetKey{
		SourceID:     r.SourceID,
		ExperimentID: r.ExperimentID,
		MemberID:     r.MemberID,
		TableID:      r.TableID,
		VariableID:   r.VariableID,
		GridLabel:    r.GridLabel,
	}
}

// Facet returns the value of the named facet, or "" for unknown names.
func (r DatasetRecord) Facet(name string) string {
	switch name {
	case FacetActivityID:
		return r.ActivityID
	case FacetInstitutionID:
		return r.InstitutionID
	case FacetSourceID:
		return r.SourceID
	case FacetExperimentID:
		return r.ExperimentID
	case FacetMemberID:
		return r.MemberID
	case FacetTableID:
		return r.TableID
	case FacetVariableID:
		return r.VariableID
	case FacetGridLabel:
		return r.GridLabel
	case FacetVersion:
		return r.Version
	default:
		return ""
	}
}

// String renders the record as a dotted CMIP6 dataset id.
func (r DatasetRecord) String() string {
	return strings.Join([]string{
		r.SourceID, r.ExperimentID, r.MemberID, r.TableID, r.VariableID, r.GridLabel,
	}, ".")
}

// Failure is the tagged reason a model (or one of its records) was skipped.
// Failures are always counted in the batch Summary.
type Failure struct {
	ModelID string    `json:"model_id"`
	Code    ErrorCode `json:"code"`
	Reason  string    `json:"reason"`
}

// FailureFromError converts an error raised while processing one model into
// a Failure record.
func FailureFromError(modelID string, err error) Failure {
	return Failure{
		ModelID: modelID,
		Code:    CodeOf(err),
		Reason:  err.Error(),
	}
}

// Summary is the batch-level outcome of one diagnostic run.
type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Failed returns the number of models that did not succeed.
func (s Summary) Failed() int {
	return s.Total - s.Succeeded
}

// ByCode counts failures per error code.
func (s Summary) ByCode() map[ErrorCode]int {
	counts := make(map[ErrorCode]int, len(s.Failures))
	for _, f := range s.Failures {
		counts[f.Code]++
	}
	return counts
}

// String renders the summary as "N of M models succeeded".
func (s Summary) String() string {
	return fmt.Sprintf("%d of %d models succeeded", s.Succeeded, s.Total)
}

// Diagnostic statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// DiagnosticValue is one scalar diagnostic for one model. A diagnostic that
// could not be computed carries StatusFailed, the failure code as Reason and
// no value.
type DiagnosticValue struct {
	ModelID string   `json:"model_id"`
	Name    string   `json:"diagnostic"`
	Value   *float64 `json:"value,omitempty"`
	Units   string   `json:"units,omitempty"`
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
}

// DiagnosticKind selects a pipeline workflow.
type DiagnosticKind string

const (
	DiagnosticECS       DiagnosticKind = "ecs"
	DiagnosticGMST      DiagnosticKind = "gmst"
	DiagnosticOHU       DiagnosticKind = "ocean_heat_uptake"
	DiagnosticPrecipPDF DiagnosticKind = "precip_histogram"
)

// Valid reports whether the kind names a known workflow.
func (k DiagnosticKind) Valid() bool {
	switch k {
	case DiagnosticECS, DiagnosticGMST, DiagnosticOHU, DiagnosticPrecipPDF:
		return true
	}
	return false
}
