// Package align stacks per-experiment annual series of one model onto a shared
// year index and concatenates models into an ensemble frame.
package align

import (
	"fmt"
	"sort"
	"strings"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// JoinKind selects how year ranges of different experiments are combined.
type JoinKind string

const (
	// JoinInner keeps exactly the years of the reference experiment. Years the
	// other experiments have beyond it are dropped.
	JoinInner JoinKind = "inner"
	// JoinOuter keeps the union of all years. Years absent for an experiment
	// are marked missing.
	JoinOuter JoinKind = "outer"
)

// JoinPolicy is the explicit alignment rule a diagnostic declares.
type JoinPolicy struct {
	Kind JoinKind
	// Reference names the experiment whose years define an inner join. When
	// empty, the experiment with the fewest years is used.
	Reference string
}

// Inner returns an inner join policy against ref.
func Inner(ref string) JoinPolicy { return JoinPolicy{Kind: JoinInner, Reference: ref} }

// Outer returns an outer join policy.
func Outer() JoinPolicy { return JoinPolicy{Kind: JoinOuter} }

// Excluded reports a model that contributes nothing to an ensemble because a
// required experiment is absent.
type Excluded struct {
	ModelID string
	Missing []string
}

// Error implements error.
func (e *Excluded) Error() string {
	return fmt.Sprintf("%s: missing experiment %s", e.ModelID, strings.Join(e.Missing, ", "))
}

// Failure converts the exclusion into a per-model failure record.
func (e *Excluded) Failure() types.Failure {
	return types.Failure{ModelID: e.ModelID, Code: types.ErrCodeMissingExperiment, Reason: e.Error()}
}

// Align stacks the annual series of one model and one variable along an
// experiment axis. If any required experiment is absent, Align returns an
// Excluded and no frame.
//
// The experiment axis lists the required experiments in the given order,
// followed by any other supplied experiments in sorted order.
func Align(modelID string, series map[string]*dataset.AnnualSeries, required []string, policy JoinPolicy) (*dataset.AlignedModelFrame, *Excluded) {
	var missing []string
	for _, exp := range required {
		if s, ok := series[exp]; !ok || s == nil {
			missing = append(missing, exp)
		}
	}
	if policy.Kind == JoinInner && policy.Reference != "" {
		if s, ok := series[policy.Reference]; (!ok || s == nil) && !contains(missing, policy.Reference) {
			missing = append(missing, policy.Reference)
		}
	}
	if len(missing) > 0 {
		return nil, &Excluded{ModelID: modelID, Missing: missing}
	}

	experiments := experimentOrder(series, required)
	if len(experiments) == 0 {
		return nil, &Excluded{ModelID: modelID, Missing: required}
	}

	var years []int
	switch policy.Kind {
	case JoinOuter:
		years = unionYears(series, experiments)
	default:
		ref := policy.Reference
		if ref == "" {
			ref = shortest(series, experiments)
		}
		years = append([]int(nil), series[ref].Years...)
	}

	frame := dataset.NewAlignedModelFrame(modelID, experiments, years)
	variable := series[experiments[0]].Variable
	table := frame.AddVariable(variable)
	for i, exp := range experiments {
		s := series[exp]
		pos := make(map[int]int, len(s.Years))
		for j, y := range s.Years {
			pos[y] = j
		}
		for j, y := range years {
			if k, ok := pos[y]; ok {
				table[i][j] = s.Values[k]
			}
		}
	}
	return frame, nil
}

func experimentOrder(series map[string]*dataset.AnnualSeries, required []string) []string {
	out := make([]string, 0, len(series))
	seen := make(map[string]bool, len(series))
	for _, exp := range required {
		if !seen[exp] {
			out = append(out, exp)
			seen[exp] = true
		}
	}
	var extra []string
	for exp, s := range series {
		if !seen[exp] && s != nil {
			extra = append(extra, exp)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func unionYears(series map[string]*dataset.AnnualSeries, experiments []string) []int {
	set := make(map[int]struct{})
	for _, exp := range experiments {
		for _, y := range series[exp].Years {
			set[y] = struct{}{}
		}
	}
	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// shortest picks the experiment with the fewest years, breaking ties by
// experiment order.
func shortest(series map[string]*dataset.AnnualSeries, experiments []string) string {
	best := experiments[0]
	for _, exp := range experiments[1:] {
		if series[exp].Len() < series[best].Len() {
			best = exp
		}
	}
	return best
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
