package align

import (
	"fmt"
	"slices"
	"sort"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/types"
)

// MergeVariables combines single-variable frames of one model into one frame.
// Every frame must carry the same experiments and years; anything else is a
// merge conflict and the model cannot be used.
func MergeVariables(modelID string, frames map[string]*dataset.AlignedModelFrame) (*dataset.AlignedModelFrame, error) {
	if len(frames) == 0 {
		return nil, types.NewAppError(types.ErrCodeMissingVariable,
			fmt.Sprintf("%s: no variables to merge", modelID), nil)
	}
	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	first := frames[names[0]]
	merged := dataset.NewAlignedModelFrame(modelID, first.Experiments, first.Years)
	for _, name := range names {
		f := frames[name]
		if !slices.Equal(f.Experiments, first.Experiments) {
			return nil, conflict(modelID, "%s has experiments %v, %s has %v", name, f.Experiments, names[0], first.Experiments)
		}
		if !slices.Equal(f.Years, first.Years) {
			return nil, conflict(modelID, "%s covers years %s, %s covers %s", name, span(f.Years), names[0], span(first.Years))
		}
		for v, table := range f.Values {
			if _, dup := merged.Values[v]; dup {
				return nil, conflict(modelID, "variable %s supplied twice", v)
			}
			merged.Values[v] = table
		}
	}
	return merged, nil
}

// Concat stacks model frames along a model axis in the given order. Year and
// experiment axes are the union over models, so shorter models are padded
// with the missing marker rather than truncating longer ones. A frame whose
// tables do not match its own axes is skipped with a merge_conflict failure.
//
// Models present in the map but absent from order are appended in sorted
// order. Names in order with no frame are ignored; their exclusion is
// reported where it happened.
func Concat(order []string, models map[string]*dataset.AlignedModelFrame) (*dataset.CombinedEnsembleFrame, []types.Failure) {
	var failures []types.Failure
	var ids []string
	seen := make(map[string]bool, len(models))
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		f, ok := models[id]
		if !ok || f == nil {
			return
		}
		if err := checkShape(f); err != nil {
			failures = append(failures, types.FailureFromError(id, err))
			return
		}
		ids = append(ids, id)
	}
	for _, id := range order {
		add(id)
	}
	var rest []string
	for id := range models {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		add(id)
	}

	var experiments []string
	expSeen := make(map[string]bool)
	yearSet := make(map[int]struct{})
	varSet := make(map[string]struct{})
	for _, id := range ids {
		f := models[id]
		for _, e := range f.Experiments {
			if !expSeen[e] {
				expSeen[e] = true
				experiments = append(experiments, e)
			}
		}
		for _, y := range f.Years {
			yearSet[y] = struct{}{}
		}
		for v := range f.Values {
			varSet[v] = struct{}{}
		}
	}
	years := make([]int, 0, len(yearSet))
	for y := range yearSet {
		years = append(years, y)
	}
	sort.Ints(years)

	out := &dataset.CombinedEnsembleFrame{
		Models:      ids,
		Experiments: experiments,
		Years:       years,
		Values:      make(map[string][][][]float64, len(varSet)),
	}
	expIdx := indexStrings(experiments)
	yearIdx := make(map[int]int, len(years))
	for i, y := range years {
		yearIdx[y] = i
	}

	for v := range varSet {
		cube := make([][][]float64, len(ids))
		for mi, id := range ids {
			cube[mi] = missingTable(len(experiments), len(years))
			f := models[id]
			table, ok := f.Values[v]
			if !ok {
				continue
			}
			for i, e := range f.Experiments {
				for j, y := range f.Years {
					cube[mi][expIdx[e]][yearIdx[y]] = table[i][j]
				}
			}
		}
		out.Values[v] = cube
	}
	return out, failures
}

func checkShape(f *dataset.AlignedModelFrame) error {
	yrs := make(map[int]bool, len(f.Years))
	for _, y := range f.Years {
		if yrs[y] {
			return conflict(f.ModelID, "year %d appears twice", y)
		}
		yrs[y] = true
	}
	for v, table := range f.Values {
		if len(table) != len(f.Experiments) {
			return conflict(f.ModelID, "%s has %d experiment rows, frame has %d experiments", v, len(table), len(f.Experiments))
		}
		for i, row := range table {
			if len(row) != len(f.Years) {
				return conflict(f.ModelID, "%s/%s has %d years, frame has %d", v, f.Experiments[i], len(row), len(f.Years))
			}
		}
	}
	return nil
}

func conflict(modelID, format string, args ...any) error {
	return types.NewAppError(types.ErrCodeMergeConflict,
		modelID+": "+fmt.Sprintf(format, args...), nil)
}

func missingTable(rows, cols int) [][]float64 {
	t := make([][]float64, rows)
	for i := range t {
		t[i] = make([]float64, cols)
		for j := range t[i] {
			t[i][j] = dataset.Missing()
		}
	}
	return t
}

func span(years []int) string {
	if len(years) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%d..%d]", years[0], years[len(years)-1])
}

func indexStrings(list []string) map[string]int {
	m := make(map[string]int, len(list))
	for i, s := range list {
		m[s] = i
	}
	return m
}
