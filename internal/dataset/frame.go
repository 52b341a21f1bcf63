package dataset

import "sort"

// AlignedModelFrame holds one model's reduced annual variables indexed by
// (experiment, year). Every experiment shares the Years index; cells without
// data hold the missing marker.
type AlignedModelFrame struct {
	ModelID     string
	Experiments []string
	Years       []int
	// Values maps variable -> [experiment][year].
	Values map[string][][]float64
}

// NewAlignedModelFrame allocates a frame with every cell missing.
func NewAlignedModelFrame(modelID string, experiments []string, years []int) *AlignedModelFrame {
	return &AlignedModelFrame{
		ModelID:     modelID,
		Experiments: experiments,
		Years:       years,
		Values:      make(map[string][][]float64),
	}
}

// AddVariable allocates an all-missing table for a variable and returns it.
func (f *AlignedModelFrame) AddVariable(name string) [][]float64 {
	table := make([][]float64, len(f.Experiments))
	for i := range table {
		row := make([]float64, len(f.Years))
		for j := range row {
			row[j] = Missing()
		}
		table[i] = row
	}
	f.Values[name] = table
	return table
}

// Variables returns the variable names in sorted order.
func (f *AlignedModelFrame) Variables() []string {
	names := make([]string, 0, len(f.Values))
	for name := range f.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExperimentIndex returns the row of an experiment, or -1.
func (f *AlignedModelFrame) ExperimentIndex(experiment string) int {
	for i, e := range f.Experiments {
		if e == experiment {
			return i
		}
	}
	return -1
}

// Series returns the values of one variable for one experiment aligned to
// Years, or nil when either is absent.
func (f *AlignedModelFrame) Series(variable, experiment string) []float64 {
	table, ok := f.Values[variable]
	if !ok {
		return nil
	}
	i := f.ExperimentIndex(experiment)
	if i < 0 {
		return nil
	}
	return table[i]
}

// CombinedEnsembleFrame stacks aligned model frames along a model axis. Years
// and experiments are the union over models; models lacking a cell hold the
// missing marker there.
type CombinedEnsembleFrame struct {
	Models      []string
	Experiments []string
	Years       []int
	// Values maps variable -> [model][experiment][year].
	Values map[string][][][]float64
}

// Variables returns the variable names in sorted order.
func (c *CombinedEnsembleFrame) Variables() []string {
	names := make([]string, 0, len(c.Values))
	for name := range c.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns one cell, or the missing marker when any label is unknown.
func (c *CombinedEnsembleFrame) Value(variable, model, experiment string, year int) float64 {
	table, ok := c.Values[variable]
	if !ok {
		return Missing()
	}
	mi, ei, yi := indexOf(c.Models, model), indexOf(c.Experiments, experiment), indexOfInt(c.Years, year)
	if mi < 0 || ei < 0 || yi < 0 {
		return Missing()
	}
	return table[mi][ei][yi]
}

// Cell is one addressed value of a combined frame.
type Cell struct {
	Model      string
	Experiment string
	Year       int
	Variable   string
	Value      float64
}

// Each visits every cell in (model, experiment, year, variable) order. Model
// and experiment order follow the frame; variables are sorted.
func (c *CombinedEnsembleFrame) Each(fn func(Cell)) {
	vars := c.Variables()
	for mi, m := range c.Models {
		for ei, e := range c.Experiments {
			for yi, y := range c.Years {
				for _, v := range vars {
					fn(Cell{Model: m, Experiment: e, Year: y, Variable: v, Value: c.Values[v][mi][ei][yi]})
				}
			}
		}
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func indexOfInt(list []int, n int) int {
	for i, v := range list {
		if v == n {
			return i
		}
	}
	return -1
}
