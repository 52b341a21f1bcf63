package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/diagnostics"
	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/regrid"
	"cmipdiag/internal/store"
	"cmipdiag/internal/types"
)

func sampleFrame() *dataset.CombinedEnsembleFrame {
	return &dataset.CombinedEnsembleFrame{
		Models:      []string{"B", "A"},
		Experiments: []string{"piControl"},
		Years:       []int{0, 1},
		Values: map[string][][][]float64{
			"tas": {
				{{287.5, dataset.Missing()}},
				{{288, 288.25}},
			},
		},
	}
}

func readAll(t *testing.T, data string) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteFrame(&buf, sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rows := readAll(t, buf.String())
	assert.Equal(t, FrameHeader, rows[0])
	assert.Equal(t, [][]string{
		{"B", "piControl", "0", "tas", "287.5"},
		{"B", "piControl", "1", "tas", "NA"},
		{"A", "piControl", "0", "tas", "288"},
		{"A", "piControl", "1", "tas", "288.25"},
	}, rows[1:])
}

func TestWriteFrame_Nil(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteFrame(&buf, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "model_id,experiment_id,year,variable,value\n", buf.String())
}

func TestWriteDiagnostics(t *testing.T) {
	v := 3.25
	var buf bytes.Buffer
	n, err := WriteDiagnostics(&buf, []types.DiagnosticValue{
		{ModelID: "A", Name: "ecs", Value: &v, Status: types.StatusOK},
		{ModelID: "B", Name: "ecs", Status: types.StatusFailed, Reason: "degenerate_fit"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]string{
		DiagnosticHeader,
		{"A", "ecs", "3.25", "ok"},
		{"B", "ecs", "NA", "failed"},
	}, readAll(t, buf.String()))
}

func TestWriteFieldsAndHistograms(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteFields(&buf, []*regrid.Field{{
		ModelID: "A",
		Grid:    regrid.Grid{Lat: []float64{-45, 45}, Lon: []float64{90}},
		Values:  []float64{1, dataset.Missing()},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rows := readAll(t, buf.String())
	assert.Equal(t, []string{"A", "45", "90", "NA"}, rows[2])

	buf.Reset()
	n, err = WriteHistograms(&buf, []pipeline.ModelHistogram{{
		ModelID:   "A",
		Histogram: &diagnostics.Histogram{Edges: []float64{1, 10, 100}, Fractions: []float64{0.25, 0.75}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "10", "100", "0.75"}, readAll(t, buf.String())[2])
}

func TestSink_PublishToFileLocation(t *testing.T) {
	dir := t.TempDir()
	v := 2.0
	res := &pipeline.Result{
		Kind:        types.DiagnosticECS,
		Frame:       sampleFrame(),
		Diagnostics: []types.DiagnosticValue{{ModelID: "A", Name: "ecs", Value: &v, Status: types.StatusOK}},
	}

	out, err := NewSink(store.NewResolver(), nil).Publish(context.Background(), filepath.Join(dir, "run-1"), res)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "file://"+filepath.Join(dir, "run-1", "diagnostics.csv"), out[0].Location)
	assert.Equal(t, 1, out[0].Rows)
	assert.Equal(t, 4, out[1].Rows)

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "frame.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "model_id,experiment_id,year,variable,value\n"))
}

func TestSink_UnknownScheme(t *testing.T) {
	_, err := NewSink(store.NewResolver(), nil).Publish(context.Background(), "s3://bucket/out", &pipeline.Result{})
	assert.Equal(t, types.ErrCodeValidationInvalidLocation, types.CodeOf(err))
}
