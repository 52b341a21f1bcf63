// Package export writes diagnostic results as delimited tables and publishes
// them to a store location.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"cmipdiag/internal/dataset"
	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/regrid"
	"cmipdiag/internal/store"
	"cmipdiag/internal/types"
)

// NA is written in place of missing values.
const NA = "NA"

// Table headers.
var (
	FrameHeader      = []string{"model_id", "experiment_id", "year", "variable", "value"}
	DiagnosticHeader = []string{"model_id", "diagnostic", "value", "status"}
	FieldHeader      = []string{"model_id", "lat", "lon", "value"}
	HistogramHeader  = []string{"model_id", "bin_low", "bin_high", "fraction"}
)

func formatValue(v float64) string {
	if dataset.IsMissing(v) {
		return NA
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// table writes a header and rows through one csv.Writer and reports the
// number of data rows.
func table(w io.Writer, header []string, rows func(write func(...string) error) error) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}
	n := 0
	err := rows(func(row ...string) error {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	cw.Flush()
	return n, cw.Error()
}

// WriteFrame writes one row per (model, experiment, year, variable) cell of
// the ensemble frame, including missing cells.
func WriteFrame(w io.Writer, frame *dataset.CombinedEnsembleFrame) (int, error) {
	return table(w, FrameHeader, func(write func(...string) error) error {
		if frame == nil {
			return nil
		}
		var err error
		frame.Each(func(c dataset.Cell) {
			if err != nil {
				return
			}
			err = write(c.Model, c.Experiment, strconv.Itoa(c.Year), c.Variable, formatValue(c.Value))
		})
		return err
	})
}

// WriteDiagnostics writes one row per diagnostic value. Failed diagnostics
// carry NA.
func WriteDiagnostics(w io.Writer, rows []types.DiagnosticValue) (int, error) {
	return table(w, DiagnosticHeader, func(write func(...string) error) error {
		for _, d := range rows {
			v := NA
			if d.Value != nil {
				v = formatValue(*d.Value)
			}
			if err := write(d.ModelID, d.Name, v, d.Status); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteFields writes every cell of every field in row-major order.
func WriteFields(w io.Writer, fields []*regrid.Field) (int, error) {
	return table(w, FieldHeader, func(write func(...string) error) error {
		for _, f := range fields {
			nlon := len(f.Grid.Lon)
			for k, v := range f.Values {
				lat, lon := f.Grid.Lat[k/nlon], f.Grid.Lon[k%nlon]
				if err := write(f.ModelID, formatValue(lat), formatValue(lon), formatValue(v)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// WriteHistograms writes one row per bin per model.
func WriteHistograms(w io.Writer, hs []pipeline.ModelHistogram) (int, error) {
	return table(w, HistogramHeader, func(write func(...string) error) error {
		for _, h := range hs {
			for i, frac := range h.Histogram.Fractions {
				lo, hi := h.Histogram.Edges[i], h.Histogram.Edges[i+1]
				if err := write(h.ModelID, formatValue(lo), formatValue(hi), formatValue(frac)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Output is one published table.
type Output struct {
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

// Sink publishes tables under a store location.
type Sink struct {
	resolver *store.Resolver
	logger   *slog.Logger
}

// NewSink creates a Sink.
func NewSink(resolver *store.Resolver, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{resolver: resolver, logger: logger}
}

// Publish writes every table the result carries under location, one file
// per table: frame.csv, diagnostics.csv, fields.csv and histograms.csv.
func (s *Sink) Publish(ctx context.Context, location string, res *pipeline.Result) ([]Output, error) {
	st, loc, err := s.resolver.Open(location)
	if err != nil {
		return nil, err
	}

	type tableWriter struct {
		name  string
		write func(io.Writer) (int, error)
	}
	writers := []tableWriter{
		{"diagnostics.csv", func(w io.Writer) (int, error) { return WriteDiagnostics(w, res.Diagnostics) }},
	}
	if res.Frame != nil {
		writers = append(writers, tableWriter{"frame.csv", func(w io.Writer) (int, error) { return WriteFrame(w, res.Frame) }})
	}
	if len(res.Fields) > 0 {
		writers = append(writers, tableWriter{"fields.csv", func(w io.Writer) (int, error) { return WriteFields(w, res.Fields) }})
	}
	if len(res.Histograms) > 0 {
		writers = append(writers, tableWriter{"histograms.csv", func(w io.Writer) (int, error) { return WriteHistograms(w, res.Histograms) }})
	}

	var out []Output
	for _, tw := range writers {
		var buf bytes.Buffer
		rows, err := tw.write(&buf)
		if err != nil {
			return out, err
		}
		key := loc.Key(tw.name)
		if err := st.Put(ctx, key, &buf); err != nil {
			return out, err
		}
		dest := store.Location{Scheme: loc.Scheme, Bucket: loc.Bucket, Prefix: key}
		out = append(out, Output{Location: dest.String(), Rows: rows})
		s.logger.InfoContext(ctx, "table published", "location", dest.String(), "rows", rows)
	}
	return out, nil
}
