package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/runner"
	"cmipdiag/internal/types"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeReport prints the per-model values, the failures and the summary.
func writeReport(w io.Writer, report *runner.RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s (%s)\n\n", report.RunID, report.Diagnostic)
	if len(report.Diagnostics) > 0 {
		fmt.Fprintln(tw, "MODEL\tDIAGNOSTIC\tVALUE\tUNITS\tSTATUS")
		for _, d := range report.Diagnostics {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ModelID, d.Name, formatValue(d), d.Units, d.Status)
		}
		fmt.Fprintln(tw)
	}
	for _, h := range report.Histograms {
		if h.Histogram == nil {
			continue
		}
		fmt.Fprintf(tw, "%s histogram (dropped %.4f)\n", h.ModelID, h.Histogram.Dropped)
		for i, f := range h.Histogram.Fractions {
			fmt.Fprintf(tw, "  [%g, %g)\t%.4f\n", h.Histogram.Edges[i], h.Histogram.Edges[i+1], f)
		}
	}
	if failed := report.Summary.Failed(); failed > 0 {
		fmt.Fprintln(tw, "FAILED MODEL\tCODE\tREASON")
		for _, f := range report.Summary.Failures {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ModelID, f.Code, f.Reason)
		}
		fmt.Fprintln(tw)
	}
	for _, o := range report.Outputs {
		fmt.Fprintf(tw, "wrote %s\t%d rows\n", o.Location, o.Rows)
	}
	fmt.Fprintln(tw, report.Summary.String())
	return tw.Flush()
}

func formatValue(d types.DiagnosticValue) string {
	if d.Value == nil {
		return "-"
	}
	return strconv.FormatFloat(*d.Value, 'f', 3, 64)
}

func writeRecords(w io.Writer, recs []types.DatasetRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tEXPERIMENT\tMEMBER\tTABLE\tVARIABLE\tGRID\tLOCATION")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SourceID, r.ExperimentID, r.MemberID, r.TableID, r.VariableID, r.GridLabel, r.Location)
	}
	fmt.Fprintf(tw, "%d records across %d models (experiments: %s)\n",
		len(recs), len(catalog.Models(recs)), strings.Join(catalog.Facets(recs, types.FacetExperimentID), ", "))
	return tw.Flush()
}
