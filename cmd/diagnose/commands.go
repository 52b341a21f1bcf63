package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/diagnostics"
	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/runner"
	"cmipdiag/internal/types"
)

func (a *app) selection() pipeline.Selection {
	return pipeline.Selection{Models: a.models, Member: a.member, Table: a.table}
}

func (a *app) ecsCmd() *cobra.Command {
	var start, end int
	cmd := &cobra.Command{
		Use:   "ecs",
		Short: "Estimate equilibrium climate sensitivity per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &pipeline.ECSRequest{Selection: a.selection()}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				req.Window = &diagnostics.Window{Start: start, End: end}
			}
			return a.execute(cmd, runner.RunRequest{Diagnostic: types.DiagnosticECS, ECS: req})
		},
	}
	cmd.Flags().IntVar(&start, "start", pipeline.DefaultECSWindow.Start, "first fitted year, relative to the start of the runs")
	cmd.Flags().IntVar(&end, "end", pipeline.DefaultECSWindow.End, "last fitted year (inclusive)")
	return cmd
}

func (a *app) gmstCmd() *cobra.Command {
	var (
		scenarios        []string
		baseline, period string
	)
	cmd := &cobra.Command{
		Use:   "gmst",
		Short: "Build global-mean surface temperature anomaly trajectories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &pipeline.GMSTRequest{Selection: a.selection(), Scenarios: scenarios}
			var err error
			if req.Baseline, err = parsePeriod(baseline); err != nil {
				return err
			}
			if req.Period, err = parsePeriod(period); err != nil {
				return err
			}
			return a.execute(cmd, runner.RunRequest{Diagnostic: types.DiagnosticGMST, GMST: req})
		},
	}
	cmd.Flags().StringSliceVar(&scenarios, "scenarios", nil, "future experiments joined onto historical (default ssp585)")
	cmd.Flags().StringVar(&baseline, "baseline", "", "anomaly baseline years, FROM-TO (default 1850-1900)")
	cmd.Flags().StringVar(&period, "period", "", "reported warming period, FROM-TO (default 2081-2100)")
	return cmd
}

func (a *app) ohuCmd() *cobra.Command {
	var (
		experiment, method string
		dlat, dlon         float64
	)
	cmd := &cobra.Command{
		Use:     "ohu",
		Aliases: []string{"ocean-heat-uptake"},
		Short:   "Regrid time-mean ocean heat uptake onto a common grid",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &pipeline.OHURequest{Selection: a.selection(), Experiment: experiment, Method: method}
			if dlat > 0 || dlon > 0 {
				req.Grid = &pipeline.GridSpec{DLat: dlat, DLon: dlon}
			}
			return a.execute(cmd, runner.RunRequest{Diagnostic: types.DiagnosticOHU, OHU: req})
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment to average (default historical)")
	cmd.Flags().StringVar(&method, "method", "", "bilinear or nearest (default bilinear)")
	cmd.Flags().Float64Var(&dlat, "dlat", 0, "target grid latitude spacing in degrees")
	cmd.Flags().Float64Var(&dlon, "dlon", 0, "target grid longitude spacing in degrees")
	return cmd
}

func (a *app) precipCmd() *cobra.Command {
	var (
		experiment, years string
		edges             []float64
	)
	cmd := &cobra.Command{
		Use:   "precip",
		Short: "Histogram daily precipitation intensity per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &pipeline.PrecipRequest{Selection: a.selection(), Experiment: experiment, Edges: edges}
			var err error
			if req.Years, err = parsePeriod(years); err != nil {
				return err
			}
			return a.execute(cmd, runner.RunRequest{Diagnostic: types.DiagnosticPrecipPDF, Precip: req})
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment to bin (default historical)")
	cmd.Flags().Float64SliceVar(&edges, "edges", nil, "bin edges in mm/day (default logarithmic bins)")
	cmd.Flags().StringVar(&years, "years", "", "restrict binned days to FROM-TO")
	return cmd
}

func (a *app) datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets [facet=value[,value]...]",
		Short: "List catalog records matching facet filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseFacets(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, _, _, err := a.setup(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			recs, err := svc.Registry.Search(ctx, q)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.stdout, recs)
			}
			return writeRecords(a.stdout, recs)
		},
	}
}

func (a *app) importCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-catalog LOCATION",
		Short: "Load a catalog CSV into the database registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, logger, err := a.setup(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			repo := svc.CatalogRepository()
			if repo == nil {
				return fmt.Errorf("import-catalog requires DATABASE_URL")
			}
			cat, err := catalog.Load(ctx, svc.Resolver, args[0], logger)
			if err != nil {
				return err
			}
			recs, err := cat.Search(ctx, catalog.Query{})
			if err != nil {
				return err
			}
			n, err := repo.Import(ctx, recs)
			fmt.Fprintf(a.stdout, "imported %d of %d records\n", n, len(recs))
			return err
		},
	}
}

// parsePeriod parses FROM-TO. An empty string means the workflow default.
func parsePeriod(s string) (*pipeline.Period, error) {
	if s == "" {
		return nil, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("period %q must be FROM-TO", s)
	}
	f, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return nil, fmt.Errorf("period %q: %w", s, err)
	}
	t, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return nil, fmt.Errorf("period %q: %w", s, err)
	}
	if t < f {
		return nil, fmt.Errorf("period %q ends before it starts", s)
	}
	return &pipeline.Period{From: f, To: t}, nil
}

// parseFacets turns facet=v1,v2 arguments into a query.
func parseFacets(args []string) (catalog.Query, error) {
	q := make(catalog.Query, len(args))
	for _, arg := range args {
		facet, values, ok := strings.Cut(arg, "=")
		if !ok || facet == "" || values == "" {
			return nil, fmt.Errorf("filter %q must be facet=value[,value]", arg)
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				q[facet] = append(q[facet], v)
			}
		}
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}
