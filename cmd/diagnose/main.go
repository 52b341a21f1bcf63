// Package main is the diagnose command line tool. It runs one diagnostic
// batch over the configured catalog and writes the result tables, searches
// the catalog and imports catalogs into the database registry.
//
//	diagnose ecs --models CESM2,GFDL-CM4 --output ./out
//	diagnose gmst --scenarios ssp245,ssp585 --baseline 1850-1900
//	diagnose datasets source_id=CESM2 variable_id=tas
//	diagnose import-catalog gs://cmip6/pangeo-cmip6.csv
//
// Configuration comes from the environment like the services; APP_ENV
// defaults to local and --catalog overrides CATALOG_URL.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cmipdiag/internal/config"
	"cmipdiag/internal/runner"
)

const (
	exitSuccess = 0
	exitError   = 1
)

// serviceFactory builds the run service from configuration.
type serviceFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runner.Service, error)

// app carries the state shared by all subcommands.
type app struct {
	newService serviceFactory
	stdout     io.Writer
	stderr     io.Writer

	catalogURL string
	logLevel   string
	models     []string
	member     string
	table      string
	output     string
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{newService: runner.NewService, stdout: os.Stdout, stderr: os.Stderr}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diagnose",
		Short:         "Align CMIP6 model output and reduce it to climate diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.catalogURL, "catalog", "", "catalog CSV location (overrides CATALOG_URL)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pf.StringSliceVar(&a.models, "models", nil, "source ids to include, in report order (default: all)")
	pf.StringVar(&a.member, "member", "", "ensemble member (default r1i1p1f1)")
	pf.StringVar(&a.table, "table", "", "override the MIP table of the workflow")
	pf.StringVarP(&a.output, "output", "o", "", "location the result tables are written to")
	pf.BoolVar(&a.jsonOut, "json", false, "print the run report as JSON")

	root.AddCommand(
		a.ecsCmd(),
		a.gmstCmd(),
		a.ohuCmd(),
		a.precipCmd(),
		a.datasetsCmd(),
		a.importCatalogCmd(),
	)
	return root
}

// setup loads the configuration and builds the service. The caller closes
// the service.
func (a *app) setup(ctx context.Context) (*runner.Service, *config.Config, *slog.Logger, error) {
	if _, ok := os.LookupEnv("APP_ENV"); !ok {
		_ = os.Setenv("APP_ENV", "local")
	}
	if a.catalogURL != "" {
		_ = os.Setenv("CATALOG_URL", a.catalogURL)
	}
	if a.logLevel != "" {
		_ = os.Setenv("LOG_LEVEL", a.logLevel)
	}

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(a.stderr, cfg.LogLevel, true)

	svc, err := a.newService(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building run service: %w", err)
	}
	return svc, cfg, logger, nil
}

// execute runs req and prints its report.
func (a *app) execute(cmd *cobra.Command, req runner.RunRequest) error {
	ctx := cmd.Context()
	svc, _, _, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	req.Output = a.output
	report, err := svc.Runner.Execute(ctx, req)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return writeJSON(a.stdout, report)
	}
	return writeReport(a.stdout, report)
}
