// Package main is the entry point of the run worker Lambda function.
//
// The worker consumes run requests from the run queue and executes them
// through the runner, which publishes the result tables and finishes the
// run history record.
//
// Per message:
//  1. Decode the run request. A malformed body is logged and acknowledged.
//  2. Execute the run.
//  3. Client errors (invalid parameters) are acknowledged; upstream and
//     internal failures are reported in batchItemFailures so SQS redelivers
//     only that message.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"cmipdiag/internal/config"
	"cmipdiag/internal/queue"
	"cmipdiag/internal/runner"
	"cmipdiag/internal/types"
)

// RunExecutor is the runner contract the worker needs.
type RunExecutor interface {
	Execute(ctx context.Context, req runner.RunRequest) (*runner.RunReport, error)
}

// Handler holds the dependencies of the worker.
type Handler struct {
	runner RunExecutor
	logger *slog.Logger
}

// Handle processes a batch of run messages independently.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "run will be retried",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return response, nil
}

// processMessage returns an error only for failures worth redelivering.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	req, err := queue.Decode(record.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed run message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"run_id", req.RunID,
		"diagnostic", string(req.Diagnostic),
	)
	report, err := h.runner.Execute(ctx, req)
	if err != nil {
		if types.CodeOf(err).HTTPStatus() < http.StatusInternalServerError {
			logger.WarnContext(ctx, "run rejected", "error", err)
			return nil
		}
		return err
	}
	logger.InfoContext(ctx, "run processed",
		"summary", report.Summary.String(),
		"outputs", len(report.Outputs),
	)
	return nil
}

func main() {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, false)

	svc, err := runner.NewService(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build run service", "error", err)
		os.Exit(1)
	}

	handler := &Handler{runner: svc.Runner, logger: logger}
	logger.Info("run worker initialized",
		"version", cfg.Build.Version,
		"concurrency", cfg.Pipeline.Concurrency,
		"output_url", cfg.Pipeline.OutputURL,
	)
	lambda.Start(handler.Handle)
}
