// Package queue submits diagnostic runs to SQS for asynchronous execution by
// the worker.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"cmipdiag/internal/runner"
	"cmipdiag/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AttrDiagnostic is the message attribute carrying the diagnostic kind.
const AttrDiagnostic = "diagnostic"

// RunQueue sends RunRequests to one queue.
type RunQueue struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewRunQueue creates a RunQueue.
func NewRunQueue(client SQSSender, queueURL string, logger *slog.Logger) *RunQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunQueue{client: client, queueURL: queueURL, logger: logger}
}

// Submit enqueues req and returns its run id, generating one when req has
// none.
func (q *RunQueue) Submit(ctx context.Context, req runner.RunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal run request", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrDiagnostic: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(req.Diagnostic)),
			},
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamQueue, "failed to enqueue run "+req.RunID, err)
	}

	q.logger.InfoContext(ctx, "run enqueued",
		"queue_url", q.queueURL,
		"run_id", req.RunID,
		"diagnostic", string(req.Diagnostic),
	)
	return req.RunID, nil
}

// Decode parses a message body produced by Submit.
func Decode(body string) (runner.RunRequest, error) {
	var req runner.RunRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return req, types.NewAppError(types.ErrCodeValidationInvalidRequest, "malformed run message", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
