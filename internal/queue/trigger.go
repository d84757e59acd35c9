// Package queue provides the SQS producer and consumer that decouple webhook
// receipt from webhook reconciliation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"rewritely/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcileMessage tells the webhook worker to reconcile one recorded event.
// The payload itself stays in the database; the queue carries only the key,
// so a lost or duplicated message costs nothing but latency.
type ReconcileMessage struct {
	EventID    string    `json:"event_id"`
	Provider   string    `json:"provider"`
	TraceID    string    `json:"trace_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ReconcileTrigger enqueues reconcile work after the webhook receiver has
// durably recorded an event.
type ReconcileTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReconcileTrigger creates a reconcile message producer.
func NewReconcileTrigger(client SQSSender, queueURL string, logger *slog.Logger) *ReconcileTrigger {
	return &ReconcileTrigger{client: client, queueURL: queueURL, logger: logger}
}

// TriggerReconcile sends one reconcile message. A send failure is returned to
// the caller but is not fatal to ingestion: the worker's unprocessed-event
// sweep picks up anything the queue loses.
func (t *ReconcileTrigger) TriggerReconcile(ctx context.Context, eventID, provider string) error {
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	msg := ReconcileMessage{
		EventID:    eventID,
		Provider:   provider,
		TraceID:    traceID,
		EnqueuedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReconcileMessage: %w", err)
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(provider),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to enqueue reconcile message for event %s", eventID), err)
	}

	t.logger.InfoContext(ctx, "reconcile message sent",
		"event_id", eventID,
		"provider", provider,
		"trace_id", traceID,
	)
	return nil
}
