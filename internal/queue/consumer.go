package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSReceiver abstracts the SQS operations used by the consumer loop.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Reconciler applies one recorded webhook event to billing state.
type Reconciler interface {
	Reconcile(ctx context.Context, eventID string) error
}

// Consumer long-polls the reconcile queue and hands event IDs to the
// reconciler. Messages are deleted only after successful reconciliation;
// failures stay on the queue and reappear after the visibility timeout.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	handler  Reconciler
	logger   *slog.Logger

	waitTime    int32
	maxMessages int32
}

// NewConsumer creates a reconcile queue consumer.
func NewConsumer(client SQSReceiver, queueURL string, handler Reconciler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		handler:     handler,
		logger:      logger,
		waitTime:    20,
		maxMessages: 10,
	}
}

// Run polls until ctx is canceled. Receive errors are logged and retried
// after a short pause rather than tearing down the worker.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "receive from reconcile queue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.InfoContext(ctx, "reconcile batch processed", "messages", n)
		}
	}
}

// Poll performs a single long-poll receive and processes every message in
// the batch. Returns the number of messages handled successfully.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, m := range out.Messages {
		var msg ReconcileMessage
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			// Malformed body can never succeed; delete it so it does not
			// cycle through the visibility timeout forever.
			c.logger.ErrorContext(ctx, "dropping unparseable reconcile message",
				"message_id", aws.ToString(m.MessageId),
				"error", err,
			)
			c.delete(ctx, m.ReceiptHandle)
			continue
		}

		logger := c.logger.With(
			"event_id", msg.EventID,
			"provider", msg.Provider,
			"trace_id", msg.TraceID,
		)

		if err := c.handler.Reconcile(ctx, msg.EventID); err != nil {
			logger.ErrorContext(ctx, "reconcile failed, message will redeliver", "error", err)
			continue
		}

		c.delete(ctx, m.ReceiptHandle)
		handled++
	}
	return handled, nil
}

func (c *Consumer) delete(ctx context.Context, receipt *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		// Redelivery of a processed event is harmless: Reconcile is
		// idempotent on the processed flag.
		c.logger.WarnContext(ctx, "failed to delete reconcile message", "error", err)
	}
}
