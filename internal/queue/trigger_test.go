package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewritely/internal/types"
)

type mockSender struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("mid-1")}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTriggerReconcileSendsMessage(t *testing.T) {
	sender := &mockSender{}
	trigger := NewReconcileTrigger(sender, "https://sqs.test/reconcile", testLogger())

	ctx := types.WithRequestID(context.Background(), "trace-123")
	err := trigger.TriggerReconcile(ctx, "evt-1", "nicepay")
	require.NoError(t, err)

	require.Len(t, sender.inputs, 1)
	input := sender.inputs[0]
	assert.Equal(t, "https://sqs.test/reconcile", aws.ToString(input.QueueUrl))

	var msg ReconcileMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.MessageBody)), &msg))
	assert.Equal(t, "evt-1", msg.EventID)
	assert.Equal(t, "nicepay", msg.Provider)
	assert.Equal(t, "trace-123", msg.TraceID)
	assert.False(t, msg.EnqueuedAt.IsZero())

	attr, ok := input.MessageAttributes["provider"]
	require.True(t, ok)
	assert.Equal(t, "nicepay", aws.ToString(attr.StringValue))
}

func TestTriggerReconcileGeneratesTraceID(t *testing.T) {
	sender := &mockSender{}
	trigger := NewReconcileTrigger(sender, "q", testLogger())

	require.NoError(t, trigger.TriggerReconcile(context.Background(), "evt-1", "stripe"))

	var msg ReconcileMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(sender.inputs[0].MessageBody)), &msg))
	assert.NotEmpty(t, msg.TraceID)
}

func TestTriggerReconcileSendFailure(t *testing.T) {
	sender := &mockSender{err: errors.New("network down")}
	trigger := NewReconcileTrigger(sender, "q", testLogger())

	err := trigger.TriggerReconcile(context.Background(), "evt-1", "nicepay")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamQueue, appErr.Code)
}
