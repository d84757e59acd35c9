package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReceiver struct {
	messages []sqsTypes.Message
	deleted  []string
	err      error
}

func (m *mockReceiver) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.ReceiveMessageOutput{Messages: m.messages}, nil
}

func (m *mockReceiver) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type recordingReconciler struct {
	eventIDs []string
	errs     map[string]error
}

func (r *recordingReconciler) Reconcile(ctx context.Context, eventID string) error {
	r.eventIDs = append(r.eventIDs, eventID)
	return r.errs[eventID]
}

func reconcileSQSMessage(t *testing.T, eventID, receipt string) sqsTypes.Message {
	t.Helper()
	body, err := json.Marshal(ReconcileMessage{EventID: eventID, Provider: "nicepay", TraceID: "tr-1"})
	require.NoError(t, err)
	return sqsTypes.Message{
		MessageId:     aws.String("mid-" + eventID),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(string(body)),
	}
}

func TestPollReconcilesAndDeletes(t *testing.T) {
	receiver := &mockReceiver{messages: []sqsTypes.Message{
		reconcileSQSMessage(t, "evt-1", "rh-1"),
		reconcileSQSMessage(t, "evt-2", "rh-2"),
	}}
	handler := &recordingReconciler{}
	c := NewConsumer(receiver, "q", handler, testLogger())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-2"}, handler.eventIDs)
	assert.Equal(t, []string{"rh-1", "rh-2"}, receiver.deleted)
}

func TestPollKeepsFailedMessageOnQueue(t *testing.T) {
	receiver := &mockReceiver{messages: []sqsTypes.Message{
		reconcileSQSMessage(t, "evt-1", "rh-1"),
		reconcileSQSMessage(t, "evt-2", "rh-2"),
	}}
	handler := &recordingReconciler{errs: map[string]error{"evt-1": errors.New("db down")}}
	c := NewConsumer(receiver, "q", handler, testLogger())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"rh-2"}, receiver.deleted, "failed message stays for redelivery")
}

func TestPollDropsUnparseableBody(t *testing.T) {
	receiver := &mockReceiver{messages: []sqsTypes.Message{{
		MessageId:     aws.String("mid-bad"),
		ReceiptHandle: aws.String("rh-bad"),
		Body:          aws.String("not json"),
	}}}
	handler := &recordingReconciler{}
	c := NewConsumer(receiver, "q", handler, testLogger())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, handler.eventIDs)
	assert.Equal(t, []string{"rh-bad"}, receiver.deleted, "poison message must not cycle forever")
}

func TestPollPropagatesReceiveError(t *testing.T) {
	receiver := &mockReceiver{err: errors.New("throttled")}
	c := NewConsumer(receiver, "q", &recordingReconciler{}, testLogger())

	_, err := c.Poll(context.Background())
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	receiver := &mockReceiver{}
	c := NewConsumer(receiver, "q", &recordingReconciler{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
