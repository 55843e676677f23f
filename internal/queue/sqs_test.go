package queue

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

type fakeSQSMessage struct {
	id        string
	body      string
	handle    string
	count     int
	visibleAt time.Time
	sentAt    time.Time
}

// defaultQueueVisibility applies when a receive sends no VisibilityTimeout,
// as the SDK omits a zero value.
const defaultQueueVisibility = 30 * time.Second

// mockSQS keeps one slice of messages per queue URL with real-time leases.
type mockSQS struct {
	mu     sync.Mutex
	queues map[string][]*fakeSQSMessage
	delays []int32

	// visibilities requested per queue URL, by receives and by changes
	received map[string][]int32
	changed  map[string][]int32
}

func newMockSQS() *mockSQS {
	return &mockSQS{
		queues:   map[string][]*fakeSQSMessage{},
		received: map[string][]int32{},
		changed:  map[string][]int32{},
	}
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	id := uuid.NewString()
	m.queues[*params.QueueUrl] = append(m.queues[*params.QueueUrl], &fakeSQSMessage{
		id:        id,
		body:      *params.MessageBody,
		visibleAt: now.Add(time.Duration(params.DelaySeconds) * time.Second),
		sentAt:    now,
	})
	m.delays = append(m.delays, params.DelaySeconds)
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.received[*params.QueueUrl] = append(m.received[*params.QueueUrl], params.VisibilityTimeout)
	lease := time.Duration(params.VisibilityTimeout) * time.Second
	if params.VisibilityTimeout == 0 {
		lease = defaultQueueVisibility
	}
	var out []types.Message
	for _, msg := range m.queues[*params.QueueUrl] {
		if len(out) >= int(params.MaxNumberOfMessages) {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.count++
		msg.handle = uuid.NewString()
		msg.visibleAt = now.Add(lease)
		id, body, handle := msg.id, msg.body, msg.handle
		out = append(out, types.Message{
			MessageId:     &id,
			Body:          &body,
			ReceiptHandle: &handle,
			Attributes: map[string]string{
				"ApproximateReceiveCount": strconv.Itoa(msg.count),
				"SentTimestamp":           strconv.FormatInt(msg.sentAt.UnixMilli(), 10),
			},
		})
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[*params.QueueUrl]
	for i, msg := range msgs {
		if msg.handle == *params.ReceiptHandle {
			m.queues[*params.QueueUrl] = append(msgs[:i], msgs[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{}
}

func (m *mockSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed[*params.QueueUrl] = append(m.changed[*params.QueueUrl], params.VisibilityTimeout)
	for _, msg := range m.queues[*params.QueueUrl] {
		if msg.handle == *params.ReceiptHandle {
			msg.visibleAt = time.Now().Add(time.Duration(params.VisibilityTimeout) * time.Second)
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{}
}

func (m *mockSQS) depth(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[url])
}

const (
	testQueueURL = "https://sqs.local/orders"
	testDLQURL   = "https://sqs.local/orders-dlq"
)

func newTestSQSQueue(t *testing.T, maxReceive int) (*SQSQueue, *mockSQS) {
	t.Helper()
	mock := newMockSQS()
	q, err := NewSQSQueue(mock, testQueueURL, testDLQURL, maxReceive, zap.NewNop())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q.WithWaitTime(0), mock
}

func TestSQSQueue_EnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, mock := newTestSQSQueue(t, 3)

	if err := q.Enqueue(ctx, NewMessage("o-1", orders.StatusPending, "req-1"), 1500*time.Millisecond); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if mock.delays[0] != 2 {
		t.Fatalf("expected delay rounded up to 2s, got %d", mock.delays[0])
	}

	// make it visible without sleeping
	mock.queues[testQueueURL][0].visibleAt = time.Now()

	msgs, err := q.Receive(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ReceiveCount != 1 || msgs[0].CorrelationID != "req-1" || msgs[0].Stage != orders.StatusPending {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if err := q.Acknowledge(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Acknowledge(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("stale ack should be a no-op, got %v", err)
	}
	if err := q.ChangeVisibility(ctx, "gone", time.Second, ""); err != nil {
		t.Fatalf("stale change visibility should be a no-op, got %v", err)
	}
	if mock.depth(testQueueURL) != 0 {
		t.Fatalf("message not deleted")
	}
}

func TestSQSQueue_MovesExhaustedMessagesToDLQ(t *testing.T) {
	ctx := context.Background()
	q, mock := newTestSQSQueue(t, 2)
	_ = q.Enqueue(ctx, NewMessage("o-1", orders.StatusPaymentProcessing, ""), 0)

	for i := 1; i <= 2; i++ {
		msgs, err := q.Receive(ctx, 1, 30*time.Second)
		if err != nil || len(msgs) != 1 || msgs[0].ReceiveCount != i {
			t.Fatalf("receive %d: %+v %v", i, msgs, err)
		}
		if err := q.ChangeVisibility(ctx, msgs[0].ReceiptHandle, 0, "payment gateway 503"); err != nil {
			t.Fatalf("change visibility: %v", err)
		}
	}

	msgs, err := q.Receive(ctx, 1, 30*time.Second)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("exhausted message delivered: %+v %v", msgs, err)
	}
	if mock.depth(testQueueURL) != 0 || mock.depth(testDLQURL) != 1 {
		t.Fatalf("expected move to DLQ, main=%d dlq=%d", mock.depth(testQueueURL), mock.depth(testDLQURL))
	}

	dead, err := q.ReceiveDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("receive dead letters: %+v %v", dead, err)
	}
	dl := dead[0]
	if dl.OrderID != "o-1" || dl.FinalFailureReason != ReasonDeliveryExhausted || dl.LastError != "payment gateway 503" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	if err := q.SettleDeadLetter(ctx, dl); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if again, _ := q.ReceiveDeadLetters(ctx, 10); len(again) != 0 {
		t.Fatalf("settled dead letter visible again")
	}
	if err := q.Redrive(ctx, dl); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if mock.depth(testQueueURL) != 1 || mock.depth(testDLQURL) != 0 {
		t.Fatalf("expected redrive back to main queue")
	}
}

func TestSQSQueue_NativeRedriveBodiesDecode(t *testing.T) {
	ctx := context.Background()
	q, mock := newTestSQSQueue(t, 3)
	body := `{"orderId":"o-7","action":"PROCESS_ORDER"}`
	_, _ = mock.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: strPtr(testDLQURL), MessageBody: &body})

	dead, err := q.ListDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("list: %+v %v", dead, err)
	}
	if dead[0].FinalFailureReason != ReasonDeliveryExhausted || dead[0].DeadLetteredAt.IsZero() {
		t.Fatalf("native dead letter not normalised: %+v", dead[0])
	}
}

func TestSQSQueue_ListDeadLettersLeavesEntriesVisible(t *testing.T) {
	ctx := context.Background()
	q, mock := newTestSQSQueue(t, 3)
	for _, id := range []string{"o-1", "o-2"} {
		body := `{"orderId":"` + id + `","action":"PROCESS_ORDER"}`
		_, _ = mock.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: strPtr(testDLQURL), MessageBody: &body})
	}

	for i := 0; i < 2; i++ {
		dead, err := q.ListDeadLetters(ctx, 10)
		if err != nil || len(dead) != 2 {
			t.Fatalf("list %d: %+v %v", i, dead, err)
		}
	}

	for _, v := range mock.received[testDLQURL] {
		if v == 0 {
			t.Fatalf("list must send an explicit visibility timeout, got %v", mock.received[testDLQURL])
		}
	}
	if got := mock.changed[testDLQURL]; len(got) != 4 || got[0] != 0 {
		t.Fatalf("expected every listed entry released, got %v", got)
	}

	// the consumer still sees them right away
	if dead, _ := q.ReceiveDeadLetters(ctx, 10); len(dead) != 2 {
		t.Fatalf("listed entries hidden from the consumer: %d", len(dead))
	}
}

func TestSQSQueue_ReleaseDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mock := newTestSQSQueue(t, 3)
	body := `{"orderId":"o-9","action":"PROCESS_ORDER"}`
	_, _ = mock.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: strPtr(testDLQURL), MessageBody: &body})

	dead, err := q.ReceiveDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("receive: %+v %v", dead, err)
	}
	if again, _ := q.ReceiveDeadLetters(ctx, 10); len(again) != 0 {
		t.Fatalf("received entry should be leased")
	}
	if err := q.ReleaseDeadLetter(ctx, dead[0]); err != nil {
		t.Fatalf("release: %v", err)
	}
	if again, _ := q.ReceiveDeadLetters(ctx, 10); len(again) != 1 {
		t.Fatalf("released entry should be visible again")
	}
}

func strPtr(s string) *string { return &s }
