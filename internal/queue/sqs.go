package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/aws"
)

const (
	sqsMaxBatch      = 10
	sqsMaxVisibility = 12 * time.Hour
	// settled dead letters stay hidden for the longest lease SQS allows
	settledVisibility = sqsMaxVisibility
	deadLetterLease   = 30 * time.Second
	// a zero VisibilityTimeout is not sent, so a peek leases briefly and
	// then releases each entry
	peekLease      = 5 * time.Second
	trackedReasons = 4096
)

// SQSQueue implements Queue and DeadLetterQueue on two SQS queues. The main
// queue may also carry a native redrive policy; the explicit move performed
// in Receive keeps receive-count semantics identical to MemoryQueue.
type SQSQueue struct {
	client          aws.SQSAPI
	publisher       *aws.Publisher
	queueURL        string
	dlqURL          string
	maxReceiveCount int
	waitTimeSeconds int32
	logger          *zap.Logger

	// receipt handle -> message id, and message id -> last error reason
	handles *lru.Cache[string, string]
	reasons *lru.Cache[string, string]
}

var (
	_ Queue           = (*SQSQueue)(nil)
	_ DeadLetterQueue = (*SQSQueue)(nil)
)

// NewSQSQueue creates a queue bound to queueURL with dead letters in dlqURL.
func NewSQSQueue(client aws.SQSAPI, queueURL, dlqURL string, maxReceiveCount int, logger *zap.Logger) (*SQSQueue, error) {
	handles, err := lru.New[string, string](trackedReasons)
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	reasons, err := lru.New[string, string](trackedReasons)
	if err != nil {
		return nil, fmt.Errorf("create reason cache: %w", err)
	}
	return &SQSQueue{
		client:          client,
		publisher:       aws.NewPublisher(client, queueURL),
		queueURL:        queueURL,
		dlqURL:          dlqURL,
		maxReceiveCount: maxReceiveCount,
		waitTimeSeconds: 1,
		logger:          logger,
		handles:         handles,
		reasons:         reasons,
	}, nil
}

// WithWaitTime sets the long-poll wait used by Receive.
func (q *SQSQueue) WithWaitTime(d time.Duration) *SQSQueue {
	q.waitTimeSeconds = int32(d / time.Second)
	return q
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := EncodeBody(msg)
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"order_id":       msg.OrderID,
		"stage":          string(msg.Stage),
		"correlation_id": msg.CorrelationID,
	}
	if _, err := q.publisher.SendOrderMessage(ctx, body, attrs, seconds(delay)); err != nil {
		return fmt.Errorf("enqueue order %s: %w", msg.OrderID, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: batchSize(max),
		VisibilityTimeout:   seconds(visibility),
		WaitTimeSeconds:     q.waitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		handle := sdkaws.ToString(m.ReceiptHandle)
		msg, err := DecodeBody(sdkaws.ToString(m.Body))
		if err != nil {
			// poison bodies can never succeed; park them with the dead letters
			q.logger.Error("undecodable message", zap.String("message_id", sdkaws.ToString(m.MessageId)), zap.Error(err))
			q.moveToDeadLetters(ctx, DeadLetter{Message: Message{MessageID: sdkaws.ToString(m.MessageId)}, LastError: err.Error()}, sdkaws.ToString(m.Body), handle)
			continue
		}
		msg.MessageID = sdkaws.ToString(m.MessageId)
		msg.ReceiptHandle = handle
		msg.ReceiveCount, _ = strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

		if q.maxReceiveCount > 0 && msg.ReceiveCount > q.maxReceiveCount {
			lastErr, _ := q.reasons.Get(msg.MessageID)
			msg.ReceiveCount = q.maxReceiveCount
			q.moveToDeadLetters(ctx, DeadLetter{
				Message:            msg,
				FinalFailureReason: ReasonDeliveryExhausted,
				LastError:          lastErr,
				DeadLetteredAt:     time.Now().UTC(),
			}, "", handle)
			continue
		}
		q.handles.Add(handle, msg.MessageID)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// moveToDeadLetters sends dl (or rawBody when set) to the DLQ and deletes the
// original. Failures are logged; the message then simply redelivers.
func (q *SQSQueue) moveToDeadLetters(ctx context.Context, dl DeadLetter, rawBody, handle string) {
	body := rawBody
	if body == "" {
		var err error
		if body, err = encodeDeadLetter(dl); err != nil {
			q.logger.Error("encode dead letter", zap.String("order_id", dl.OrderID), zap.Error(err))
			return
		}
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.dlqURL,
		MessageBody: &body,
	}); err != nil {
		q.logger.Error("send to dead-letter queue", zap.String("order_id", dl.OrderID), zap.Error(err))
		return
	}
	if err := q.Acknowledge(ctx, handle); err != nil {
		q.logger.Error("delete dead-lettered message", zap.String("order_id", dl.OrderID), zap.Error(err))
	}
	q.reasons.Remove(dl.MessageID)
	q.logger.Warn("message moved to dead-letter queue",
		zap.String("order_id", dl.OrderID),
		zap.Int("receive_count", dl.ReceiveCount),
		zap.String("last_error", dl.LastError))
}

func (q *SQSQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	return q.delete(ctx, q.queueURL, receiptHandle)
}

func (q *SQSQueue) delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: &receiptHandle,
	})
	if err != nil {
		if isStaleHandle(err) {
			return nil
		}
		return fmt.Errorf("delete message: %w", err)
	}
	if id, ok := q.handles.Get(receiptHandle); ok {
		q.handles.Remove(receiptHandle)
		q.reasons.Remove(id)
	}
	return nil
}

func (q *SQSQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration, reason string) error {
	if reason != "" {
		if id, ok := q.handles.Get(receiptHandle); ok {
			q.reasons.Add(id, reason)
		}
	}
	return q.changeVisibility(ctx, q.queueURL, receiptHandle, timeout)
}

func (q *SQSQueue) changeVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error {
	if timeout > sqsMaxVisibility {
		timeout = sqsMaxVisibility
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &queueURL,
		ReceiptHandle:     &receiptHandle,
		VisibilityTimeout: seconds(timeout),
	})
	if err != nil {
		if isStaleHandle(err) {
			return nil
		}
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	return q.receiveDeadLetters(ctx, max, deadLetterLease)
}

// SettleDeadLetter hides the entry for the maximum lease so the consumer
// stops seeing it while it stays in the DLQ for retention.
func (q *SQSQueue) SettleDeadLetter(ctx context.Context, dl DeadLetter) error {
	return q.changeVisibility(ctx, q.dlqURL, dl.Handle, settledVisibility)
}

// ListDeadLetters receives up to max entries and releases them again, so
// other readers still see them.
func (q *SQSQueue) ListDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	dls, err := q.receiveDeadLetters(ctx, max, peekLease)
	if err != nil {
		return nil, err
	}
	for _, dl := range dls {
		if err := q.ReleaseDeadLetter(ctx, dl); err != nil {
			q.logger.Warn("release dead letter failed", zap.String("order_id", dl.OrderID), zap.Error(err))
		}
	}
	return dls, nil
}

func (q *SQSQueue) ReleaseDeadLetter(ctx context.Context, dl DeadLetter) error {
	return q.changeVisibility(ctx, q.dlqURL, dl.Handle, 0)
}

func (q *SQSQueue) Redrive(ctx context.Context, dl DeadLetter) error {
	msg := dl.Message
	msg.MessageID = ""
	msg.EnqueuedAt = time.Time{}
	if err := q.Enqueue(ctx, msg, 0); err != nil {
		return err
	}
	return q.delete(ctx, q.dlqURL, dl.Handle)
}

func (q *SQSQueue) receiveDeadLetters(ctx context.Context, max int, lease time.Duration) ([]DeadLetter, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.dlqURL,
		MaxNumberOfMessages: batchSize(max),
		VisibilityTimeout:   seconds(lease),
		WaitTimeSeconds:     q.waitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive dead letters: %w", err)
	}

	dls := make([]DeadLetter, 0, len(out.Messages))
	for _, m := range out.Messages {
		dl, err := DecodeDeadLetter(sdkaws.ToString(m.Body))
		if err != nil {
			q.logger.Warn("skipping undecodable dead letter", zap.String("message_id", sdkaws.ToString(m.MessageId)), zap.Error(err))
			continue
		}
		dl.Handle = sdkaws.ToString(m.ReceiptHandle)
		if dl.DeadLetteredAt.IsZero() {
			if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
				dl.DeadLetteredAt = time.UnixMilli(ms).UTC()
			}
		}
		dls = append(dls, dl)
	}
	return dls, nil
}

func isStaleHandle(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight":
			return true
		}
	}
	return false
}

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(math.Ceil(d.Seconds()))
}

func batchSize(max int) int32 {
	if max <= 0 || max > sqsMaxBatch {
		return sqsMaxBatch
	}
	return int32(max)
}
