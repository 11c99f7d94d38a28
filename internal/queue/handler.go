package queue

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Outcome is what happened to a delivery after processing.
type Outcome string

const (
	Acked      Outcome = "acked"
	Retried    Outcome = "retried"
	DeadLetter Outcome = "dead_lettered"
	Requeued   Outcome = "requeued"
)

// Settle acks a processed delivery or routes a failed one. Retryable errors go
// to the retry queue until maxRetries is reached; every other error goes
// straight to the dead letter queue. When republishing fails the delivery is
// nacked with requeue so it is not lost.
func Settle(ctx context.Context, pub Publisher, msg amqp091.Delivery, queueName string, procErr error, maxRetries int) Outcome {
	if procErr == nil {
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] Failed to ack message", "queue", queueName, "err", err)
		}
		return Acked
	}

	retries := retryCount(msg.Headers)
	target, outcome := queueName+retrySuffix, Retried
	if !ingest.IsRetryable(procErr) || retries >= maxRetries {
		target, outcome = queueName+deadSuffix, DeadLetter
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(retries + 1)
	headers["x-last-error"] = procErr.Error()

	err := pub.PublishWithContext(ctx, "", target, false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		logger.Error("[Queue] Failed to republish message", "queue", target, "err", err)
		_ = msg.Nack(false, true)
		return Requeued
	}
	if outcome == DeadLetter {
		logger.Warn("[Queue] Sent message to DLQ", "dlq", target, "retries", retries, "err", procErr)
	} else {
		logger.Info("[Queue] Scheduled retry", "queue", target, "retry", retries+1)
	}
	_ = msg.Ack(false)
	return outcome
}

func retryCount(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
