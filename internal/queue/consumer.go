package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"

	"github.com/panjf2000/ants/v2"
	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Run consumes the extraction and report queues until ctx is done or the
// connection closes. At most cfg.Prefetch messages are processed at once;
// in-flight messages finish before Run returns.
func Run(ctx context.Context, conn *amqp091.Connection, cfg config.RabbitConfig, proc *Processor) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	handlers := map[string]Handler{
		cfg.ExtractionQueue: proc.ProcessExtraction,
		cfg.ReportQueue:     proc.ProcessReport,
	}
	names := []string{cfg.ExtractionQueue, cfg.ReportQueue}
	if err := SetupQueues(ch, names, cfg.RetryDelay); err != nil {
		return err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	pool, err := ants.NewPool(cfg.Prefetch)
	if err != nil {
		return fmt.Errorf("create handler pool: %w", err)
	}
	defer pool.Release()

	// Deferred in reverse: stop the dispatchers, wait until none can submit
	// anymore, then wait for the submitted messages.
	var inflight, dispatchers sync.WaitGroup
	defer inflight.Wait()
	defer dispatchers.Wait()
	stop, cancel := context.WithCancel(ctx)
	defer cancel()

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	for _, name := range names {
		msgs, err := ch.Consume(
			name,
			name+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}
		d := &dispatcher{
			pub:        ch,
			pool:       pool,
			inflight:   &inflight,
			queueName:  name,
			handle:     handlers[name],
			maxRetries: cfg.MaxRetries,
		}
		dispatchers.Add(1)
		go func() {
			defer dispatchers.Done()
			d.run(ctx, stop.Done(), msgs)
		}()
	}

	logger.Info("[Queue] Listening for messages", "queues", names, "prefetch", cfg.Prefetch)
	select {
	case <-ctx.Done():
		logger.Info("[Queue] Shutting down consumers")
		return nil
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return errors.New("rabbitmq connection closed")
		}
		return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
	}
}

// dispatcher submits the deliveries of one queue to the handler pool.
type dispatcher struct {
	pub        Publisher
	pool       *ants.Pool
	inflight   *sync.WaitGroup
	queueName  string
	handle     Handler
	maxRetries int
}

// run submits deliveries until stop is closed or msgs is closed. Handlers run
// with ctx. A delivery received after stop is closed is requeued, never
// submitted, so inflight only grows while run is active.
func (d *dispatcher) run(ctx context.Context, stop <-chan struct{}, msgs <-chan amqp091.Delivery) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("[Queue] Message channel closed", "queue", d.queueName)
				return
			}
			if stopped(stop) {
				_ = msg.Nack(false, true)
				return
			}
			d.inflight.Add(1)
			err := d.pool.Submit(func() {
				defer d.inflight.Done()
				handleDelivery(ctx, d.pub, d.queueName, d.handle, msg, d.maxRetries)
			})
			if err != nil {
				d.inflight.Done()
				logger.Error("[Queue] Failed to schedule message", "queue", d.queueName, "err", err)
				_ = msg.Nack(false, true)
			}
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func handleDelivery(ctx context.Context, pub Publisher, queueName string, handle Handler, msg amqp091.Delivery, maxRetries int) Outcome {
	start := time.Now()
	logger.Debug("[Queue] Received message", "queue", queueName, "delivery_tag", msg.DeliveryTag)

	err := handle(ctx, msg.Body)
	if err != nil {
		logger.Error("[Queue] Error processing message", "queue", queueName, "err", err)
	}
	// Settle on a fresh context so a shutdown does not strand the delivery.
	outcome := Settle(context.WithoutCancel(ctx), pub, msg, queueName, err, maxRetries)

	metrics.QueueMessages.WithLabelValues(queueName, string(outcome)).Inc()
	metrics.QueueProcessingSeconds.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	return outcome
}
