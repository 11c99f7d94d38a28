package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T, calls *atomic.Int32) *dispatcher {
	t.Helper()
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return &dispatcher{
		pub:       &fakePublisher{},
		pool:      pool,
		inflight:  &sync.WaitGroup{},
		queueName: "q",
		handle: func(ctx context.Context, body []byte) error {
			calls.Add(1)
			return nil
		},
		maxRetries: 3,
	}
}

func TestDispatcher_SettlesEveryDelivery(t *testing.T) {
	var calls atomic.Int32
	d := newDispatcher(t, &calls)

	acks := []*fakeAck{{}, {}, {}}
	msgs := make(chan amqp091.Delivery, len(acks))
	for _, a := range acks {
		msgs <- delivery(a, nil)
	}
	close(msgs)

	d.run(context.Background(), make(chan struct{}), msgs)
	d.inflight.Wait()

	assert.Equal(t, int32(3), calls.Load())
	for i, a := range acks {
		assert.Equal(t, 1, a.acks, "delivery %d", i)
		assert.Zero(t, a.nacks, "delivery %d", i)
	}
}

func TestDispatcher_StoppedNeverSubmits(t *testing.T) {
	var calls atomic.Int32
	d := newDispatcher(t, &calls)

	acks := []*fakeAck{{}, {}}
	msgs := make(chan amqp091.Delivery, len(acks))
	for _, a := range acks {
		msgs <- delivery(a, nil)
	}
	stop := make(chan struct{})
	close(stop)

	d.run(context.Background(), stop, msgs)
	d.inflight.Wait()

	assert.Zero(t, calls.Load())
	for i, a := range acks {
		assert.Zero(t, a.acks, "delivery %d", i)
		if a.nacks > 0 {
			assert.True(t, a.requeue, "delivery %d must be requeued", i)
		}
	}
}
