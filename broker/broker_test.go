package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 所有后端共用的行为测试
// =============================================================================

type conformanceOptions struct {
	// connect opens a new connection to the same backend.
	connect func(t *testing.T) Broker
	// redeliverOnClose is false for backends that only redeliver after a
	// lease or idle timeout.
	redeliverOnClose bool
}

func runConformance(t *testing.T, opts conformanceOptions) {
	t.Run("publish receive ack", func(t *testing.T) {
		b := opts.connect(t)
		ctx := context.Background()
		require.NoError(t, b.Declare(ctx, "inputs"))
		require.NoError(t, b.Publish(ctx, "inputs", []byte(`{"n":1}`)))

		d, err := b.Receive(ctx, "inputs", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "inputs", d.Queue)
		assert.Equal(t, `{"n":1}`, string(d.Body))
		assert.Equal(t, 1, d.Attempt)
		assert.False(t, d.ReceivedAt.IsZero())
		require.NoError(t, b.Ack(ctx, d))

		_, err = b.Receive(ctx, "inputs", 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrNoMessage)
	})

	t.Run("fifo", func(t *testing.T) {
		b := opts.connect(t)
		ctx := context.Background()
		require.NoError(t, b.Declare(ctx, "fifo"))
		for _, body := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(ctx, "fifo", []byte(body)))
		}
		for _, want := range []string{"a", "b", "c"} {
			d, err := b.Receive(ctx, "fifo", time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, string(d.Body))
			require.NoError(t, b.Ack(ctx, d))
		}
	})

	t.Run("nack requeue redelivers", func(t *testing.T) {
		b := opts.connect(t)
		ctx := context.Background()
		require.NoError(t, b.Declare(ctx, "retry"))
		require.NoError(t, b.Publish(ctx, "retry", []byte("x")))

		d, err := b.Receive(ctx, "retry", time.Second)
		require.NoError(t, err)
		require.False(t, d.EnqueuedAt.IsZero())
		require.NoError(t, b.Nack(ctx, d, true))

		again, err := b.Receive(ctx, "retry", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "x", string(again.Body))
		assert.Equal(t, 2, again.Attempt)
		// 重新入队不刷新入队时间
		assert.True(t, again.EnqueuedAt.Equal(d.EnqueuedAt), "enqueued %v, requeued %v", d.EnqueuedAt, again.EnqueuedAt)
		require.NoError(t, b.Ack(ctx, again))
	})

	t.Run("settle twice", func(t *testing.T) {
		b := opts.connect(t)
		ctx := context.Background()
		require.NoError(t, b.Declare(ctx, "twice"))
		require.NoError(t, b.Publish(ctx, "twice", []byte("x")))

		d, err := b.Receive(ctx, "twice", time.Second)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, d))
		assert.ErrorIs(t, b.Ack(ctx, d), ErrUnknownDelivery)
		assert.ErrorIs(t, b.Nack(ctx, d, true), ErrUnknownDelivery)
	})

	t.Run("receive honours context", func(t *testing.T) {
		b := opts.connect(t)
		require.NoError(t, b.Declare(context.Background(), "idle"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := b.Receive(ctx, "idle", 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("invalid queue", func(t *testing.T) {
		b := opts.connect(t)
		assert.ErrorIs(t, b.Publish(context.Background(), "", []byte("x")), ErrInvalidQueue)
	})

	t.Run("closed", func(t *testing.T) {
		b := opts.connect(t)
		require.NoError(t, b.Close())
		assert.ErrorIs(t, b.Publish(context.Background(), "inputs", []byte("x")), ErrClosed)
		assert.NoError(t, b.Close())
	})

	if opts.redeliverOnClose {
		t.Run("close redelivers unacked", func(t *testing.T) {
			ctx := context.Background()
			first := opts.connect(t)
			require.NoError(t, first.Declare(ctx, "crash"))
			require.NoError(t, first.Publish(ctx, "crash", []byte("work")))

			d, err := first.Receive(ctx, "crash", time.Second)
			require.NoError(t, err)
			assert.Equal(t, 1, d.Attempt)
			require.NoError(t, first.Close())

			second := opts.connect(t)
			again, err := second.Receive(ctx, "crash", time.Second)
			require.NoError(t, err)
			assert.Equal(t, "work", string(again.Body))
			assert.Equal(t, 2, again.Attempt)
			require.NoError(t, second.Ack(ctx, again))
		})
	}

	t.Run("concurrent receivers split messages", func(t *testing.T) {
		ctx := context.Background()
		pub := opts.connect(t)
		require.NoError(t, pub.Declare(ctx, "split"))
		const n = 10
		for i := 0; i < n; i++ {
			require.NoError(t, pub.Publish(ctx, "split", []byte{byte('a' + i)}))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 2; w++ {
			c := opts.connect(t)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					d, err := c.Receive(ctx, "split", 200*time.Millisecond)
					if err != nil {
						return
					}
					mu.Lock()
					seen[string(d.Body)]++
					mu.Unlock()
					_ = c.Ack(ctx, d)
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for body, count := range seen {
			assert.Equal(t, 1, count, "message %s delivered more than once", body)
		}
	})
}
