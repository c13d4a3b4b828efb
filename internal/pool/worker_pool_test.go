package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 3})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(10), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.LessOrEqual(t, stats.Workers, 3)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	const limit = 2
	p := New(Config{MaxWorkers: limit})

	var current, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < limit; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		}))
	}

	// 所有 worker 都忙时提交应阻塞
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(limit), peak.Load())
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	var recovered any
	var doneErr error
	done := make(chan struct{})
	p := New(Config{
		MaxWorkers:   1,
		PanicHandler: func(r any) { recovered = r },
		OnDone: func(err error) {
			doneErr = err
			close(done)
		},
	})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	<-done

	assert.Equal(t, "boom", recovered)
	assert.ErrorIs(t, doneErr, ErrTaskPanicked)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_TaskOutlivesSubmitContext(t *testing.T) {
	p := New(Config{MaxWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	require.NoError(t, p.Submit(ctx, func(taskCtx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		result <- taskCtx.Err()
		return nil
	}))
	cancel()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, <-result, "任务上下文不应随提交方取消")
}

func TestWorkerPool_ShutdownGraceExpires(t *testing.T) {
	p := New(Config{MaxWorkers: 1})

	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled after grace period")
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	p := New(DefaultConfig())
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
