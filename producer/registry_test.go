package producer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/inferq/envelope"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	w, err := r.Register("a", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a", w.ID())
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Resolve(envelope.Reply{ID: "a", Payload: envelope.Int(7)}))
	assert.Equal(t, 0, r.Len())

	select {
	case <-w.Done():
	default:
		t.Fatal("wait not completed")
	}
	reply, err := w.Result()
	require.NoError(t, err)
	assert.True(t, envelope.Int(7).Equal(reply.Payload))

	// 重复回复被忽略
	assert.False(t, r.Resolve(envelope.Reply{ID: "a"}))
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", time.Now().Add(time.Second))
	require.NoError(t, err)
	_, err = r.Register("a", time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicateID)

	// 结束后可以复用
	require.True(t, r.Remove("a"))
	_, err = r.Register("a", time.Now().Add(time.Second))
	assert.NoError(t, err)
}

func TestRegistry_ResolveBeatsRemove(t *testing.T) {
	r := NewRegistry()
	w, err := r.Register("a", time.Now())
	require.NoError(t, err)

	require.True(t, r.Resolve(envelope.Reply{ID: "a", Payload: envelope.String("late but valid")}))
	assert.False(t, r.Remove("a"), "deadline loses once a reply won")

	reply, err := w.Result()
	require.NoError(t, err)
	assert.True(t, envelope.String("late but valid").Equal(reply.Payload))
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	old, err := r.Register("old", now.Add(-time.Millisecond))
	require.NoError(t, err)
	_, err = r.Register("fresh", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Sweep(now))
	assert.Equal(t, 1, r.Len())

	_, err = old.Result()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry()
	w, err := r.Register("a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	closeErr := fmt.Errorf("%w: %w", ErrTimeout, ErrClosed)
	assert.Equal(t, 1, r.Close(closeErr))

	_, err = w.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = r.Register("b", time.Now())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_ConcurrentResolveAndRemove(t *testing.T) {
	r := NewRegistry()
	const n = 200
	waits := make([]*PendingWait, n)
	for i := range waits {
		w, err := r.Register(fmt.Sprint(i), time.Now().Add(time.Minute))
		require.NoError(t, err)
		waits[i] = w
	}

	var wg sync.WaitGroup
	resolved := make([]bool, n)
	removed := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			resolved[i] = r.Resolve(envelope.Reply{ID: fmt.Sprint(i)})
		}(i)
		go func(i int) {
			defer wg.Done()
			removed[i] = r.Remove(fmt.Sprint(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NotEqual(t, resolved[i], removed[i], "id %d must have exactly one winner", i)
	}
	assert.Equal(t, 0, r.Len())
}

// 任意操作序列下，每个 ID 至多被完成一次，且注册表最终为空
func TestProperty_RegistrySingleWinner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("each id resolves or is removed exactly once", prop.ForAll(
		func(ops []int) bool {
			r := NewRegistry()
			const ids = 8
			waits := make(map[string]*PendingWait, ids)
			for i := 0; i < ids; i++ {
				id := fmt.Sprint(i)
				w, err := r.Register(id, time.Now().Add(time.Minute))
				if err != nil {
					return false
				}
				waits[id] = w
			}

			wins := make(map[string]int, ids)
			for _, op := range ops {
				id := fmt.Sprint(op % ids)
				var won bool
				if op%2 == 0 {
					won = r.Resolve(envelope.Reply{ID: id})
				} else {
					won = r.Remove(id)
				}
				if won {
					wins[id]++
				}
			}
			for id, n := range wins {
				if n != 1 {
					t.Logf("id %s won %d times", id, n)
					return false
				}
			}

			r.Close(ErrClosed)
			if r.Len() != 0 {
				return false
			}
			for _, w := range waits {
				select {
				case <-w.Done():
				default:
					// removed waits are never completed by the registry
					continue
				}
				if _, err := w.Result(); err != nil && !errors.Is(err, ErrClosed) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 63)),
	))

	properties.TestingRun(t)
}
