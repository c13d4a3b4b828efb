package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
	"github.com/BaSui01/inferq/internal/metrics"
	"github.com/BaSui01/inferq/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// testConfig 使用共享回复队列，便于测试直接向 OutputQueue 投递回复
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PerOriginReplies = false
	cfg.PollInterval = 20 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	return cfg
}

func newTestProducer(t *testing.T, b broker.Broker, cfg Config, opts ...Option) *Producer {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	p, err := New(testutil.TestContext(t), b, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// failingBroker 发布总是失败
type failingBroker struct {
	broker.Broker
}

func (f failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("publish refused")
}

// =============================================================================
// 🎯 往返测试
// =============================================================================

func TestProducer_EchoRoundTrip(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)

	reply, err := p.Send(testutil.TestContext(t), envelope.MustFromAny(map[string]any{"foo": "baa"}))
	require.NoError(t, err)

	foo, ok := reply.Get("foo")
	require.True(t, ok)
	assert.True(t, envelope.String("baa").Equal(foo))

	uid, ok := reply.Get("uid")
	require.True(t, ok, "request id is stamped into the payload")
	s, ok := uid.AsString()
	require.True(t, ok)
	assert.NotEmpty(t, s)
	assert.Equal(t, 0, p.Pending())
}

func TestProducer_NonObjectPayloadUnchanged(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)

	ctx := testutil.TestContext(t)
	for _, payload := range []envelope.Value{
		envelope.Int(42),
		envelope.String("hello"),
		envelope.Array(envelope.Int(1), envelope.Int(2)),
		envelope.Null(),
	} {
		reply, err := p.Send(ctx, payload)
		require.NoError(t, err)
		assert.True(t, payload.Equal(reply), "want %s, got %s", payload, reply)
	}
}

func TestProducer_IDFieldDisabled(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	cfg.IDField = ""
	p := newTestProducer(t, srv.Connect(), cfg)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)

	reply, err := p.Send(testutil.TestContext(t), envelope.MustFromAny(map[string]any{"a": 1}))
	require.NoError(t, err)
	_, ok := reply.Get("uid")
	assert.False(t, ok)
}

func TestProducer_ConcurrentSends(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)

	ctx := testutil.TestContext(t)
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := p.Send(ctx, envelope.MustFromAny(map[string]any{"n": i}))
			if err != nil {
				errs <- err
				return
			}
			got, _ := reply.Get("n")
			if v, _ := got.AsInt(); v != int64(i) {
				errs <- fmt.Errorf("send %d got reply for %d", i, v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, p.Pending())
}

// =============================================================================
// ⏱️ 超时与取消
// =============================================================================

func TestProducer_Timeout(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	p := newTestProducer(t, srv.Connect(), cfg, WithMetrics(metrics.NewCollector("inferq", reg, nil)))

	start := time.Now()
	_, err := p.SendWithTimeout(testutil.TestContext(t), envelope.MustFromAny(map[string]any{"foo": "baa"}), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 1.0, counterValue(t, reg, "inferq_sends_total", "status", "timeout"))
}

func TestProducer_LateReplyDiscarded(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg)
	worker := testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false)
	worker.Delay = 150 * time.Millisecond
	worker.Start(t)

	ctx := testutil.TestContext(t)
	_, err := p.SendWithTimeout(ctx, envelope.Int(1), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	testutil.AssertEventuallyTrue(t, func() bool { return worker.Handled() == 1 }, 2*time.Second)

	reply, err := p.SendWithTimeout(ctx, envelope.Int(2), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, envelope.Int(2).Equal(reply), "late reply must not satisfy a newer request")
	assert.Equal(t, 0, p.Pending())
}

func TestProducer_ContextCancel(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	p := newTestProducer(t, srv.Connect(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.SendWithTimeout(ctx, envelope.Int(1), 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, p.Pending())
}

func TestProducer_PublishFailure(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	p := newTestProducer(t, failingBroker{srv.Connect()}, testConfig())

	_, err := p.Send(testutil.TestContext(t), envelope.Int(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish refused")
	assert.Equal(t, 0, p.Pending())
}

// =============================================================================
// 📨 回复监听
// =============================================================================

func TestProducer_IgnoresOrphanAndMalformedReplies(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	p := newTestProducer(t, srv.Connect(), cfg, WithMetrics(metrics.NewCollector("inferq", reg, nil)))

	ctx := testutil.TestContext(t)
	raw := srv.Connect()
	orphan, err := envelope.EncodeReply(envelope.Reply{ID: "nobody-waits", Payload: envelope.Int(1)})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(ctx, cfg.OutputQueue, orphan))
	require.NoError(t, raw.Publish(ctx, cfg.OutputQueue, []byte("not json")))
	require.NoError(t, raw.Publish(ctx, cfg.OutputQueue, []byte(`{"payload":1}`)))

	testutil.AssertEventuallyTrue(t, func() bool {
		return srv.Depth(cfg.OutputQueue) == 0
	}, 2*time.Second)

	// 监听协程仍在工作
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)
	reply, err := p.Send(ctx, envelope.String("still alive"))
	require.NoError(t, err)
	assert.True(t, envelope.String("still alive").Equal(reply))

	assert.Equal(t, 1.0, counterValue(t, reg, "inferq_replies_total", "outcome", "orphan"))
	assert.Equal(t, 2.0, counterValue(t, reg, "inferq_replies_total", "outcome", "malformed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "inferq_replies_total", "outcome", "matched"))
}

func TestProducer_DuplicateReplyIgnored(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg)

	// 每个请求回复两次
	ctx := testutil.TestContext(t)
	worker := srv.Connect()
	go func() {
		for {
			d, err := worker.Receive(ctx, cfg.InputQueue, 0)
			if err != nil {
				return
			}
			req, err := envelope.DecodeRequest(d.Body)
			if err != nil {
				return
			}
			body, _ := envelope.EncodeReply(req.Reply(req.Payload))
			_ = worker.Publish(ctx, cfg.OutputQueue, body)
			_ = worker.Publish(ctx, cfg.OutputQueue, body)
			_ = worker.Ack(ctx, d)
		}
	}()

	for i := 0; i < 3; i++ {
		reply, err := p.Send(ctx, envelope.Int(int64(i)))
		require.NoError(t, err)
		assert.True(t, envelope.Int(int64(i)).Equal(reply))
	}
	assert.Equal(t, 0, p.Pending())
}

func TestProducer_PerOriginReplies(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	cfg.PerOriginReplies = true

	cfgA, cfgB := cfg, cfg
	cfgA.Origin, cfgB.Origin = "alpha", "beta"
	pa := newTestProducer(t, srv.Connect(), cfgA)
	pb := newTestProducer(t, srv.Connect(), cfgB)
	assert.Equal(t, "outputs.alpha", pa.ReplyQueue())
	assert.Equal(t, "outputs.beta", pb.ReplyQueue())
	assert.Equal(t, "alpha", pa.Origin())

	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, true).Start(t)

	ctx := testutil.TestContext(t)
	var wg sync.WaitGroup
	for _, p := range []*Producer{pa, pb} {
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			reply, err := p.Send(ctx, envelope.String(p.Origin()))
			assert.NoError(t, err)
			assert.True(t, envelope.String(p.Origin()).Equal(reply))
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 0, srv.Depth("outputs"))
}

func TestProducer_DefaultConfigServesSeveralProducers(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond

	producers := []*Producer{
		newTestProducer(t, srv.Connect(), cfg),
		newTestProducer(t, srv.Connect(), cfg),
	}
	require.NotEqual(t, producers[0].ReplyQueue(), producers[1].ReplyQueue())
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, cfg.PerOriginReplies).Start(t)

	ctx := testutil.TestContext(t)
	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := producers[i%2]
			reply, err := p.Send(ctx, envelope.MustFromAny(map[string]any{"n": i}))
			if err != nil {
				errs <- fmt.Errorf("send %d via %s: %w", i, p.Origin(), err)
				return
			}
			got, _ := reply.Get("n")
			if v, _ := got.AsInt(); v != int64(i) {
				errs <- fmt.Errorf("send %d got reply for %d", i, v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, srv.Depth(cfg.OutputQueue))
}

func TestProducer_SharedQueueCountsForeignReplies(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	cfg.Origin = "alpha"
	reg := prometheus.NewRegistry()
	newTestProducer(t, srv.Connect(), cfg, WithMetrics(metrics.NewCollector("inferq", reg, nil)))

	body, err := envelope.EncodeReply(envelope.Reply{ID: "for-beta", Origin: "beta", Payload: envelope.Int(1)})
	require.NoError(t, err)
	require.NoError(t, srv.Connect().Publish(testutil.TestContext(t), cfg.OutputQueue, body))

	testutil.AssertEventuallyTrue(t, func() bool {
		return counterValue(t, reg, "inferq_replies_total", "outcome", "foreign") == 1
	}, 2*time.Second)
	assert.Zero(t, counterValue(t, reg, "inferq_replies_total", "outcome", "orphan"))
}

// =============================================================================
// 🔒 关闭
// =============================================================================

func TestProducer_CloseFailsOutstandingWaits(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	p, err := New(testutil.TestContext(t), srv.Connect(), testConfig())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.SendWithTimeout(context.Background(), envelope.Int(1), 10*time.Second)
		errCh <- err
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return p.Pending() == 1 }, 2*time.Second)

	require.NoError(t, p.Close())
	err, ok := testutil.WaitForChannel(errCh, 2*time.Second)
	require.True(t, ok, "send did not return after Close")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = p.Send(context.Background(), envelope.Int(2))
	assert.ErrorIs(t, err, ErrClosed)

	// 重复关闭无害
	assert.NoError(t, p.Close())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), nil, DefaultConfig())
	assert.Error(t, err)

	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := DefaultConfig()
	cfg.InputQueue = "   "
	_, err = New(context.Background(), srv.Connect(), cfg)
	assert.ErrorIs(t, err, broker.ErrInvalidQueue)
}

// replyDeclareRecorder 记录私有回复队列的声明
type replyDeclareRecorder struct {
	broker.Broker
	mu      sync.Mutex
	replies []string
}

func (r *replyDeclareRecorder) DeclareReply(ctx context.Context, queue string) error {
	r.mu.Lock()
	r.replies = append(r.replies, queue)
	r.mu.Unlock()
	return r.Broker.Declare(ctx, queue)
}

func (r *replyDeclareRecorder) declared() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func TestNew_DeclaresPrivateReplyQueue(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)

	private := &replyDeclareRecorder{Broker: srv.Connect()}
	cfg := testConfig()
	cfg.PerOriginReplies = true
	cfg.Origin = "alpha"
	newTestProducer(t, private, cfg)
	assert.Equal(t, []string{"outputs.alpha"}, private.declared())

	shared := &replyDeclareRecorder{Broker: srv.Connect()}
	newTestProducer(t, shared, testConfig())
	assert.Empty(t, shared.declared(), "the shared output queue is declared like any other queue")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "inputs", cfg.InputQueue)
	assert.Equal(t, "outputs", cfg.OutputQueue)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Regexp(t, `^producer-[0-9a-f]{8}$`, cfg.Origin)
	assert.Equal(t, 1, cfg.Burst)
	assert.False(t, cfg.PerOriginReplies, "zero config shares the output queue")
	assert.True(t, DefaultConfig().PerOriginReplies)
}

// =============================================================================
// 🚦 限流与追踪
// =============================================================================

func TestProducer_RateLimit(t *testing.T) {
	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	cfg.RateLimit = 20
	cfg.Burst = 1
	p := newTestProducer(t, srv.Connect(), cfg)
	testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false).Start(t)

	ctx := testutil.TestContext(t)
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := p.Send(ctx, envelope.Int(int64(i)))
		require.NoError(t, err)
	}
	// 突发 1，之后每 50ms 一个令牌
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)

	_, err := p.Send(testutil.CancelledContext(), envelope.Int(9))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProducer_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := broker.NewMemoryServer(0, 0, nil)
	cfg := testConfig()
	p := newTestProducer(t, srv.Connect(), cfg, WithTracer(tp.Tracer("test")))

	worker := testutil.NewEchoWorker(srv.Connect(), cfg.InputQueue, cfg.OutputQueue, false)
	worker.Transform = func(req envelope.Request) envelope.Value {
		return envelope.String(req.Meta["traceparent"])
	}
	worker.Start(t)

	reply, err := p.Send(testutil.TestContext(t), envelope.Int(1))
	require.NoError(t, err)
	traceparent, _ := reply.AsString()
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, traceparent)
}
