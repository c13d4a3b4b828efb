package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
	"github.com/BaSui01/inferq/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when no reply arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrClosed is returned by Send after Close. Waits that Close abandons
	// fail with an error matching both ErrTimeout and ErrClosed.
	ErrClosed = errors.New("producer is closed")
)

// Config configures a Producer.
type Config struct {
	// InputQueue receives requests (default: "inputs")
	InputQueue string `yaml:"input_queue" json:"input_queue"`
	// OutputQueue carries replies (default: "outputs")
	OutputQueue string `yaml:"output_queue" json:"output_queue"`
	// Timeout is the default wait for a reply (default: 2s)
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// IDField names the payload field the request id is stamped into; empty disables stamping (default: "uid")
	IDField string `yaml:"id_field" json:"id_field"`
	// Origin identifies this producer on requests (default: random)
	Origin string `yaml:"origin" json:"origin"`
	// PerOriginReplies listens on "<OutputQueue>.<Origin>" instead of the
	// shared OutputQueue (default: true). A zero Config uses the shared queue,
	// which only one producer may consume.
	PerOriginReplies bool `yaml:"per_origin_replies" json:"per_origin_replies"`
	// RateLimit bounds sends per second; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// Burst is the limiter bucket size (default: 1)
	Burst int `yaml:"burst" json:"burst"`
	// PollInterval bounds a single listener receive (default: 1s)
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// SweepInterval is how often expired waits are evicted (default: 1s)
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns the reference producer settings.
func DefaultConfig() Config {
	return Config{
		InputQueue:       "inputs",
		OutputQueue:      "outputs",
		Timeout:          2 * time.Second,
		IDField:          "uid",
		PerOriginReplies: true,
		Burst:            1,
		PollInterval:     time.Second,
		SweepInterval:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InputQueue == "" {
		c.InputQueue = d.InputQueue
	}
	if c.OutputQueue == "" {
		c.OutputQueue = d.OutputQueue
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Origin == "" {
		c.Origin = "producer-" + uuid.NewString()[:8]
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Option configures optional Producer collaborators.
type Option func(*Producer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Producer) { p.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Producer) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// Producer publishes requests and blocks each caller until the matching
// reply arrives or its deadline passes. It is safe for concurrent use.
type Producer struct {
	broker     broker.Broker
	config     Config
	replyQueue string
	registry   *Registry
	limiter    *rate.Limiter

	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New declares the queues, starts the reply listener and returns a ready
// Producer. The broker stays owned by the caller.
func New(ctx context.Context, b broker.Broker, config Config, opts ...Option) (*Producer, error) {
	if b == nil {
		return nil, errors.New("producer: broker is required")
	}
	config = config.withDefaults()

	p := &Producer{
		broker:     b,
		config:     config,
		replyQueue: envelope.ReplyQueue(config.OutputQueue, config.Origin, config.PerOriginReplies),
		registry:   NewRegistry(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/BaSui01/inferq/producer"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(
		zap.String("component", "producer"),
		zap.String("origin", config.Origin),
	)
	if config.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}

	if err := b.Declare(ctx, config.InputQueue); err != nil {
		return nil, fmt.Errorf("declare input queue: %w", err)
	}
	var err error
	if p.replyQueue == config.OutputQueue {
		err = b.Declare(ctx, p.replyQueue)
	} else {
		err = broker.DeclareReply(ctx, b, p.replyQueue)
	}
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.listen(listenCtx)

	p.logger.Info("producer started",
		zap.String("input_queue", config.InputQueue),
		zap.String("reply_queue", p.replyQueue),
		zap.Duration("timeout", config.Timeout))
	return p, nil
}

// Send publishes payload and waits for its reply with the configured timeout.
func (p *Producer) Send(ctx context.Context, payload envelope.Value) (envelope.Value, error) {
	return p.SendWithTimeout(ctx, payload, p.config.Timeout)
}

// SendWithTimeout is Send with an explicit timeout; timeout <= 0 uses the
// configured one.
func (p *Producer) SendWithTimeout(ctx context.Context, payload envelope.Value, timeout time.Duration) (envelope.Value, error) {
	if p.closed.Load() {
		return envelope.Null(), ErrClosed
	}
	if timeout <= 0 {
		timeout = p.config.Timeout
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return envelope.Null(), fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	req := envelope.NewRequest(payload, p.config.Origin)

	ctx, span := p.tracer.Start(ctx, "inferq.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.config.InputQueue),
			attribute.String("messaging.message.id", req.ID),
		))
	defer span.End()

	reply, err := p.roundTrip(ctx, req, start.Add(timeout))

	status := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
		err = fmt.Errorf("request %s after %s: %w", req.ID, timeout, err)
	case err != nil:
		status = "error"
	}
	p.metrics.RecordSend(status, time.Since(start))
	p.metrics.SetPending(p.registry.Len())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return envelope.Null(), err
	}
	return reply.Payload, nil
}

func (p *Producer) roundTrip(ctx context.Context, req envelope.Request, deadline time.Time) (envelope.Reply, error) {
	if field := p.config.IDField; field != "" && req.Payload.Kind() == envelope.KindObject {
		stamped, err := req.Payload.With(field, envelope.String(req.ID))
		if err != nil {
			return envelope.Reply{}, err
		}
		req.Payload = stamped
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		req.Meta = carrier
	}

	body, err := envelope.EncodeRequest(req)
	if err != nil {
		return envelope.Reply{}, err
	}

	// 先注册再发布，避免回复先于注册到达
	wait, err := p.registry.Register(req.ID, deadline)
	if err != nil {
		return envelope.Reply{}, err
	}
	p.metrics.SetPending(p.registry.Len())

	if err := p.broker.Publish(ctx, p.config.InputQueue, body); err != nil {
		p.registry.Remove(req.ID)
		return envelope.Reply{}, fmt.Errorf("publish request %s: %w", req.ID, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-wait.Done():
		return wait.Result()
	case <-timer.C:
		if p.registry.Remove(req.ID) {
			return envelope.Reply{}, ErrTimeout
		}
	case <-ctx.Done():
		if p.registry.Remove(req.ID) {
			return envelope.Reply{}, ctx.Err()
		}
	}
	// Remove lost: a resolution won the race and completes the wait.
	return wait.Result()
}

// Pending returns the number of requests waiting for a reply.
func (p *Producer) Pending() int {
	return p.registry.Len()
}

// Origin returns the producer's origin id.
func (p *Producer) Origin() string {
	return p.config.Origin
}

// ReplyQueue returns the queue the listener consumes.
func (p *Producer) ReplyQueue() string {
	return p.replyQueue
}

// Close stops the listener and fails outstanding waits. It does not close
// the broker.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		<-p.done
		n := p.registry.Close(fmt.Errorf("%w: %w", ErrTimeout, ErrClosed))
		p.metrics.SetPending(0)
		p.logger.Info("producer closed", zap.Int("abandoned", n))
	})
	return nil
}
