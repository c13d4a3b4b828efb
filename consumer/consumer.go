package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
	"github.com/BaSui01/inferq/internal/metrics"
	"github.com/BaSui01/inferq/internal/pool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("consumer is already running")
	// ErrHandlerPanic wraps a panic recovered from the handler.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrResultMismatch is returned when the handler result length differs
	// from the batch length.
	ErrResultMismatch = errors.New("handler result length mismatch")
)

// Handler processes one batch. The result must have the same length as
// payloads, element i answering payloads[i].
type Handler func(ctx context.Context, payloads []envelope.Value) ([]envelope.Value, error)

// State is a stage of the consumer loop.
type State int32

const (
	StateIdle State = iota
	StateWaitingForFirst
	StateCollectingWindow
	StateDispatching
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForFirst:
		return "waiting_for_first"
	case StateCollectingWindow:
		return "collecting_window"
	case StateDispatching:
		return "dispatching"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Consumer.
type Config struct {
	// InputQueue to drain (default: "inputs")
	InputQueue string `yaml:"input_queue" json:"input_queue"`
	// OutputQueue replies are published to (default: "outputs")
	OutputQueue string `yaml:"output_queue" json:"output_queue"`
	// PerOriginReplies routes each reply to "<OutputQueue>.<origin>" (default: true)
	PerOriginReplies bool `yaml:"per_origin_replies" json:"per_origin_replies"`
	// Window is how long a batch collects after its first message (default: 200ms)
	Window time.Duration `yaml:"window" json:"window"`
	// MaxBatchSize caps a batch (default: 8)
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// Concurrency is the number of batches handled at once (default: 4)
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// FirstWait bounds one idle receive (default: 5s)
	FirstWait time.Duration `yaml:"first_wait" json:"first_wait"`
	// ShutdownGrace bounds the drain of running batches (default: 15s)
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	// RequeueOnFailure nacks a failed batch with requeue; otherwise it stays
	// unacknowledged until the connection closes (default: true)
	RequeueOnFailure bool `yaml:"requeue_on_failure" json:"requeue_on_failure"`
	// MaxDeliveries dead-letters a failing message after this many attempts; 0 is unlimited
	MaxDeliveries int `yaml:"max_deliveries" json:"max_deliveries"`
}

// DefaultConfig returns the reference consumer settings.
func DefaultConfig() Config {
	return Config{
		InputQueue:       "inputs",
		OutputQueue:      "outputs",
		PerOriginReplies: true,
		Window:           200 * time.Millisecond,
		MaxBatchSize:     8,
		Concurrency:      4,
		FirstWait:        5 * time.Second,
		ShutdownGrace:    15 * time.Second,
		RequeueOnFailure: true,
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
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.FirstWait <= 0 {
		c.FirstWait = d.FirstWait
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.MaxDeliveries < 0 {
		c.MaxDeliveries = 0
	}
	return c
}

// Option configures optional Consumer collaborators.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Consumer drains the input queue into windowed batches and hands each
// batch to the handler on a bounded worker pool.
type Consumer struct {
	id      string
	broker  broker.Broker
	handler Handler
	config  Config

	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	state   atomic.Int32
	running atomic.Bool
	pool    atomic.Pointer[pool.WorkerPool]
}

// item is one admitted delivery with its decoded request.
type item struct {
	delivery *broker.Delivery
	request  envelope.Request
}

// New creates a Consumer. The broker stays owned by the caller.
func New(b broker.Broker, handler Handler, config Config, opts ...Option) (*Consumer, error) {
	if b == nil {
		return nil, errors.New("consumer: broker is required")
	}
	if handler == nil {
		return nil, errors.New("consumer: handler is required")
	}

	c := &Consumer{
		id:      "consumer-" + uuid.NewString()[:8],
		broker:  b,
		handler: handler,
		config:  config.withDefaults(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/BaSui01/inferq/consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		zap.String("component", "consumer"),
		zap.String("consumer_id", c.id),
	)
	return c, nil
}

// ID returns the consumer's instance id.
func (c *Consumer) ID() string { return c.id }

// State returns the current loop state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Stats returns the dispatch pool statistics; zero before Run.
func (c *Consumer) Stats() pool.Stats {
	if p := c.pool.Load(); p != nil {
		return p.Stats()
	}
	return pool.Stats{}
}

// Run consumes until ctx is cancelled or the broker is closed. On
// cancellation a partially collected batch is requeued and running batches
// get ShutdownGrace to finish before Run returns.
func (c *Consumer) Run(ctx context.Context) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := c.broker.Declare(ctx, c.config.InputQueue); err != nil {
		c.running.Store(false)
		return fmt.Errorf("declare input queue: %w", err)
	}
	if err := c.broker.Declare(ctx, c.config.OutputQueue); err != nil {
		c.running.Store(false)
		return fmt.Errorf("declare output queue: %w", err)
	}

	workers := pool.New(pool.Config{
		MaxWorkers: c.config.Concurrency,
		PanicHandler: func(r any) {
			c.logger.Error("dispatch task panicked", zap.Any("panic", r))
		},
	})
	c.pool.Store(workers)

	c.logger.Info("consumer started",
		zap.String("input_queue", c.config.InputQueue),
		zap.String("output_queue", c.config.OutputQueue),
		zap.Duration("window", c.config.Window),
		zap.Int("max_batch_size", c.config.MaxBatchSize),
		zap.Int("concurrency", c.config.Concurrency))

	defer func() {
		c.setState(StateShuttingDown)
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ShutdownGrace)
		defer cancel()
		if drainErr := workers.Shutdown(graceCtx); drainErr != nil {
			c.logger.Warn("shutdown grace expired, running batches cancelled", zap.Error(drainErr))
			err = errors.Join(err, fmt.Errorf("drain dispatch pool: %w", drainErr))
		}
		stats := workers.Stats()
		c.logger.Info("consumer stopped",
			zap.Int64("batches", stats.Submitted),
			zap.Int64("failed", stats.Failed))
	}()

	for {
		batch, err := c.collect(ctx)
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			c.release(ctx, batch)
			return nil
		}
		if err != nil {
			c.release(ctx, batch)
			return err
		}
		if len(batch) == 0 {
			continue
		}

		c.setState(StateDispatching)
		if err := workers.Submit(ctx, func(taskCtx context.Context) error {
			return c.dispatch(taskCtx, batch)
		}); err != nil {
			c.setState(StateShuttingDown)
			c.release(ctx, batch)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit batch: %w", err)
		}
	}
}

// release requeues deliveries that were collected but never dispatched.
func (c *Consumer) release(ctx context.Context, batch []item) {
	if len(batch) == 0 {
		return
	}
	settleCtx := context.WithoutCancel(ctx)
	for _, it := range batch {
		if err := c.broker.Nack(settleCtx, it.delivery, true); err != nil {
			c.logger.Warn("requeue undispatched delivery failed",
				zap.String("delivery", it.delivery.ID), zap.Error(err))
			continue
		}
		c.metrics.RecordDelivery("requeued")
	}
	c.logger.Info("requeued partial batch", zap.Int("size", len(batch)))
}
