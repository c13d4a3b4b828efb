package broker

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/inferq/internal/retry"
	"go.uber.org/zap"
)

// RetryingBroker retries transient failures of the wrapped broker with
// exponential backoff. Timeouts (ErrNoMessage), closed connections,
// unknown deliveries and context errors are returned as they are.
type RetryingBroker struct {
	inner    Broker
	retryers map[string]retry.Retryer
}

// RetryObserver is told about every retry, keyed by operation name.
type RetryObserver func(op string)

var retriedOps = []string{"declare", "publish", "receive", "ack", "nack"}

// NewRetryingBroker wraps inner. observe may be nil.
func NewRetryingBroker(inner Broker, policy retry.Policy, logger *zap.Logger, observe RetryObserver) *RetryingBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "retrying_broker"))

	b := &RetryingBroker{
		inner:    inner,
		retryers: make(map[string]retry.Retryer, len(retriedOps)),
	}
	for _, op := range retriedOps {
		op := op
		p := policy
		p.Retryable = IsTransient
		if observe != nil {
			p.OnRetry = func(int, error, time.Duration) { observe(op) }
		}
		b.retryers[op] = retry.NewBackoffRetryer(p, logger.With(zap.String("op", op)))
	}
	return b
}

// Unwrap returns the wrapped broker.
func (b *RetryingBroker) Unwrap() Broker {
	return b.inner
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrNoMessage),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrUnknownDelivery),
		errors.Is(err, ErrInvalidQueue),
		errors.Is(err, ErrUnsupportedType),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Declare implements Broker.
func (b *RetryingBroker) Declare(ctx context.Context, queue string) error {
	return b.retryers["declare"].Do(ctx, func() error { return b.inner.Declare(ctx, queue) })
}

// DeclareReply implements ReplyDeclarer for the wrapped broker.
func (b *RetryingBroker) DeclareReply(ctx context.Context, queue string) error {
	return b.retryers["declare"].Do(ctx, func() error { return DeclareReply(ctx, b.inner, queue) })
}

// Publish implements Broker.
func (b *RetryingBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.retryers["publish"].Do(ctx, func() error { return b.inner.Publish(ctx, queue, body) })
}

// Receive implements Broker.
func (b *RetryingBroker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	return retry.DoValue(ctx, b.retryers["receive"], func() (*Delivery, error) {
		return b.inner.Receive(ctx, queue, timeout)
	})
}

// Ack implements Broker.
func (b *RetryingBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.retryers["ack"].Do(ctx, func() error { return b.inner.Ack(ctx, d) })
}

// Nack implements Broker.
func (b *RetryingBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	return b.retryers["nack"].Do(ctx, func() error { return b.inner.Nack(ctx, d, requeue) })
}

// Ping implements Broker. Health checks are not retried.
func (b *RetryingBroker) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// Close implements Broker.
func (b *RetryingBroker) Close() error {
	return b.inner.Close()
}
