package producer

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
	"go.uber.org/zap"
)

const (
	listenBackoffMin = 100 * time.Millisecond
	listenBackoffMax = 5 * time.Second
)

// listen drains the reply queue for the producer's lifetime.
func (p *Producer) listen(ctx context.Context) {
	defer close(p.done)

	backoff := listenBackoffMin
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if now := time.Now(); now.Sub(lastSweep) >= p.config.SweepInterval {
			if n := p.registry.Sweep(now); n > 0 {
				p.logger.Debug("swept expired waits", zap.Int("count", n))
				p.metrics.SetPending(p.registry.Len())
			}
			lastSweep = now
		}

		d, err := p.broker.Receive(ctx, p.replyQueue, p.config.PollInterval)
		switch {
		case err == nil:
			backoff = listenBackoffMin
			p.handleReply(ctx, d)
		case errors.Is(err, broker.ErrNoMessage):
			backoff = listenBackoffMin
		case ctx.Err() != nil:
			return
		case errors.Is(err, broker.ErrClosed):
			p.logger.Warn("broker closed, reply listener stopped")
			return
		default:
			p.logger.Error("receive reply failed",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > listenBackoffMax {
				backoff = listenBackoffMax
			}
		}
	}
}

// handleReply acks the delivery and resolves the matching wait, if any.
func (p *Producer) handleReply(ctx context.Context, d *broker.Delivery) {
	if err := p.broker.Ack(ctx, d); err != nil {
		p.logger.Warn("ack reply failed", zap.String("delivery", d.ID), zap.Error(err))
	}

	reply, err := envelope.DecodeReply(d.Body)
	if err != nil {
		p.logger.Warn("dropping malformed reply", zap.String("delivery", d.ID), zap.Error(err))
		p.metrics.RecordReply("malformed")
		return
	}

	if p.registry.Resolve(reply) {
		p.metrics.RecordReply("matched")
		return
	}
	if reply.Origin != "" && reply.Origin != p.config.Origin {
		// Another producer shares this queue and its wait can now only time out.
		p.logger.Warn("discarding reply for another origin; enable per-origin replies when producers share an output queue",
			zap.String("id", reply.ID),
			zap.String("origin", reply.Origin),
			zap.String("queue", p.replyQueue))
		p.metrics.RecordReply("foreign")
		return
	}
	p.logger.Debug("discarding orphan reply", zap.String("id", reply.ID))
	p.metrics.RecordReply("orphan")
}
