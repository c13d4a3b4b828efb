package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/inferq/envelope"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// dispatch runs the handler once for batch and settles every delivery.
func (c *Consumer) dispatch(ctx context.Context, batch []item) error {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "inferq.batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithLinks(requestLinks(batch)...),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.config.InputQueue),
			attribute.Int("messaging.batch.message_count", len(batch)),
		))
	defer span.End()

	payloads := make([]envelope.Value, len(batch))
	for i, it := range batch {
		payloads[i] = it.request.Payload
	}

	results, err := c.invoke(ctx, payloads)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("%w: %d results for %d requests", ErrResultMismatch, len(results), len(batch))
	}

	// 处理函数已返回，结算不再受取消影响
	settleCtx := context.WithoutCancel(ctx)

	if err != nil {
		c.logger.Error("batch handler failed",
			zap.Int("size", len(batch)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.metrics.RecordBatch("failed", len(batch), time.Since(start))
		c.settleFailed(settleCtx, batch)
		return err
	}

	c.metrics.RecordBatch("ok", len(batch), time.Since(start))
	for i, it := range batch {
		c.reply(settleCtx, it, results[i])
	}
	c.logger.Debug("batch done",
		zap.Int("size", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// invoke calls the handler, turning a panic into ErrHandlerPanic.
func (c *Consumer) invoke(ctx context.Context, payloads []envelope.Value) (results []envelope.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.handler(ctx, payloads)
}

// reply publishes the answer to it and then acks its delivery. A failed
// publish requeues only this delivery.
func (c *Consumer) reply(ctx context.Context, it item, payload envelope.Value) {
	d := it.delivery
	queue := envelope.ReplyQueue(c.config.OutputQueue, it.request.Origin, c.config.PerOriginReplies)

	body, err := envelope.EncodeReply(it.request.Reply(payload))
	if err == nil {
		err = c.broker.Publish(ctx, queue, body)
	}
	if err != nil {
		c.logger.Warn("publish reply failed, requeueing request",
			zap.String("id", it.request.ID),
			zap.String("queue", queue),
			zap.Error(err))
		if nackErr := c.broker.Nack(ctx, d, true); nackErr != nil {
			c.logger.Warn("requeue failed", zap.String("delivery", d.ID), zap.Error(nackErr))
			return
		}
		c.metrics.RecordDelivery("requeued")
		return
	}

	if err := c.broker.Ack(ctx, d); err != nil {
		c.logger.Warn("ack request failed",
			zap.String("id", it.request.ID),
			zap.String("delivery", d.ID),
			zap.Error(err))
		return
	}
	c.metrics.RecordDelivery("acked")
}

// settleFailed applies the failure policy to every delivery of a failed batch.
func (c *Consumer) settleFailed(ctx context.Context, batch []item) {
	for _, it := range batch {
		d := it.delivery
		var (
			action string
			err    error
		)
		switch {
		case c.config.MaxDeliveries > 0 && d.Attempt >= c.config.MaxDeliveries:
			action = "dead_lettered"
			err = c.broker.Nack(ctx, d, false)
		case c.config.RequeueOnFailure:
			action = "requeued"
			err = c.broker.Nack(ctx, d, true)
		default:
			// 保持未确认，连接关闭后由 broker 重新投递
			c.metrics.RecordDelivery("unacked")
			continue
		}
		if err != nil {
			c.logger.Warn("settle failed delivery",
				zap.String("delivery", d.ID),
				zap.String("action", action),
				zap.Error(err))
			continue
		}
		if action == "dead_lettered" {
			c.logger.Warn("dead-lettering request",
				zap.String("id", it.request.ID),
				zap.Int("attempt", d.Attempt))
		}
		c.metrics.RecordDelivery(action)
	}
}

// requestLinks links the batch span to the spans that sent its requests.
func requestLinks(batch []item) []trace.Link {
	propagator := otel.GetTextMapPropagator()
	var links []trace.Link
	for _, it := range batch {
		if len(it.request.Meta) == 0 {
			continue
		}
		sc := trace.SpanContextFromContext(
			propagator.Extract(context.Background(), propagation.MapCarrier(it.request.Meta)))
		if sc.IsValid() {
			links = append(links, trace.Link{
				SpanContext: sc,
				Attributes:  []attribute.KeyValue{attribute.String("messaging.message.id", it.request.ID)},
			})
		}
	}
	return links
}
