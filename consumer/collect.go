package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
	"go.uber.org/zap"
)

const (
	receiveBackoffMin = 100 * time.Millisecond
	receiveBackoffMax = 5 * time.Second
)

// collect blocks for the first request, then gathers more until the window
// closes or the batch is full. Items already collected are returned with
// any error so the caller can requeue them.
func (c *Consumer) collect(ctx context.Context) ([]item, error) {
	c.setState(StateWaitingForFirst)

	first, err := c.awaitFirst(ctx)
	if err != nil || first == nil {
		return nil, err
	}
	batch := make([]item, 0, c.config.MaxBatchSize)
	batch = append(batch, *first)

	c.setState(StateCollectingWindow)
	windowEnd := time.Now().Add(c.config.Window)

	for len(batch) < c.config.MaxBatchSize {
		left := time.Until(windowEnd)
		if left <= 0 {
			break
		}
		d, err := c.broker.Receive(ctx, c.config.InputQueue, left)
		if errors.Is(err, broker.ErrNoMessage) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return batch, nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return batch, fmt.Errorf("receive: %w", err)
			}
			// 窗口内的错误只截断本批次
			c.logger.Warn("receive during window failed", zap.Error(err))
			break
		}
		if it, ok := c.admit(ctx, d); ok {
			batch = append(batch, it)
		}
	}
	return batch, nil
}

// awaitFirst long-polls until a well-formed request arrives. It returns
// nil without error when ctx ends.
func (c *Consumer) awaitFirst(ctx context.Context) (*item, error) {
	backoff := receiveBackoffMin
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		d, err := c.broker.Receive(ctx, c.config.InputQueue, c.config.FirstWait)
		switch {
		case err == nil:
			backoff = receiveBackoffMin
			if it, ok := c.admit(ctx, d); ok {
				return &it, nil
			}
		case errors.Is(err, broker.ErrNoMessage):
			backoff = receiveBackoffMin
		case ctx.Err() != nil:
			return nil, nil
		case errors.Is(err, broker.ErrClosed):
			return nil, fmt.Errorf("receive: %w", err)
		default:
			c.logger.Error("receive request failed",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > receiveBackoffMax {
				backoff = receiveBackoffMax
			}
		}
	}
}

// admit decodes d. Malformed requests are acked and dropped.
func (c *Consumer) admit(ctx context.Context, d *broker.Delivery) (item, bool) {
	req, err := envelope.DecodeRequest(d.Body)
	if err != nil {
		c.logger.Warn("dropping malformed request",
			zap.String("delivery", d.ID),
			zap.Error(err))
		if ackErr := c.broker.Ack(context.WithoutCancel(ctx), d); ackErr != nil {
			c.logger.Warn("ack malformed request failed", zap.String("delivery", d.ID), zap.Error(ackErr))
		}
		c.metrics.RecordDelivery("malformed")
		return item{}, false
	}
	return item{delivery: d, request: req}, true
}
