package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/envelope"
)

// EchoWorker 是一个最小的回复方：从输入队列取请求，
// 把负载原样发布到请求方的回复队列。
type EchoWorker struct {
	b         broker.Broker
	input     string
	output    string
	perOrigin bool

	// Transform 在回复前改写负载，为 nil 时原样返回
	Transform func(envelope.Request) envelope.Value
	// Delay 在回复前等待
	Delay time.Duration

	handled atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEchoWorker 创建回显工作者，调用 Start 后开始消费
func NewEchoWorker(b broker.Broker, input, output string, perOrigin bool) *EchoWorker {
	return &EchoWorker{b: b, input: input, output: output, perOrigin: perOrigin}
}

// Start 启动消费协程，测试结束时自动停止
func (w *EchoWorker) Start(t *testing.T) *EchoWorker {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx, t)
	t.Cleanup(w.Stop)
	return w
}

// Stop 停止消费协程
func (w *EchoWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Handled 返回已回复的请求数
func (w *EchoWorker) Handled() int64 {
	return w.handled.Load()
}

func (w *EchoWorker) run(ctx context.Context, t *testing.T) {
	defer w.wg.Done()

	for ctx.Err() == nil {
		d, err := w.b.Receive(ctx, w.input, 50*time.Millisecond)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) {
				continue
			}
			return
		}
		req, err := envelope.DecodeRequest(d.Body)
		if err != nil {
			t.Logf("echo worker: drop malformed request: %v", err)
			_ = w.b.Ack(ctx, d)
			continue
		}

		if w.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Delay):
			}
		}

		payload := req.Payload
		if w.Transform != nil {
			payload = w.Transform(req)
		}
		body, err := envelope.EncodeReply(req.Reply(payload))
		if err != nil {
			t.Logf("echo worker: encode reply: %v", err)
			continue
		}
		queue := envelope.ReplyQueue(w.output, req.Origin, w.perOrigin)
		if err := w.b.Publish(ctx, queue, body); err != nil {
			return
		}
		_ = w.b.Ack(ctx, d)
		w.handled.Add(1)
	}
}
