package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/inferq/envelope"
	"github.com/BaSui01/inferq/producer"
)

const defaultPayload = `{"foo":"baa"}`

// =============================================================================
// 📤 send 命令
// =============================================================================

type sendFlags struct {
	payload  string
	count    int
	interval time.Duration
}

func (f *sendFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.payload, "payload", defaultPayload, "Request payload as JSON")
	fs.IntVar(&f.count, "count", 36, "Number of requests to send")
	fs.DurationVar(&f.interval, "interval", 0, "Pause between requests")
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	var sf sendFlags
	sf.register(fs)
	_ = fs.Parse(args)

	payload, err := parsePayload(sf.payload)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, "producer")
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.newProducer(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	res := sendRequests(ctx, p, payload, sf.count, sf.interval, os.Stdout)
	a.logger.Info("send finished",
		zap.Int("ok", res.ok),
		zap.Int("timeouts", res.timeouts),
		zap.Int("failed", res.failed))
	return nil
}

// =============================================================================
// 🎬 demo 命令
// =============================================================================

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	handlerName := fs.String("handler", "sleep-echo", "Built-in handler: echo, sleep-echo")
	delay := fs.Duration("delay", 50*time.Millisecond, "Per-batch delay for sleep-echo")
	var sf sendFlags
	sf.register(fs)
	_ = fs.Parse(args)

	payload, err := parsePayload(sf.payload)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, "demo")
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.demo(ctx, *handlerName, *delay, payload, sf, os.Stdout)
	if err != nil {
		return err
	}
	a.logger.Info("demo finished",
		zap.Int("ok", res.ok),
		zap.Int("timeouts", res.timeouts),
		zap.Int("failed", res.failed))
	return nil
}

// demo 启动消费者与运维服务器，发送完成后取消它们并等待排空
func (a *app) demo(ctx context.Context, handlerName string, delay time.Duration, payload envelope.Value, sf sendFlags, out io.Writer) (sendResult, error) {
	handler, err := newHandler(handlerName, delay, a.cfg.Producer.IDField, a.logger)
	if err != nil {
		return sendResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if err := a.startConsumer(gctx, g, handler); err != nil {
		return sendResult{}, err
	}
	a.startOps(gctx, g)

	p, err := a.newProducer(ctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		return sendResult{}, err
	}
	res := sendRequests(gctx, p, payload, sf.count, sf.interval, out)
	_ = p.Close()

	cancel()
	return res, g.Wait()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (a *app) newProducer(ctx context.Context) (*producer.Producer, error) {
	p, err := producer.New(ctx, a.broker, a.cfg.ForProducer(),
		producer.WithLogger(a.logger),
		producer.WithMetrics(a.metrics),
		producer.WithTracer(a.otel.Tracer("github.com/BaSui01/inferq/producer")),
	)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return p, nil
}

func parsePayload(raw string) (envelope.Value, error) {
	var v envelope.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return envelope.Value{}, fmt.Errorf("invalid --payload: %w", err)
	}
	return v, nil
}

// sendResult 统计一次 send 的结果
type sendResult struct {
	ok       int
	timeouts int
	failed   int
}

// sendRequests 顺序发送 count 个请求并把每个结果写到 out。
// 超时只记录并继续，ctx 结束时提前返回。
func sendRequests(ctx context.Context, p *producer.Producer, payload envelope.Value, count int, interval time.Duration, out io.Writer) sendResult {
	var res sendResult
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(interval):
			}
		}

		fmt.Fprintf(out, "sending %s\n", payload)
		reply, err := p.Send(ctx, payload)
		switch {
		case err == nil:
			res.ok++
			fmt.Fprintf(out, "received %s\n", reply)
		case errors.Is(err, producer.ErrTimeout):
			res.timeouts++
			fmt.Fprintln(out, "timeout")
		case ctx.Err() != nil:
			return res
		default:
			res.failed++
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return res
}
