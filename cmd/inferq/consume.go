package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/inferq/consumer"
)

// =============================================================================
// 📥 consume 命令
// =============================================================================

func runConsume(args []string) error {
	fs := flag.NewFlagSet("consume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	handlerName := fs.String("handler", "echo", "Built-in handler: echo, sleep-echo")
	delay := fs.Duration("delay", 50*time.Millisecond, "Per-batch delay for sleep-echo")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, "consumer")
	if err != nil {
		return err
	}
	defer a.close()

	handler, err := newHandler(*handlerName, *delay, cfg.Producer.IDField, a.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startConsumer(gctx, g, handler); err != nil {
		return err
	}
	a.startOps(gctx, g)
	return g.Wait()
}

// startConsumer 创建消费者并在 errgroup 中运行
func (a *app) startConsumer(ctx context.Context, g *errgroup.Group, handler consumer.Handler) error {
	c, err := consumer.New(a.broker, handler, a.cfg.ForConsumer(),
		consumer.WithLogger(a.logger),
		consumer.WithMetrics(a.metrics),
		consumer.WithTracer(a.otel.Tracer("github.com/BaSui01/inferq/consumer")),
	)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	g.Go(func() error {
		if err := c.Run(ctx); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	return nil
}

// startOps 在 errgroup 中运行运维服务器；未启用指标时跳过
func (a *app) startOps(ctx context.Context, g *errgroup.Group) {
	ops := a.opsServer()
	if ops == nil {
		return
	}
	g.Go(func() error {
		if err := ops.Run(ctx); err != nil {
			a.logger.Error("ops server stopped", zap.Error(err))
			return err
		}
		return nil
	})
}
