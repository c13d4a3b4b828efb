package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/config"
	"github.com/BaSui01/inferq/internal/metrics"
	"github.com/BaSui01/inferq/internal/server"
	"github.com/BaSui01/inferq/internal/telemetry"
)

// =============================================================================
// 🧩 运行时依赖
// =============================================================================

// app 持有一次子命令运行所需的公共依赖
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	broker   broker.Broker
	registry *prometheus.Registry
	metrics  *metrics.Collector
	otel     *telemetry.Providers
}

// loadConfig 按 默认值 → 文件 → 环境变量 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp 初始化日志、遥测、指标与 broker。role 用于日志与遥测实例标识
func newApp(ctx context.Context, cfg *config.Config, role string) (*app, error) {
	logger := initLogger(cfg.Log).With(zap.String("role", role))
	logger.Info("starting inferq",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("broker", cfg.Broker.Type),
	)

	a := &app{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, role, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	a.otel = providers

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.registry, logger)
	}

	b, err := broker.Open(ctx, cfg.ForBroker(), logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open broker: %w", err)
	}
	if policy, ok := cfg.ForRetry(); ok {
		b = broker.NewRetryingBroker(b, policy, logger, a.metrics.RecordBrokerRetry)
	}
	a.broker = b

	return a, nil
}

// opsServer 返回暴露 /metrics 与 /health 的服务器；未启用指标时返回 nil
func (a *app) opsServer() *server.Manager {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	ops := server.NewOps(a.registry, Version, a.logger)
	ops.RegisterCheck("broker", a.broker.Ping)

	cfg := server.DefaultConfig()
	cfg.Addr = a.cfg.Metrics.Addr
	return server.NewManager(ops.Handler(), cfg, a.logger)
}

// close 依次关闭 broker 与遥测，最后刷新日志
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.broker != nil {
		if err := a.broker.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	a.logger.Info("inferq stopped")
	_ = a.logger.Sync()
}
