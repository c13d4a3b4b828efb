// =============================================================================
// inferq 主入口
// =============================================================================
// 批处理推理队列的命令行入口，包含消费者、请求方、健康检查与版本信息
//
// 使用方法:
//
//	inferq consume                          # 启动批处理消费者（echo）
//	inferq consume --config config.yaml     # 指定配置文件
//	inferq send --count 36                  # 发送 36 个请求并打印回复
//	inferq demo                             # 同进程运行消费者与请求方
//	inferq health --addr http://localhost:9091
//	inferq version
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/inferq/config"
	"github.com/BaSui01/inferq/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "consume":
		err = runConsume(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Ops server address")
	_ = fs.Parse(args)

	if err := checkHealth(*addr, 5*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func checkHealth(addr string, timeout time.Duration) error {
	client := tlsutil.SecureHTTPClient(timeout)
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("inferq %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`inferq - batched request/reply over message queues

Usage:
  inferq <command> [options]

Commands:
  consume   Run a batching consumer with a built-in handler
  send      Send requests and print the replies
  demo      Run a consumer and a producer in one process
  version   Show version information
  health    Check ops server health
  help      Show this help message

Options for 'consume':
  --config <path>     Path to configuration file (YAML)
  --handler <name>    Built-in handler: echo, sleep-echo (default echo)
  --delay <duration>  Per-batch delay for sleep-echo (default 50ms)

Options for 'send':
  --config <path>     Path to configuration file (YAML)
  --payload <json>    Request payload (default {"foo":"baa"})
  --count <n>         Number of requests (default 36)
  --interval <d>      Pause between requests (default 0)

Options for 'demo':
  accepts the options of both 'consume' and 'send'

Environment:
  INFERQ_* variables override the file, e.g. INFERQ_BROKER_TYPE=redis

Examples:
  inferq consume --config /etc/inferq/config.yaml --handler sleep-echo
  inferq send --count 10 --payload '{"text":"hello"}'
  inferq demo
  inferq health --addr http://localhost:9091
  inferq version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
