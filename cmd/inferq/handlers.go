package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/inferq/consumer"
	"github.com/BaSui01/inferq/envelope"
)

// =============================================================================
// 🤖 内置批处理器
// =============================================================================

// newHandler 按名称构造内置处理器。
//
//	echo        原样返回输入
//	sleep-echo  记录本批次的请求 ID，等待 delay 后原样返回
func newHandler(name string, delay time.Duration, idField string, logger *zap.Logger) (consumer.Handler, error) {
	switch name {
	case "", "echo":
		return echoHandler, nil
	case "sleep-echo":
		return sleepEchoHandler(delay, idField, logger), nil
	default:
		return nil, fmt.Errorf("unknown handler %q (supported: echo, sleep-echo)", name)
	}
}

func echoHandler(_ context.Context, payloads []envelope.Value) ([]envelope.Value, error) {
	return payloads, nil
}

func sleepEchoHandler(delay time.Duration, idField string, logger *zap.Logger) consumer.Handler {
	return func(ctx context.Context, payloads []envelope.Value) ([]envelope.Value, error) {
		logger.Info("batch seen",
			zap.Int("size", len(payloads)),
			zap.String("ids", strings.Join(batchIDs(payloads, idField), ",")))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		return payloads, nil
	}
}

// batchIDs 提取每个载荷中的请求 ID，缺失时用 "-" 占位
func batchIDs(payloads []envelope.Value, idField string) []string {
	ids := make([]string, len(payloads))
	for i, p := range payloads {
		ids[i] = "-"
		if idField == "" {
			continue
		}
		if v, ok := p.Get(idField); ok {
			if s, ok := v.AsString(); ok {
				ids[i] = s
			}
		}
	}
	return ids
}
