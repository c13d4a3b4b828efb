package config

import (
	"fmt"
	"strings"

	"github.com/BaSui01/inferq/broker"
	"github.com/BaSui01/inferq/consumer"
	"github.com/BaSui01/inferq/internal/retry"
	"github.com/BaSui01/inferq/producer"
)

// Validate 验证配置，一次性返回全部问题
func (c *Config) Validate() error {
	var errs []string

	// broker
	switch broker.Type(c.Broker.Type) {
	case broker.TypeMemory:
	case broker.TypeRedis, broker.TypeAMQP, broker.TypeSQL:
		if c.Broker.URL == "" {
			errs = append(errs, fmt.Sprintf("broker.url is required for %s", c.Broker.Type))
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported broker.type %q", c.Broker.Type))
	}
	if broker.Type(c.Broker.Type) == broker.TypeSQL {
		switch c.Broker.SQL.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unsupported broker.sql.driver %q", c.Broker.SQL.Driver))
		}
	}

	// 队列
	if strings.TrimSpace(c.Queues.Input) == "" || strings.TrimSpace(c.Queues.Output) == "" {
		errs = append(errs, "queues.input and queues.output are required")
	} else if c.Queues.Input == c.Queues.Output {
		errs = append(errs, "queues.input and queues.output must differ")
	}
	if c.Queues.MessageTTL < 0 {
		errs = append(errs, "queues.message_ttl must not be negative")
	}
	if c.Queues.MaxLength < 0 {
		errs = append(errs, "queues.max_length must not be negative")
	}

	// 请求方
	if c.Producer.Timeout <= 0 {
		errs = append(errs, "producer.timeout must be positive")
	}
	if c.Producer.RateLimit < 0 {
		errs = append(errs, "producer.rate_limit must not be negative")
	}
	if c.Producer.RateLimit > 0 && c.Producer.Burst < 1 {
		errs = append(errs, "producer.burst must be at least 1 when rate limiting")
	}

	// 消费者
	if c.Consumer.Window <= 0 {
		errs = append(errs, "consumer.window must be positive")
	}
	if c.Consumer.MaxBatchSize < 1 {
		errs = append(errs, "consumer.max_batch_size must be at least 1")
	}
	if c.Consumer.Concurrency < 1 {
		errs = append(errs, "consumer.concurrency must be at least 1")
	}
	if c.Consumer.FirstWait <= 0 {
		errs = append(errs, "consumer.first_wait must be positive")
	}
	if c.Consumer.ShutdownGrace <= 0 {
		errs = append(errs, "consumer.shutdown_grace must be positive")
	}
	if c.Consumer.MaxDeliveries < 0 {
		errs = append(errs, "consumer.max_deliveries must not be negative")
	}

	// 重试
	if c.Retry.Enabled {
		if c.Retry.MaxRetries < 0 {
			errs = append(errs, "retry.max_retries must not be negative")
		}
		if c.Retry.Multiplier < 1 {
			errs = append(errs, "retry.multiplier must be at least 1")
		}
	}

	// 指标
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	// 日志
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.format %q", c.Log.Format))
	}

	// 遥测
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// =============================================================================
// 🔄 转换为组件配置
// =============================================================================

// ForBroker 返回 broker.Open 使用的配置
func (c *Config) ForBroker() broker.Config {
	return broker.Config{
		Type:       broker.Type(c.Broker.Type),
		URL:        c.Broker.URL,
		MessageTTL: c.Queues.MessageTTL,
		MaxLength:  c.Queues.MaxLength,
		Redis: broker.RedisConfig{
			KeyPrefix:     c.Broker.Redis.KeyPrefix,
			Group:         c.Broker.Redis.Group,
			Consumer:      c.Broker.Redis.Consumer,
			PoolSize:      c.Broker.Redis.PoolSize,
			BlockInterval: c.Broker.Redis.BlockInterval,
			ClaimIdle:     c.Broker.Redis.ClaimIdle,
		},
		AMQP: broker.AMQPConfig{
			Prefetch:     c.Broker.AMQP.Prefetch,
			Durable:      c.Broker.AMQP.Durable,
			ReplyExpires: c.Broker.AMQP.ReplyExpires,
		},
		SQL: broker.SQLConfig{
			Driver:       c.Broker.SQL.Driver,
			Table:        c.Broker.SQL.Table,
			PollInterval: c.Broker.SQL.PollInterval,
			Visibility:   c.Broker.SQL.Visibility,
		},
	}
}

// ForProducer 返回 producer.New 使用的配置
func (c *Config) ForProducer() producer.Config {
	return producer.Config{
		InputQueue:       c.Queues.Input,
		OutputQueue:      c.Queues.Output,
		Timeout:          c.Producer.Timeout,
		IDField:          c.Producer.IDField,
		Origin:           c.Producer.Origin,
		PerOriginReplies: c.Queues.PerOriginReplies,
		RateLimit:        c.Producer.RateLimit,
		Burst:            c.Producer.Burst,
		PollInterval:     c.Producer.PollInterval,
		SweepInterval:    c.Producer.SweepInterval,
	}
}

// ForConsumer 返回 consumer.New 使用的配置
func (c *Config) ForConsumer() consumer.Config {
	return consumer.Config{
		InputQueue:       c.Queues.Input,
		OutputQueue:      c.Queues.Output,
		PerOriginReplies: c.Queues.PerOriginReplies,
		Window:           c.Consumer.Window,
		MaxBatchSize:     c.Consumer.MaxBatchSize,
		Concurrency:      c.Consumer.Concurrency,
		FirstWait:        c.Consumer.FirstWait,
		ShutdownGrace:    c.Consumer.ShutdownGrace,
		RequeueOnFailure: c.Consumer.RequeueOnFailure,
		MaxDeliveries:    c.Consumer.MaxDeliveries,
	}
}

// ForRetry 返回 broker 重试策略；未启用时返回 false
func (c *Config) ForRetry() (retry.Policy, bool) {
	if !c.Retry.Enabled {
		return retry.Policy{}, false
	}
	return retry.Policy{
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}, true
}
