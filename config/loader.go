// =============================================================================
// 📦 inferq 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("inferq.yaml").
//	    WithEnvPrefix("INFERQ").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 inferq 的完整配置结构
type Config struct {
	// Broker 消息中间件配置
	Broker BrokerConfig `yaml:"broker" env:"BROKER"`

	// Queues 队列配置
	Queues QueuesConfig `yaml:"queues" env:"QUEUES"`

	// Producer 请求方配置
	Producer ProducerConfig `yaml:"producer" env:"PRODUCER"`

	// Consumer 批处理消费者配置
	Consumer ConsumerConfig `yaml:"consumer" env:"CONSUMER"`

	// Retry broker 操作重试配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Metrics 指标与健康检查配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// BrokerConfig 消息中间件配置
type BrokerConfig struct {
	// 类型: memory, redis, amqp, sql
	Type string `yaml:"type" env:"TYPE"`
	// 连接地址（redis:// / amqp:// / DSN）
	URL string `yaml:"url" env:"URL"`
	// Redis Streams 配置
	Redis BrokerRedisConfig `yaml:"redis" env:"REDIS"`
	// AMQP 配置
	AMQP BrokerAMQPConfig `yaml:"amqp" env:"AMQP"`
	// SQL 配置
	SQL BrokerSQLConfig `yaml:"sql" env:"SQL"`
}

// BrokerRedisConfig Redis Streams 配置
type BrokerRedisConfig struct {
	// 流键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 消费者组
	Group string `yaml:"group" env:"GROUP"`
	// 组内消费者名（为空则随机）
	Consumer string `yaml:"consumer" env:"CONSUMER"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 单次 XREADGROUP 阻塞上限
	BlockInterval time.Duration `yaml:"block_interval" env:"BLOCK_INTERVAL"`
	// 空闲多久后认领其他消费者的未确认消息（0 关闭）
	ClaimIdle time.Duration `yaml:"claim_idle" env:"CLAIM_IDLE"`
}

// BrokerAMQPConfig AMQP 配置
type BrokerAMQPConfig struct {
	// 预取数量
	Prefetch int `yaml:"prefetch" env:"PREFETCH"`
	// 是否声明持久化队列
	Durable bool `yaml:"durable" env:"DURABLE"`
	// 私有回复队列无消费者多久后被删除
	ReplyExpires time.Duration `yaml:"reply_expires" env:"REPLY_EXPIRES"`
}

// BrokerSQLConfig SQL 队列表配置
type BrokerSQLConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 消息表名
	Table string `yaml:"table" env:"TABLE"`
	// 空轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 租约时长
	Visibility time.Duration `yaml:"visibility" env:"VISIBILITY"`
}

// QueuesConfig 队列配置
type QueuesConfig struct {
	// 请求队列
	Input string `yaml:"input" env:"INPUT"`
	// 回复队列
	Output string `yaml:"output" env:"OUTPUT"`
	// 消息存活时间（0 不过期）
	MessageTTL time.Duration `yaml:"message_ttl" env:"MESSAGE_TTL"`
	// 队列最大长度（0 不限制）
	MaxLength int `yaml:"max_length" env:"MAX_LENGTH"`
	// 是否按请求方拆分回复队列
	PerOriginReplies bool `yaml:"per_origin_replies" env:"PER_ORIGIN_REPLIES"`
}

// ProducerConfig 请求方配置
type ProducerConfig struct {
	// 等待回复的超时时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 写入请求 ID 的负载字段（为空不写入）
	IDField string `yaml:"id_field" env:"ID_FIELD"`
	// 请求方标识（为空则随机）
	Origin string `yaml:"origin" env:"ORIGIN"`
	// 每秒发送上限（0 不限流）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 令牌桶容量
	Burst int `yaml:"burst" env:"BURST"`
	// 回复监听单次接收上限
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 过期等待清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// ConsumerConfig 批处理消费者配置
type ConsumerConfig struct {
	// 收集窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 批大小上限
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// 并发处理的批次数
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// 空闲时单次接收上限
	FirstWait time.Duration `yaml:"first_wait" env:"FIRST_WAIT"`
	// 优雅关闭宽限期
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	// 处理失败时是否重新入队
	RequeueOnFailure bool `yaml:"requeue_on_failure" env:"REQUEUE_ON_FAILURE"`
	// 最大投递次数，超过后转入死信（0 不限制）
	MaxDeliveries int `yaml:"max_deliveries" env:"MAX_DELIVERIES"`
}

// RetryConfig broker 操作重试配置
type RetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 延迟倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 是否添加随机抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// MetricsConfig 指标服务配置
type MetricsConfig struct {
	// 是否启用 /metrics 与 /health
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "INFERQ",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
