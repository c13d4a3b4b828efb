package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, BrokerConfig{}, cfg.Broker)
	assert.NotEqual(t, QueuesConfig{}, cfg.Queues)
	assert.NotEqual(t, ProducerConfig{}, cfg.Producer)
	assert.NotEqual(t, ConsumerConfig{}, cfg.Consumer)
	assert.NotEqual(t, RetryConfig{}, cfg.Retry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEmpty(t, cfg.Log.Level)
}

func TestDefaultConfig_ReturnsFreshCopies(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()

	a.Log.OutputPaths[0] = "/tmp/changed.log"
	a.Queues.Input = "changed"

	assert.Equal(t, "stdout", b.Log.OutputPaths[0])
	assert.Equal(t, "inputs", b.Queues.Input)
}

// --- Individual Default*Config functions ---

func TestDefaultBrokerConfig(t *testing.T) {
	cfg := DefaultBrokerConfig()
	assert.Equal(t, "memory", cfg.Type)

	assert.Equal(t, "inferq:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "inferq", cfg.Redis.Group)
	assert.Equal(t, time.Second, cfg.Redis.BlockInterval)
	assert.Equal(t, 30*time.Second, cfg.Redis.ClaimIdle)

	assert.Equal(t, 32, cfg.AMQP.Prefetch)
	assert.True(t, cfg.AMQP.Durable)
	assert.Equal(t, time.Minute, cfg.AMQP.ReplyExpires)

	assert.Equal(t, "inferq_messages", cfg.SQL.Table)
	assert.Equal(t, 50*time.Millisecond, cfg.SQL.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.SQL.Visibility)
}

func TestDefaultProducerConfig(t *testing.T) {
	cfg := DefaultProducerConfig()
	assert.Equal(t, 1, cfg.Burst)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.SweepInterval)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Multiplier, 0.001)
	assert.True(t, cfg.Jitter)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, "inferq", cfg.Namespace)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "inferq", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
