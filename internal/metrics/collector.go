// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有方法对 nil 接收者安全，未配置指标的组件可直接传 nil。
type Collector struct {
	// 生产者指标
	sendsTotal      *prometheus.CounterVec
	sendDuration    *prometheus.HistogramVec
	pendingRequests prometheus.Gauge
	repliesTotal    *prometheus.CounterVec

	// 消费者指标
	batchesTotal    *prometheus.CounterVec
	batchSize       prometheus.Histogram
	handlerDuration *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec

	// Broker 指标
	brokerRetries *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg；reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 生产者指标
	c.sendsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total number of requests sent, by outcome",
		},
		[]string{"status"},
	)

	c.sendDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from publishing a request to receiving its reply",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	c.pendingRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply",
		},
	)

	c.repliesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies received by the listener, by outcome",
		},
		[]string{"outcome"},
	)

	// 消费者指标
	c.batchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of dispatched batches, by outcome",
		},
		[]string{"status"},
	)

	c.batchSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests per dispatched batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	c.handlerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Batch handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.deliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Settled input deliveries, by action",
		},
		[]string{"action"},
	)

	// Broker 指标
	c.brokerRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_retries_total",
			Help:      "Retried broker operations",
		},
		[]string{"op"},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 📝 生产者
// =============================================================================

// RecordSend 记录一次 Send 的结果与耗时
func (c *Collector) RecordSend(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sendsTotal.WithLabelValues(status).Inc()
	c.sendDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetPending 设置当前等待回复的请求数
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pendingRequests.Set(float64(n))
}

// RecordReply 记录监听器收到的回复（matched / orphan / foreign / malformed）
func (c *Collector) RecordReply(outcome string) {
	if c == nil {
		return
	}
	c.repliesTotal.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 📝 消费者
// =============================================================================

// RecordBatch 记录一次批处理的结果、大小与处理器耗时
func (c *Collector) RecordBatch(status string, size int, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchesTotal.WithLabelValues(status).Inc()
	c.batchSize.Observe(float64(size))
	c.handlerDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDelivery 记录输入消息的处置方式（ack / requeue / dead / dropped）
func (c *Collector) RecordDelivery(action string) {
	if c == nil {
		return
	}
	c.deliveriesTotal.WithLabelValues(action).Inc()
}

// RecordBrokerRetry 记录一次 broker 操作重试
func (c *Collector) RecordBrokerRetry(op string) {
	if c == nil {
		return
	}
	c.brokerRetries.WithLabelValues(op).Inc()
}
