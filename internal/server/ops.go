package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查与指标端点
// =============================================================================

// CheckFunc 单项健康检查，返回 nil 表示通过
type CheckFunc func(ctx context.Context) error

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Ops 提供 /metrics、/health 与 /healthz
type Ops struct {
	gatherer     prometheus.Gatherer
	version      string
	checkTimeout time.Duration
	logger       *zap.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewOps 创建运维端点。gatherer 为 nil 时使用默认注册表
func NewOps(gatherer prometheus.Gatherer, version string, logger *zap.Logger) *Ops {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ops{
		gatherer:     gatherer,
		version:      version,
		checkTimeout: 5 * time.Second,
		logger:       logger.With(zap.String("component", "health")),
		checks:       make(map[string]CheckFunc),
	}
}

// RegisterCheck 注册健康检查，同名检查会被替换
func (o *Ops) RegisterCheck(name string, check CheckFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks[name] = check
}

// Handler 返回挂载了全部端点的路由
func (o *Ops) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", o.HandleHealth)
	mux.HandleFunc("/healthz", o.HandleHealthz)
	return mux
}

// HandleHealthz 活跃度探针，只确认进程在运行
func (o *Ops) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   o.version,
	})
}

// HandleHealth 运行全部检查；任一失败返回 503
func (o *Ops) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), o.checkTimeout)
	defer cancel()

	o.mu.RLock()
	names := make([]string, 0, len(o.checks))
	for name := range o.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(o.checks))
	for name, check := range o.checks {
		checks[name] = check
	}
	o.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   o.version,
		Checks:    make(map[string]CheckResult, len(names)),
	}

	allHealthy := true
	for _, name := range names {
		start := time.Now()
		err := checks[name](ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			o.logger.Warn("health check failed",
				zap.String("check", name),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[name] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
