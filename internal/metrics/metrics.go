package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitushen/fnshortcut/internal/models"
)

// Metrics 汇总服务导出的 Prometheus 指标，使用独立的 Registry。
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	stepWarnings *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	ready        prometheus.Gauge
	subscribers  prometheus.Gauge
	sessions     prometheus.GaugeFunc
}

// New 创建并注册全部指标；sessionCount 为 nil 时不导出会话数。
func New(sessionCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnshortcut_runs_total",
			Help: "Install and restore runs executed, by kind.",
		}, []string{"kind"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnshortcut_step_failures_total",
			Help: "Failed steps during install and restore runs, by kind.",
		}, []string{"kind"}),
		stepWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnshortcut_step_warnings_total",
			Help: "Skipped steps caused by missing files or directories, by kind.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fnshortcut_run_duration_seconds",
			Help:    "Wall-clock duration of install and restore runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}, []string{"kind"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnshortcut_ready",
			Help: "1 when the enhancer script is installed in the live web root.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnshortcut_log_subscribers",
			Help: "Live log stream subscribers.",
		}),
	}
	reg.MustRegister(m.runs, m.stepFailures, m.stepWarnings, m.runDuration, m.ready, m.subscribers)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if sessionCount != nil {
		m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fnshortcut_sessions",
			Help: "Sessions currently held in memory.",
		}, func() float64 { return float64(sessionCount()) })
		reg.MustRegister(m.sessions)
	}
	return m
}

// ObserveRun 记录一次任务的结果。
func (m *Metrics) ObserveRun(rep models.Report) {
	kind := string(rep.Kind)
	m.runs.WithLabelValues(kind).Inc()
	m.stepFailures.WithLabelValues(kind).Add(float64(rep.Failures))
	m.stepWarnings.WithLabelValues(kind).Add(float64(rep.Warnings))
	m.runDuration.WithLabelValues(kind).Observe(rep.Duration.Seconds())
}

// SetReady 更新就绪状态。
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}

// SetSubscribers 更新实时日志订阅者数量。
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// Gatherer 返回底层 Registry，供测试读取。
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
