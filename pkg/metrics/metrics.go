package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 业务与HTTP指标
type Metrics struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	stepOutcomes      *prometheus.CounterVec
	healthRecomputes  *prometheus.CounterVec
	schedulerJobRuns  *prometheus.CounterVec
	schedulerDuration *prometheus.HistogramVec
	auditDeliveries   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default 使用全局注册器的单例
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New 创建并注册指标，registerer 为空时使用默认注册器
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upliftcs",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "upliftcs",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upliftcs",
			Name:      "playbook_steps_total",
			Help:      "Executed playbook steps by type and outcome.",
		}, []string{"step_type", "outcome"}),
		healthRecomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upliftcs",
			Name:      "health_recomputations_total",
			Help:      "Customer health score recomputations by resulting risk level.",
		}, []string{"risk_level"}),
		schedulerJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upliftcs",
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by job and result.",
		}, []string{"job", "result"}),
		schedulerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "upliftcs",
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"job"}),
		auditDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upliftcs",
			Name:      "audit_deliveries_total",
			Help:      "Audit entry deliveries by result.",
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.stepOutcomes,
		m.healthRecomputes,
		m.schedulerJobRuns,
		m.schedulerDuration,
		m.auditDeliveries,
	)
	return m
}

// ObserveHTTP 记录一次HTTP请求
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordStep 记录剧本步骤执行结果
func (m *Metrics) RecordStep(stepType string, success bool) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(stepType, outcome(success)).Inc()
}

// RecordHealthRecompute 记录健康分重算
func (m *Metrics) RecordHealthRecompute(riskLevel string) {
	if m == nil {
		return
	}
	m.healthRecomputes.WithLabelValues(riskLevel).Inc()
}

// RecordSchedulerRun 记录定时任务执行
func (m *Metrics) RecordSchedulerRun(job string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.schedulerJobRuns.WithLabelValues(job, outcome(err == nil)).Inc()
	m.schedulerDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// RecordSchedulerSkip 锁被其他实例持有时跳过
func (m *Metrics) RecordSchedulerSkip(job string) {
	if m == nil {
		return
	}
	m.schedulerJobRuns.WithLabelValues(job, "skipped").Inc()
}

// RecordAuditDelivery 记录审计日志投递结果
func (m *Metrics) RecordAuditDelivery(success bool) {
	if m == nil {
		return
	}
	m.auditDeliveries.WithLabelValues(outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
