package core

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// Metrics 抓取运行的 Prometheus 指标
// nil 接收者上的方法都是空操作
type Metrics struct {
	Registry          *prometheus.Registry
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	AcquireWait       *prometheus.HistogramVec
	SubTargets        *prometheus.CounterVec
	SubTargetDuration prometheus.Histogram
	RecordsUpserted   *prometheus.CounterVec
}

// NewMetrics 在独立注册表上创建并注册全部指标
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portalharvest_sessions_created_total",
		Help: "Automation sessions started by the pool.",
	})
	destroyed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalharvest_sessions_destroyed_total",
		Help: "Automation sessions destroyed, by reason.",
	}, []string{"reason"})
	acquireWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portalharvest_pool_acquire_seconds",
		Help:    "Time spent acquiring a session from the pool.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	subTargets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalharvest_subtargets_total",
		Help: "Processed sub-targets by portal and final stage.",
	}, []string{"portal", "stage"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "portalharvest_subtarget_duration_seconds",
		Help:    "Wall time of one sub-target.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	upserted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalharvest_records_upserted_total",
		Help: "Catalog entries written, by portal.",
	}, []string{"portal"})

	registry.MustRegister(created, destroyed, acquireWait, subTargets, duration, upserted)

	return &Metrics{
		Registry:          registry,
		SessionsCreated:   created,
		SessionsDestroyed: destroyed,
		AcquireWait:       acquireWait,
		SubTargets:        subTargets,
		SubTargetDuration: duration,
		RecordsUpserted:   upserted,
	}
}

var _ crawlers.PoolObserver = (*Metrics)(nil)

// SessionCreated 实现 crawlers.PoolObserver
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// SessionDestroyed 实现 crawlers.PoolObserver
func (m *Metrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
}

// AcquireWaited 实现 crawlers.PoolObserver
func (m *Metrics) AcquireWaited(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, crawlers.ErrPoolExhausted):
		outcome = "exhausted"
	case errors.Is(err, crawlers.ErrPoolShuttingDown):
		outcome = "shutting_down"
	case err != nil:
		outcome = "error"
	}
	m.AcquireWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSubTarget 记录一个子目标的最终结果
func (m *Metrics) ObserveSubTarget(portal string, r models.SubTargetResult) {
	if m == nil {
		return
	}
	m.SubTargets.WithLabelValues(portal, string(r.Stage)).Inc()
	m.SubTargetDuration.Observe(r.Duration)
	if r.RecordsUpserted > 0 {
		m.RecordsUpserted.WithLabelValues(portal).Add(float64(r.RecordsUpserted))
	}
}

// WriteToTextfile 以文本格式导出, 供 node_exporter textfile 采集
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
