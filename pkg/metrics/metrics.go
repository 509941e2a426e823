// Package metrics 提供 Prometheus 指标封装
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 管道指标集合
type Metrics struct {
	RunsMaterialized prometheus.Counter
	RunsQueued       prometheus.Counter
	RunsFinished     *prometheus.CounterVec

	TargetsApplied prometheus.Counter
	TargetsFailed  prometheus.Counter
	TargetsRetried prometheus.Counter

	ApplyDuration  prometheus.Histogram
	OutboxPending  prometheus.Gauge
	OutboxRelayed  prometheus.Counter
	MismatchesSeen prometheus.Counter

	registry *prometheus.Registry
}

// New 创建并注册指标实例
func New(serviceName string) *Metrics {
	m := &Metrics{
		RunsMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "runs_materialized_total",
			Help:      "Total rule runs materialized",
		}),
		RunsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "runs_queued_total",
			Help:      "Total rule runs queued for apply",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "runs_finished_total",
			Help:      "Total rule runs finished, by terminal status",
		}, []string{"status"}),
		TargetsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "targets_applied_total",
			Help:      "Total price targets applied successfully",
		}),
		TargetsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "targets_failed_total",
			Help:      "Total price targets failed permanently",
		}),
		TargetsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "targets_retried_total",
			Help:      "Total retryable target apply attempts requeued",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "apply_duration_seconds",
			Help:      "Duration of single target apply calls",
			Buckets:   prometheus.DefBuckets,
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "outbox_pending",
			Help:      "Outbox events awaiting relay",
		}),
		OutboxRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "outbox_relayed_total",
			Help:      "Outbox events relayed to the broker",
		}),
		MismatchesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricepilot",
			Subsystem: serviceName,
			Name:      "reconcile_mismatches_total",
			Help:      "Price mismatches detected during reconciliation",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RunsMaterialized, m.RunsQueued, m.RunsFinished,
		m.TargetsApplied, m.TargetsFailed, m.TargetsRetried,
		m.ApplyDuration, m.OutboxPending, m.OutboxRelayed, m.MismatchesSeen,
	)
	return m
}

// Handler 返回 /metrics 的 gin 处理函数
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
