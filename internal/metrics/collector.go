// Package metrics exposes Prometheus instruments for the taskvault loops,
// the agent boundary and the control plane. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/models"
)

// Namespace prefixes every taskvault metric.
const Namespace = "taskvault"

// Collector holds the taskvault instruments.
type Collector struct {
	transitionsTotal *prometheus.CounterVec
	recordsByState   *prometheus.GaugeVec
	itemsDetected    *prometheus.CounterVec

	agentInvocations *prometheus.CounterVec
	agentDuration    *prometheus.HistogramVec

	cycleDuration *prometheus.HistogramVec
	cycleErrors   *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates and registers the instruments on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Audited record transitions by action type and result",
		},
		[]string{"action", "result"},
	)

	c.recordsByState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Number of records in each state",
		},
		[]string{"state"},
	)

	c.itemsDetected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_items_total",
			Help:      "Items seen by the watcher by outcome",
		},
		[]string{"outcome"},
	)

	c.agentInvocations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by outcome",
		},
		[]string{"agent", "outcome"},
	)

	c.agentDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Agent invocation latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)

	c.cycleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Poll loop cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	c.cycleErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Poll loop cycles that ended in error",
		},
		[]string{"loop"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// RecordTransition counts one audited action.
func (c *Collector) RecordTransition(entry models.AuditEntry) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(entry.ActionType, string(entry.Result)).Inc()
}

// SetStateCounts replaces the per-state gauge values.
func (c *Collector) SetStateCounts(counts map[models.State]int) {
	if c == nil {
		return
	}
	for _, st := range models.AllStates {
		c.recordsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// RecordDetection counts a watcher outcome: new, duplicate, unchanged or unreachable.
func (c *Collector) RecordDetection(outcome string) {
	if c == nil {
		return
	}
	c.itemsDetected.WithLabelValues(outcome).Inc()
}

// RecordAgentInvocation records one agent call.
func (c *Collector) RecordAgentInvocation(agent, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentInvocations.WithLabelValues(agent, outcome).Inc()
	c.agentDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordCycle records a loop cycle and whether it failed.
func (c *Collector) RecordCycle(loop string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.cycleDuration.WithLabelValues(loop).Observe(duration.Seconds())
	if err != nil {
		c.cycleErrors.WithLabelValues(loop).Inc()
		c.logger.Debug("cycle failed", zap.String("loop", loop), zap.Error(err))
	}
}

// RecordHTTPRequest records a control plane request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
