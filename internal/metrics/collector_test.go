package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/models"
)

func newTestCollector() *Collector {
	return NewCollector(Namespace, prometheus.NewRegistry(), zap.NewNop())
}

func TestCollector_RecordTransition(t *testing.T) {
	c := newTestCollector()

	c.RecordTransition(models.AuditEntry{ActionType: models.ActionPlanCreated, Result: models.ResultSuccess})
	c.RecordTransition(models.AuditEntry{ActionType: models.ActionPlanCreated, Result: models.ResultSuccess})
	c.RecordTransition(models.AuditEntry{ActionType: models.ActionRetryScheduled, Result: models.ResultFailure})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues(models.ActionPlanCreated, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues(models.ActionRetryScheduled, "failure")))
}

func TestCollector_SetStateCounts(t *testing.T) {
	c := newTestCollector()

	c.SetStateCounts(map[models.State]int{models.StateDone: 4})
	assert.Equal(t, 4.0, testutil.ToFloat64(c.recordsByState.WithLabelValues("Done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.recordsByState.WithLabelValues("Quarantine")))
	assert.Equal(t, len(models.AllStates), testutil.CollectAndCount(c.recordsByState))
}

func TestCollector_AgentAndCycle(t *testing.T) {
	c := newTestCollector()

	c.RecordAgentInvocation("rules", "step_completed", 10*time.Millisecond)
	c.RecordCycle("orchestrator", time.Second, nil)
	c.RecordCycle("orchestrator", time.Second, errors.New("audit down"))
	c.RecordDetection("new")
	c.RecordHTTPRequest("GET", "/status", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentInvocations.WithLabelValues("rules", "step_completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycleErrors.WithLabelValues("orchestrator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsDetected.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/status", "200")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransition(models.AuditEntry{})
		c.SetStateCounts(nil)
		c.RecordDetection("new")
		c.RecordAgentInvocation("a", "b", 0)
		c.RecordCycle("x", 0, nil)
		c.RecordHTTPRequest("GET", "/", 200, 0)
	})
}
