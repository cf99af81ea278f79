package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRestartIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(restartsTotal.WithLabelValues("web"))
	ObserveRestart("web")
	after := testutil.ToFloat64(restartsTotal.WithLabelValues("web"))
	assert.Equal(t, before+1, after)
}

func TestObserveHealthCheckLabelsOutcome(t *testing.T) {
	beforePass := testutil.ToFloat64(healthChecksTotal.WithLabelValues("web", "pass"))
	ObserveHealthCheck("web", true)
	assert.Equal(t, beforePass+1, testutil.ToFloat64(healthChecksTotal.WithLabelValues("web", "pass")))

	beforeFail := testutil.ToFloat64(healthChecksTotal.WithLabelValues("web", "fail"))
	ObserveHealthCheck("web", false)
	assert.Equal(t, beforeFail+1, testutil.ToFloat64(healthChecksTotal.WithLabelValues("web", "fail")))
}

func TestObserveResourceSetsGauges(t *testing.T) {
	ObserveResource("worker", 42.5, 1024)
	assert.Equal(t, 42.5, testutil.ToFloat64(cpuPercent.WithLabelValues("worker")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(rssBytes.WithLabelValues("worker")))
}

func TestSetInstanceCountsReplacesPreviousSnapshot(t *testing.T) {
	SetInstanceCounts(map[string]int{"online": 3, "stopped": 1})
	assert.Equal(t, float64(3), testutil.ToFloat64(instancesByStatus.WithLabelValues("online")))
	assert.Equal(t, float64(1), testutil.ToFloat64(instancesByStatus.WithLabelValues("stopped")))

	SetInstanceCounts(map[string]int{"online": 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(instancesByStatus.WithLabelValues("online")))
	assert.Equal(t, float64(0), testutil.ToFloat64(instancesByStatus.WithLabelValues("stopped")))
}
