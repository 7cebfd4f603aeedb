package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCommandIncrementsCounter(t *testing.T) {
	r := New()
	r.ObserveCommand("q", "found")
	r.ObserveCommand("q", "found")
	r.ObserveCommand("a", "added")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.commandsTotal.WithLabelValues("q", "found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.commandsTotal.WithLabelValues("a", "added")))
}

func TestActiveWorkersGauge(t *testing.T) {
	r := New()
	r.SetActiveWorkers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.activeWorkers))
	r.SetActiveWorkers(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.activeWorkers))
}

func TestTreeNodesGauge(t *testing.T) {
	r := New()
	r.AddTreeNodes(5)
	r.AddTreeNodes(-2)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.treeNodes))
}
