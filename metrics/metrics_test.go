package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTaskObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	observe := m.TaskObserver("reconcile")

	observe(nil, 10*time.Millisecond)
	observe(nil, 20*time.Millisecond)
	observe(errors.New("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskResults.WithLabelValues("reconcile", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskResults.WithLabelValues("reconcile", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TaskDuration))
}

func TestRunAndUnmatched(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRun("escrow", "success", time.Second)
	m.SetUnmatched(3, 2, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunResults.WithLabelValues("escrow", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Unmatched.WithLabelValues("gateway")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unmatched.WithLabelValues("conflict")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.Nil(t, m.TaskObserver("x"))
	m.ObserveRun("x", "failed", time.Second)
	m.SetUnmatched(1, 1, 1)
	m.ObserveExternalRead("gateway", time.Second)
}
