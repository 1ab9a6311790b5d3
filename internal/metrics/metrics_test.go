package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePass("sell", 200*time.Millisecond, nil)
	m.ObservePass("sell", time.Second, errors.New("x"))
	m.OrderAction("modify", nil)
	m.SetActive("sell", 3)
	m.SetCircuitWaits(2)
	m.ForcedExit("converted")
	m.Manual("sell", 2)
	m.Manual("sell", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("sell", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("sell", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.active.WithLabelValues("sell")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitWaits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.manual.WithLabelValues("sell")))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObservePass("x", time.Second, nil)
	m.OrderAction("place", nil)
	m.SetActive("buy", 1)
	m.SetCircuitWaits(1)
	m.ForcedExit("failed")
	m.Manual("buy", 1)
}
