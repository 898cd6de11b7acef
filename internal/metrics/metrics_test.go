package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

func TestObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAction("click", "ok", 3, 300*time.Millisecond)
	m.ObserveAttempt("passed")
	m.ObserveAttempt("failed")
	m.ObserveTest("flaky")
	m.WorkerUp()
	m.WorkerUp()
	m.WorkerDown()
	m.WorkerRestarted(errs.DriverChannelLost)
	m.ObserveDriver(driver.CmdQuery, time.Millisecond, nil)
	m.ObserveDriver(driver.CmdQuery, time.Millisecond, driver.ChannelLost(errors.New("eof")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("click", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tests.WithLabelValues("flaky")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRestarts.WithLabelValues("driver_channel_lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverCommands.WithLabelValues("dom.query", "driver_channel_lost")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DriverCommands))
}

func TestNilMetricsDiscard(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAction("click", "ok", 1, time.Second)
		m.ObserveAttempt("passed")
		m.ObserveTest("passed")
		m.WorkerUp()
		m.WorkerDown()
		m.WorkerRestarted(errs.Internal)
		m.ObserveDriver(driver.CmdQuery, 0, nil)
	})
}
