package fsv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")

	h := newHarness(t, Options{
		Name:          "web",
		Command:       []string{"cmd"},
		CommandLimits: Limits{MaxRestarts: 5, Window: time.Hour},
	})
	h.s.Metrics = NewMetrics("web", path)

	require.Nil(t, h.s.start())
	require.Nil(t, h.exitCommand(t, 1))

	m := h.s.Metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.execs.WithLabelValues("cmd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("cmd", "exited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recent.WithLabelValues("cmd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.up.WithLabelValues("cmd")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.up.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `fsv_process_execs_total{service="web",slot="cmd"} 2`)
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	m.launched(SlotCommand)
	m.update(&State{})
	assert.NoError(t, m.Flush())
}
