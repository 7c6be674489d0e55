package fsv

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Metrics keeps Prometheus metrics about the supervised processes and writes
// them to a file in the text exposition format, for the node exporter's
// textfile collector to pick up. A nil *Metrics is valid and does nothing.
type Metrics struct {
	path string
	reg  *prometheus.Registry

	execs   *prometheus.CounterVec
	exits   *prometheus.CounterVec
	recent  *prometheus.GaugeVec
	up      *prometheus.GaugeVec
	running prometheus.Gauge
	gaveUp  prometheus.Gauge
	since   prometheus.Gauge
}

// NewMetrics creates the metrics of the named service, written to path on
// every Flush.
func NewMetrics(name, path string) *Metrics {
	labels := prometheus.Labels{"service": name}

	m := &Metrics{
		path: path,
		reg:  prometheus.NewRegistry(),

		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fsv_process_execs_total",
			Help:        "Total number of launches of a supervised process.",
			ConstLabels: labels,
		}, []string{"slot"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fsv_process_exits_total",
			Help:        "Total number of terminations of a supervised process.",
			ConstLabels: labels,
		}, []string{"slot", "how"}),
		recent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "fsv_process_recent_restarts",
			Help:        "Restarts counted within the current flap window.",
			ConstLabels: labels,
		}, []string{"slot"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "fsv_process_up",
			Help:        "Whether a child currently backs the slot.",
			ConstLabels: labels,
		}, []string{"slot"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fsv_running",
			Help:        "Whether the supervisor is managing its children.",
			ConstLabels: labels,
		}),
		gaveUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fsv_gave_up",
			Help:        "Whether the supervisor gave up on the command.",
			ConstLabels: labels,
		}),
		since: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fsv_start_time_seconds",
			Help:        "Start time of the supervisor since the Unix epoch.",
			ConstLabels: labels,
		}),
	}

	m.reg.MustRegister(m.execs, m.exits, m.recent, m.up, m.running, m.gaveUp, m.since)
	return m
}

func (m *Metrics) launched(slot Slot) {
	if m == nil {
		return
	}
	m.execs.WithLabelValues(slot.String()).Inc()
}

func (m *Metrics) exited(slot Slot, status unix.WaitStatus) {
	if m == nil {
		return
	}

	how := "exited"
	if status.Signaled() {
		how = "signaled"
	}
	m.exits.WithLabelValues(slot.String(), how).Inc()
}

func (m *Metrics) update(st *State) {
	if m == nil {
		return
	}

	for _, slot := range []Slot{SlotCommand, SlotLogger} {
		p := st.Proc(slot)
		m.recent.WithLabelValues(slot.String()).Set(float64(p.RecentRestarts))
		m.up.WithLabelValues(slot.String()).Set(boolFloat(p.PID > 0))
	}

	m.running.Set(boolFloat(st.Running))
	m.gaveUp.Set(boolFloat(st.GaveUp))
	if !st.Since.IsZero() {
		m.since.Set(float64(st.Since.UnixNano()) / 1e9)
	}
}

// Flush writes the current metrics to the file. The file is replaced
// atomically.
func (m *Metrics) Flush() error {
	if m == nil {
		return nil
	}

	if err := prometheus.WriteToTextfile(m.path, m.reg); err != nil {
		return errors.Wrap(err, "failed to write metrics")
	}
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
