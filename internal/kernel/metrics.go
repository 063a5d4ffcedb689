package kernel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the kernel's prometheus collectors. They are created
// unregistered so multiple Kernel instances (e.g. in tests) never collide
// on prometheus.DefaultRegisterer; callers register Kernel.Collectors()
// themselves on whatever registry backs their admin server.
type Metrics struct {
	scheduled  prometheus.Counter
	fired      prometheus.Counter
	cancelled  prometheus.Counter
	settled    prometheus.Counter
	failed     prometheus.Counter
	jitterHint prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horology_kernel_timers_scheduled_total",
			Help: "Total number of timers successfully scheduled.",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horology_kernel_timers_fired_total",
			Help: "Total number of timers that reached the Fired state.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horology_kernel_timers_cancelled_total",
			Help: "Total number of timers cancelled before firing.",
		}),
		settled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horology_kernel_timers_settled_total",
			Help: "Total number of timers that reached the terminal Settled state.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "horology_kernel_timers_failed_total",
			Help: "Total number of fire tasks that recovered from a panic into Failed.",
		}),
		jitterHint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "horology_kernel_jitter_compensation_ms",
			Help: "Current jitter compensation hint applied to newly scheduled fire-at times.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.scheduled, m.fired, m.cancelled, m.settled, m.failed, m.jitterHint}
}
