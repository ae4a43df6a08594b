package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WithPrometheus registers monitor gauges and counters with the given
// registerer.
func WithPrometheus(reg prometheus.Registerer) MonitorOption {
	return func(m *Monitor) { m.prom = newPromMetrics(reg) }
}

// promMetrics exports the monitor's view of the host to Prometheus.
type promMetrics struct {
	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	diskPercent   prometheus.Gauge
	goroutines    prometheus.Gauge
	activeAlerts  prometheus.Gauge
	alertsRaised  prometheus.Counter
	alertsCleared prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	return &promMetrics{
		cpuPercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "cpu_percent",
			Help:      "Host CPU utilization percentage",
		}),
		memoryPercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "memory_percent",
			Help:      "Host memory utilization percentage",
		}),
		diskPercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "disk_percent",
			Help:      "Disk space utilization percentage",
		}),
		goroutines: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "goroutines",
			Help:      "Current goroutine count",
		}),
		activeAlerts: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "active_alerts",
			Help:      "Number of currently active resource alerts",
		}),
		alertsRaised: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "alerts_raised_total",
			Help:      "Total number of resource alerts raised",
		}),
		alertsCleared: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "resilience",
			Subsystem: "monitor",
			Name:      "alerts_cleared_total",
			Help:      "Total number of resource alerts cleared",
		}),
	}
}

func (p *promMetrics) observe(m *ResourceMetrics, activeAlerts int) {
	p.cpuPercent.Set(m.CPUPercent)
	p.memoryPercent.Set(m.MemoryPercent)
	p.diskPercent.Set(m.DiskPercent)
	p.goroutines.Set(float64(m.GoroutineCount))
	p.activeAlerts.Set(float64(activeAlerts))
}
