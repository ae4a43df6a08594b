package platform

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datapult/resilience/adaptive"
	"github.com/datapult/resilience/degradation"
)

// registerCoreMetrics exports cross-component state: the degradation mode
// and the current quota per managed component. Host-level gauges are
// exported by the monitoring package itself.
func registerCoreMetrics(reg prometheus.Registerer, deg *degradation.Manager, adp *adaptive.Manager) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "degradation",
		Name:      "mode",
		Help:      "Current degradation mode (0=NORMAL 1=PARTIAL 2=MINIMAL 3=EMERGENCY)",
	}, func() float64 {
		return float64(deg.GetMode())
	}))

	reg.MustRegister(newQuotaCollector(adp))
}

// quotaCollector walks the adaptive manager's quotas at scrape time.
type quotaCollector struct {
	manager *adaptive.Manager
	cpu     *prometheus.Desc
	memory  *prometheus.Desc
}

func newQuotaCollector(manager *adaptive.Manager) *quotaCollector {
	return &quotaCollector{
		manager: manager,
		cpu: prometheus.NewDesc(
			"resilience_quota_cpu_percent",
			"Current CPU quota per managed component",
			[]string{"component"}, nil,
		),
		memory: prometheus.NewDesc(
			"resilience_quota_memory_mb",
			"Current memory quota per managed component",
			[]string{"component"}, nil,
		),
	}
}

func (c *quotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.memory
}

func (c *quotaCollector) Collect(ch chan<- prometheus.Metric) {
	for name, q := range c.manager.Quotas() {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, q.CPUPercent.Current, name)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, q.MemoryMB.Current, name)
	}
}
