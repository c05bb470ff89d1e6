package rewrite

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts rewrite decisions per address family.
type Metrics struct {
	packets *prometheus.CounterVec
	// Resolved children so the packet path does not hash label values.
	v4 [numResults]prometheus.Counter
	v6 [numResults]prometheus.Counter
}

// NewMetrics creates the rewrite counters and registers them with reg if it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dscp_rewrite",
			Name:      "packets_total",
			Help:      "Ingress packets seen by the rewrite hooks, by address family and decision.",
		}, []string{"family", "result"}),
	}
	for r := Result(0); r < numResults; r++ {
		m.v4[r] = m.packets.WithLabelValues(IPv4.String(), r.String())
		m.v6[r] = m.packets.WithLabelValues(IPv6.String(), r.String())
	}
	if reg != nil {
		reg.MustRegister(m.packets)
	}
	return m
}

// NewTableCollector returns a collector exposing the number of active slots
// of t per address family.
func NewTableCollector(t *Table) prometheus.Collector {
	return &tableCollector{
		table: t,
		desc: prometheus.NewDesc("dscp_rewrite_active_entries",
			"Rewrite table slots holding a destination.", []string{"family"}, nil),
	}
}

type tableCollector struct {
	table *Table
	desc  *prometheus.Desc
}

func (c *tableCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *tableCollector) Collect(ch chan<- prometheus.Metric) {
	var v4, v6 int
	for _, e := range c.table.Entries() {
		if e.Family == IPv4 {
			v4++
		} else {
			v6++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v4), IPv4.String())
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v6), IPv6.String())
}

func (m *Metrics) observe(f Family, r Result) {
	if m == nil || r >= numResults {
		return
	}
	if f == IPv6 {
		m.v6[r].Inc()
		return
	}
	m.v4[r].Inc()
}
