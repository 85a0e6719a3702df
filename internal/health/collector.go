package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "vaultd"

// Collector exposes monitor snapshots as Prometheus metrics. Every scrape
// takes one Snapshot, so values in a scrape are mutually consistent.
type Collector struct {
	monitor *Monitor

	up          *prometheus.Desc
	uptime      *prometheus.Desc
	events      *prometheus.Desc
	abandoned   *prometheus.Desc
	queueDepth  *prometheus.Desc
	inFlight    *prometheus.Desc
	invocations *prometheus.Desc
	skipped     *prometheus.Desc
	duration    *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	cacheSize   *prometheus.Desc
}

// NewCollector builds a collector over m.
func NewCollector(m *Monitor) *Collector {
	return &Collector{
		monitor: m,
		up: prometheus.NewDesc(namespace+"_up",
			"1 when the daemon is running.", nil, nil),
		uptime: prometheus.NewDesc(namespace+"_uptime_seconds",
			"Seconds since the daemon entered the running state.", nil, nil),
		events: prometheus.NewDesc(namespace+"_events_total",
			"Events taken off the queue by outcome.", []string{"outcome"}, nil),
		abandoned: prometheus.NewDesc(namespace+"_abandoned_invocations_total",
			"Invocations still running when the shutdown grace period ended.", nil, nil),
		queueDepth: prometheus.NewDesc(namespace+"_queue_depth",
			"Events waiting for the dispatcher.", nil, nil),
		inFlight: prometheus.NewDesc(namespace+"_invocations_in_flight",
			"Handler invocations currently running.", nil, nil),
		invocations: prometheus.NewDesc(namespace+"_handler_invocations_total",
			"Handler invocations by outcome.", []string{"handler", "outcome"}, nil),
		skipped: prometheus.NewDesc(namespace+"_handler_skipped_total",
			"Invocations suppressed by a per-handler cooldown.", []string{"handler"}, nil),
		duration: prometheus.NewDesc(namespace+"_handler_duration_seconds_total",
			"Cumulative handler run time.", []string{"handler"}, nil),
		cacheHits: prometheus.NewDesc(namespace+"_cache_hits_total",
			"Result cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(namespace+"_cache_misses_total",
			"Result cache misses.", nil, nil),
		cacheSize: prometheus.NewDesc(namespace+"_cache_entries",
			"Entries held by the result cache.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.uptime, c.events, c.abandoned, c.queueDepth, c.inFlight,
		c.invocations, c.skipped, c.duration, c.cacheHits, c.cacheMisses, c.cacheSize,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.monitor.Snapshot()

	up := 0.0
	if s.Running() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())

	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(s.EventsReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(s.EventsSkipped), "skipped")
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(s.EventsDropped), "dropped")
	ch <- prometheus.MustNewConstMetric(c.abandoned, prometheus.CounterValue, float64(s.Abandoned))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))

	for _, name := range s.HandlerNames() {
		h := s.Handlers[name]
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(h.Successes), name, "success")
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(h.Failures-h.Timeouts), name, "failure")
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(h.Timeouts), name, "timeout")
		ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(h.Skipped), name)
		ch <- prometheus.MustNewConstMetric(c.duration, prometheus.CounterValue, h.TotalDuration.Seconds(), name)
	}

	if s.Cache != nil {
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Cache.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Cache.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(s.Cache.Entries))
	}
}

// NewRegistry returns a private Prometheus registry holding the collector
// and the standard Go and process collectors.
func NewRegistry(m *Monitor) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
