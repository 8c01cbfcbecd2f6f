// Package metrics exposes engine counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// CaptureSource reports capture counters and state.
type CaptureSource interface {
	Stats() capture.Stats
	State() capture.State
}

// LiveSource reports the totals of the current epoch.
type LiveSource interface {
	Totals() model.Totals
}

// Metrics owns the registry served on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	commits        *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	lastCommit     *prometheus.GaugeVec
	lastSnapshot   *prometheus.GaugeVec
}

// New registers the engine collector and the commit metrics.
func New(c CaptureSource, live LiveSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_commits_total",
				Help:      "Snapshot commits per writer and result.",
			},
			[]string{"writer", "result"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_commit_duration_seconds",
				Help:      "Time spent committing one snapshot.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"writer"},
		),
		lastCommit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful commit per writer.",
			},
			[]string{"writer"},
		),
		lastSnapshot: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_last_totals",
				Help:      "Totals of the last committed snapshot.",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		newEngineCollector(c, live),
		m.commits,
		m.commitDuration,
		m.lastCommit,
		m.lastSnapshot,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCommit records the outcome of one commit. Its signature matches
// manager.CommitFunc.
func (m *Metrics) ObserveCommit(writer string, snap model.Snapshot, took time.Duration, err error) {
	m.commitDuration.WithLabelValues(writer).Observe(took.Seconds())
	if err != nil {
		m.commits.WithLabelValues(writer, "error").Inc()
		return
	}
	m.commits.WithLabelValues(writer, "ok").Inc()
	m.lastCommit.WithLabelValues(writer).Set(float64(time.Now().Unix()))

	totals := snap.Totals()
	m.lastSnapshot.WithLabelValues("flows").Set(float64(totals.Flows))
	m.lastSnapshot.WithLabelValues("bytes").Set(float64(totals.Bytes))
	m.lastSnapshot.WithLabelValues("packets").Set(float64(totals.Packets))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// engineCollector reads capture and aggregator state at scrape time.
type engineCollector struct {
	capture CaptureSource
	live    LiveSource

	packets   *prometheus.Desc
	drops     *prometheus.Desc
	reads     *prometheus.Desc
	reopens   *prometheus.Desc
	state     *prometheus.Desc
	liveFlows *prometheus.Desc
	liveBytes *prometheus.Desc
	livePkts  *prometheus.Desc
}

func newEngineCollector(c CaptureSource, live LiveSource) *engineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &engineCollector{
		capture:   c,
		live:      live,
		packets:   desc("capture_packets_total", "Packets read from the source by outcome.", "outcome"),
		drops:     desc("capture_dropped_packets_total", "Packets dropped before capture.", "where"),
		reads:     desc("capture_read_errors_total", "Failed reads from the packet source."),
		reopens:   desc("capture_reopens_total", "Reopen attempts of the packet source."),
		state:     desc("capture_state", "Capture lifecycle state, 1 for the current one.", "state"),
		liveFlows: desc("live_flows", "Flows in the current epoch."),
		liveBytes: desc("live_bytes", "Bytes counted in the current epoch."),
		livePkts:  desc("live_packets", "Packets counted in the current epoch."),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.packets, c.drops, c.reads, c.reopens, c.state, c.liveFlows, c.liveBytes, c.livePkts} {
		ch <- d
	}
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.capture.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.packets, s.Seen, "seen")
	counter(c.packets, s.Counted, "counted")
	counter(c.packets, s.Excluded, "excluded")
	counter(c.packets, s.Unparsed, "unparsed")
	counter(c.drops, s.Dropped, "kernel")
	counter(c.drops, s.IfDropped, "interface")
	counter(c.reads, s.ReadErrors)
	counter(c.reopens, s.Reopens)

	current := c.capture.State()
	for _, st := range []capture.State{capture.StateStopped, capture.StateStarting, capture.StateRunning, capture.StateDraining} {
		v := 0.0
		if st == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}

	t := c.live.Totals()
	ch <- prometheus.MustNewConstMetric(c.liveFlows, prometheus.GaugeValue, float64(t.Flows))
	ch <- prometheus.MustNewConstMetric(c.liveBytes, prometheus.GaugeValue, float64(t.Bytes))
	ch <- prometheus.MustNewConstMetric(c.livePkts, prometheus.GaugeValue, float64(t.Packets))
}
