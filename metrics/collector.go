package metrics

import (
	"github.com/database64128/blockack-go/engine"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blockack"

// EngineCollector collects a [engine.Stats] snapshot on every scrape.
type EngineCollector struct {
	engine *engine.Engine

	sessionsDesc             *prometheus.Desc
	sessionsOpenedDesc       *prometheus.Desc
	sessionsClosedDesc       *prometheus.Desc
	negotiationsRejectedDesc *prometheus.Desc
	framesMalformedDesc      *prometheus.Desc
	framesInvalidSessionDesc *prometheus.Desc

	framesReceivedDesc   *prometheus.Desc
	framesDeliveredDesc  *prometheus.Desc
	framesOutOfOrderDesc *prometheus.Desc
	framesDuplicateDesc  *prometheus.Desc
	framesStaleDesc      *prometheus.Desc
	slideLostDesc        *prometheus.Desc
	timeoutGapsDesc      *prometheus.Desc
}

// NewEngineCollector creates a [prometheus.Collector] over the engine's
// counters.
func NewEngineCollector(e *engine.Engine) *EngineCollector {
	return &EngineCollector{
		engine: e,

		sessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Number of currently allocated reorder sessions",
			nil, nil,
		),
		sessionsOpenedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_opened_total"),
			"Total number of sessions opened",
			nil, nil,
		),
		sessionsClosedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_closed_total"),
			"Total number of sessions closed",
			nil, nil,
		),
		negotiationsRejectedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "negotiations_rejected_total"),
			"Total number of session negotiations refused, rejected or abandoned",
			nil, nil,
		),
		framesMalformedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_malformed_total"),
			"Total number of frames dropped as malformed",
			nil, nil,
		),
		framesInvalidSessionDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_invalid_session_total"),
			"Total number of frames without a matching session",
			nil, nil,
		),
		framesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_received_total"),
			"Total number of data frames accepted into reorder windows",
			nil, nil,
		),
		framesDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_delivered_total"),
			"Total number of data frames delivered in sequence order",
			nil, nil,
		),
		framesOutOfOrderDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_out_of_order_total"),
			"Total number of data frames that arrived out of order",
			nil, nil,
		),
		framesDuplicateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_duplicate_total"),
			"Total number of data frames dropped as duplicates",
			nil, nil,
		),
		framesStaleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_stale_total"),
			"Total number of data frames dropped as stale",
			nil, nil,
		),
		slideLostDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "slide_lost_total"),
			"Total number of window positions lost to forced window slides",
			nil, nil,
		),
		timeoutGapsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "timeout_gaps_total"),
			"Total number of window positions given up on by the reorder flush timeout",
			nil, nil,
		),
	}
}

// Describe implements [prometheus.Collector.Describe].
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionsOpenedDesc
	ch <- c.sessionsClosedDesc
	ch <- c.negotiationsRejectedDesc
	ch <- c.framesMalformedDesc
	ch <- c.framesInvalidSessionDesc
	ch <- c.framesReceivedDesc
	ch <- c.framesDeliveredDesc
	ch <- c.framesOutOfOrderDesc
	ch <- c.framesDuplicateDesc
	ch <- c.framesStaleDesc
	ch <- c.slideLostDesc
	ch <- c.timeoutGapsDesc
}

// Collect implements [prometheus.Collector.Collect].
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(st.Sessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsOpenedDesc, prometheus.CounterValue, float64(st.SessionsOpened))
	ch <- prometheus.MustNewConstMetric(c.sessionsClosedDesc, prometheus.CounterValue, float64(st.SessionsClosed))
	ch <- prometheus.MustNewConstMetric(c.negotiationsRejectedDesc, prometheus.CounterValue, float64(st.NegotiationsRejected))
	ch <- prometheus.MustNewConstMetric(c.framesMalformedDesc, prometheus.CounterValue, float64(st.FramesMalformed))
	ch <- prometheus.MustNewConstMetric(c.framesInvalidSessionDesc, prometheus.CounterValue, float64(st.FramesInvalidSession))
	ch <- prometheus.MustNewConstMetric(c.framesReceivedDesc, prometheus.CounterValue, float64(st.FramesReceived))
	ch <- prometheus.MustNewConstMetric(c.framesDeliveredDesc, prometheus.CounterValue, float64(st.FramesDelivered))
	ch <- prometheus.MustNewConstMetric(c.framesOutOfOrderDesc, prometheus.CounterValue, float64(st.FramesOutOfOrder))
	ch <- prometheus.MustNewConstMetric(c.framesDuplicateDesc, prometheus.CounterValue, float64(st.FramesDuplicate))
	ch <- prometheus.MustNewConstMetric(c.framesStaleDesc, prometheus.CounterValue, float64(st.FramesStale))
	ch <- prometheus.MustNewConstMetric(c.slideLostDesc, prometheus.CounterValue, float64(st.SlideLost))
	ch <- prometheus.MustNewConstMetric(c.timeoutGapsDesc, prometheus.CounterValue, float64(st.TimeoutGaps))
}
