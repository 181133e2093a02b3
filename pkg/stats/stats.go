// Package stats exposes MainDevice counters as Prometheus collectors.
// All hooks are nil-safe so the core never requires a registry.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Stats struct {
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	PduTimeouts    prometheus.Counter
	PduRetries     prometheus.Counter
	WkcMismatches  prometheus.Counter
	CycleDuration  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_frames_sent_total",
			Help: "Ethernet frames handed to the link TX path",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_frames_received_total",
			Help: "Reflected frames matched back to a frame slot",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_frames_dropped_total",
			Help: "Inbound frames dropped by filtering or parse errors",
		}),
		PduTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_pdu_timeouts_total",
			Help: "Frame round trips that expired without a response",
		}),
		PduRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_pdu_retries_total",
			Help: "Frame re-submissions after a round trip timeout",
		}),
		WkcMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "ethercat_wkc_mismatches_total",
			Help: "Working counter values differing from expectation",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ethercat_cycle_duration_seconds",
			Help:    "Duration of cyclic process data exchanges",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
	}
}

func (s *Stats) FrameSent() {
	if s != nil {
		s.FramesSent.Inc()
	}
}

func (s *Stats) FrameReceived() {
	if s != nil {
		s.FramesReceived.Inc()
	}
}

func (s *Stats) FrameDropped() {
	if s != nil {
		s.FramesDropped.Inc()
	}
}

func (s *Stats) PduTimeout() {
	if s != nil {
		s.PduTimeouts.Inc()
	}
}

func (s *Stats) PduRetry() {
	if s != nil {
		s.PduRetries.Inc()
	}
}

func (s *Stats) WkcMismatch() {
	if s != nil {
		s.WkcMismatches.Inc()
	}
}

func (s *Stats) ObserveCycle(seconds float64) {
	if s != nil {
		s.CycleDuration.Observe(seconds)
	}
}
