package agentlink

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are per-session counters. They are always collected; they are
// only exported when MetricsOption supplies a registerer, and only while the
// session is open so closed sessions leave no series behind.
type metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	notReadyPolls  prometheus.Counter
	bytesReceived  prometheus.Counter
	codecErrors    prometheus.Counter
}

func newMetrics(sessionID string) *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "agentlink",
			Subsystem:   "session",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"session": sessionID},
		})
	}

	return &metrics{
		framesSent:     counter("frames_sent_total", "Command frames written to the emulator."),
		framesReceived: counter("frames_received_total", "Non-empty frames read from the emulator."),
		notReadyPolls:  counter("not_ready_polls_total", "Zero-length headers read while waiting for a frame."),
		bytesReceived:  counter("bytes_received_total", "Frame body bytes read from the emulator."),
		codecErrors:    counter("codec_errors_total", "Frames whose payload failed to encode or decode."),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.framesSent, m.framesReceived, m.notReadyPolls, m.bytesReceived, m.codecErrors}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "register session metrics")
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
