package flute

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Optional telemetry. The counters have no effect on the protocol and
// cost nothing unless a prometheus registry is scraped.
var (
	// PacketsSent counts ALC packets produced by Sender.Read.
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_packets_sent_total",
		Help: "Number of ALC packets produced by the sender",
	})

	// PacketsReceived counts datagrams accepted by Receiver.Push.
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_packets_received_total",
		Help: "Number of datagrams pushed into the receiver",
	})

	// MalformedPackets counts datagrams dropped during parsing.
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_malformed_packets_total",
		Help: "Number of datagrams dropped as malformed",
	})

	// ObjectsCompleted counts objects delivered to the writer.
	ObjectsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_objects_completed_total",
		Help: "Number of objects reconstructed and delivered",
	})

	// ObjectsFailed counts objects that ended in the failed state.
	ObjectsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_objects_failed_total",
		Help: "Number of objects that could not be reconstructed",
	})

	// FecDecodeFailures counts blocks lost to decode failures.
	FecDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flute_fec_decode_failures_total",
		Help: "Number of source blocks that failed FEC decoding",
	})

	// SessionsActive tracks the receiver session count.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flute_sessions_active",
		Help: "Number of live receiver sessions",
	})
)
