package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_active_sessions",
		Help: "Number of connected device sessions",
	})
	ActiveTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_active_turns",
		Help: "Number of in-flight conversational turns",
	})
)

// Counters
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_sessions_created_total",
		Help: "Total device sessions created",
	})
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_turns_total",
		Help: "Total conversational turns by outcome",
	}, []string{"outcome"})
	TranscriptsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_transcripts_discarded_total",
		Help: "Transcripts discarded because a turn was already in flight",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_opus_decode_errors_total",
		Help: "Total Opus decode failures on inbound frames",
	})
	EncodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_opus_encode_errors_total",
		Help: "Total Opus encode failures on outbound audio",
	})
	RecognizerRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_recognizer_recoveries_total",
		Help: "Total recognition client replacements after send failures",
	})
	KeepAliveFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_keepalive_frames_total",
		Help: "Silence frames sent to the recognizer during pauses",
	})
	FramesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_frames_sent_total",
		Help: "Total outbound audio frames delivered to devices",
	})
)

// Histograms
var (
	TurnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicegate_turn_duration_ms",
		Help:    "Conversational turn duration in milliseconds by stage",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
	}, []string{"stage"})
)
