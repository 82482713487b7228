// Package metrics registers the Prometheus instrumentation for the voice
// pipeline. Everything hangs off one Metrics value so tests can use an
// isolated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice bridge.
type Metrics struct {
	// Audio receive path
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	DecodeErrors   prometheus.Counter

	// Transcription
	SegmentsTranscribed prometheus.Counter
	SegmentsDropped     prometheus.Counter
	STTFailures         prometheus.Counter
	STTLatency          prometheus.Histogram

	// Queue
	TranscriptsEnqueued prometheus.Counter
	QueueSendFailures   prometheus.Counter
	QueueReadFailures   prometheus.Counter
	DuplicatesSkipped   prometheus.Counter

	// Turn taking
	WakesDetected   prometheus.Counter
	TurnsDispatched prometheus.Counter
	TurnsFailed     prometheus.Counter
	ReplyLatency    prometheus.Histogram

	// Sessions
	ActiveSessions prometheus.Gauge
	ActiveSpeakers prometheus.Gauge
}

// New creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_received_total",
			Help: "Total opus frames received from the voice transport",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_dropped_total",
			Help: "Total frames dropped (silence or unroutable)",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_decode_errors_total",
			Help: "Total opus decode failures",
		}),
		SegmentsTranscribed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_segments_transcribed_total",
			Help: "Total audio segments successfully transcribed",
		}),
		SegmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_segments_dropped_total",
			Help: "Total segments dropped (too short, no speech, degenerate text)",
		}),
		STTFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_stt_failures_total",
			Help: "Total transcription service failures other than no-speech",
		}),
		STTLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_stt_latency_seconds",
			Help:    "Latency of transcription requests",
			Buckets: prometheus.DefBuckets,
		}),
		TranscriptsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcripts_enqueued_total",
			Help: "Total transcript events enqueued to the turn queue",
		}),
		QueueSendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_queue_send_failures_total",
			Help: "Total turn queue send failures after retries",
		}),
		QueueReadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_queue_read_failures_total",
			Help: "Total turn queue read failures",
		}),
		DuplicatesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_duplicates_skipped_total",
			Help: "Total redelivered queue messages skipped by the dedup set",
		}),
		WakesDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_wakes_detected_total",
			Help: "Total wake phrase detections",
		}),
		TurnsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_turns_dispatched_total",
			Help: "Total completed turns handed to the response dispatcher",
		}),
		TurnsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_turns_failed_total",
			Help: "Total turns whose reply generation or playback failed",
		}),
		ReplyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_reply_latency_seconds",
			Help:    "Latency from dispatch to delivered reply",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Number of connected voice channel sessions",
		}),
		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_speakers",
			Help: "Number of speakers with a live transcription worker",
		}),
	}
}
