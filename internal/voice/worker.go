package voice

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/metrics"
)

const (
	sampleRate     = 48000
	bytesPerSample = 2

	// chunkBytes is 100ms of mono PCM16 at 48kHz, the granularity the
	// worker drains its speaker buffer at.
	chunkBytes = sampleRate / 10 * bytesPerSample

	chunkReadTimeout = 100 * time.Millisecond
)

// TranscriptionWorker drains one speaker's buffer, cuts it into phrases on
// pauses and the phrase time limit, transcribes each phrase, and enqueues
// the resulting transcript events. Exactly one worker runs per active
// speaker; it lives until the channel session is torn down.
type TranscriptionWorker struct {
	channelID string
	guildID   string

	buf *SpeakerBuffer
	tr  Transcriber
	pub Publisher
	cfg config.STT
	met *metrics.Metrics

	// resolveSpeaker returns the speaker's user ID, which may be unknown
	// until the transport delivers a speaking update for the SSRC.
	resolveSpeaker func() string

	// onFatal reports unrecoverable delivery failures to the session.
	onFatal func(error)
}

func NewTranscriptionWorker(channelID, guildID string, buf *SpeakerBuffer, tr Transcriber, pub Publisher, cfg config.STT, met *metrics.Metrics, resolveSpeaker func() string, onFatal func(error)) *TranscriptionWorker {
	return &TranscriptionWorker{
		channelID:      channelID,
		guildID:        guildID,
		buf:            buf,
		tr:             tr,
		pub:            pub,
		cfg:            cfg,
		met:            met,
		resolveSpeaker: resolveSpeaker,
		onFatal:        onFatal,
	}
}

// Run loops until ctx is cancelled. Transcription failures never stop the
// worker; only a queue delivery failure is escalated via onFatal.
func (w *TranscriptionWorker) Run(ctx context.Context) {
	w.met.ActiveSpeakers.Inc()
	defer w.met.ActiveSpeakers.Dec()

	var (
		segment   []byte
		speaking  bool
		segStart  time.Time
		lastVoice time.Time
	)

	finalize := func() {
		seg := segment
		segment = nil
		speaking = false
		if len(seg) == 0 {
			return
		}
		w.processSegment(ctx, seg)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		chunk := w.buf.Read(chunkBytes, chunkReadTimeout)
		if ctx.Err() != nil {
			return
		}
		now := time.Now()

		if len(chunk) == 0 {
			if speaking && now.Sub(lastVoice) > w.cfg.PauseWindow {
				finalize()
			}
			continue
		}

		voiced := rmsOf(chunk) >= w.cfg.RMSThreshold
		if !speaking {
			if !voiced {
				continue
			}
			speaking = true
			segStart = now
			lastVoice = now
		} else if voiced {
			lastVoice = now
		}
		segment = append(segment, chunk...)

		if now.Sub(lastVoice) > w.cfg.PauseWindow || now.Sub(segStart) >= w.cfg.PhraseTimeLimit {
			finalize()
		}
	}
}

// processSegment transcribes one phrase and enqueues the transcript event.
func (w *TranscriptionWorker) processSegment(ctx context.Context, seg []byte) {
	if len(seg) < w.cfg.MinSegmentBytes {
		w.met.SegmentsDropped.Inc()
		return
	}

	speakerID := w.awaitSpeakerID()
	if speakerID == "" {
		w.met.SegmentsDropped.Inc()
		logging.Warnw("dropping segment with unknown speaker; not sending to STT", "channel_id", w.channelID)
		return
	}

	correlationID := uuid.NewString()
	start := time.Now()
	text, err := w.tr.Transcribe(ctx, seg, correlationID)
	w.met.STTLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrNoSpeech) {
			w.met.SegmentsDropped.Inc()
			logging.Debugw("bad speech chunk", "speaker", speakerID, "correlation_id", correlationID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.met.STTFailures.Inc()
		logging.Errorw("stt: transcription failed; dropping segment", "err", err, "speaker", speakerID, "correlation_id", correlationID)
		return
	}

	// Whisper keeps hallucinating a bare "you" on near-silent segments, so
	// transcripts that are exactly that token are discarded with the rest
	// of the degenerate results.
	if text == "" || strings.EqualFold(text, "you") {
		w.met.SegmentsDropped.Inc()
		return
	}
	w.met.SegmentsTranscribed.Inc()

	ev := TranscriptEvent{
		SpeakerID:     speakerID,
		ChannelID:     w.channelID,
		GuildID:       w.guildID,
		Timestamp:     time.Now().UTC(),
		Text:          text,
		CorrelationID: correlationID,
	}
	if err := w.pub.Publish(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.met.QueueSendFailures.Inc()
		logging.Errorw("queue: transcript delivery failed", "err", err, "channel_id", w.channelID, "correlation_id", correlationID)
		if w.onFatal != nil {
			w.onFatal(err)
		}
		return
	}
	w.met.TranscriptsEnqueued.Inc()
	logging.Infow("transcript enqueued", "channel_id", w.channelID, "speaker", speakerID, "text_len", len(text), "correlation_id", correlationID)
}

// awaitSpeakerID waits briefly for the SSRC to be mapped to a user, since a
// speaking update can race the first audio frames.
func (w *TranscriptionWorker) awaitSpeakerID() string {
	if id := w.resolveSpeaker(); id != "" {
		return id
	}
	waitUntil := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(waitUntil) {
		time.Sleep(25 * time.Millisecond)
		if id := w.resolveSpeaker(); id != "" {
			return id
		}
	}
	return ""
}

// rmsOf computes the RMS amplitude of a PCM16LE chunk.
func rmsOf(chunk []byte) int {
	n := len(chunk) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sumSq int64
	for i := 0; i < n; i++ {
		s := int64(int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8))
		sumSq += s * s
	}
	return int(math.Sqrt(float64(sumSq / int64(n))))
}
