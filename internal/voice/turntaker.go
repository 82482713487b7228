package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/internal/queue"
)

// eventSource is the slice of the queue API the consumer loop needs.
type eventSource interface {
	ReadBatch(ctx context.Context, queueName string, vt time.Duration, limit int) ([]queue.Message, error)
	Delete(ctx context.Context, queueName string, msgID int64) error
}

// CuePlayer plays the audible acknowledgment when a wake phrase opens a
// turn.
type CuePlayer interface {
	PlayCue(ctx context.Context) error
}

// respondingTo tracks the speaker currently being accumulated for and the
// moment of their most recent fragment. It exists only while a turn is
// open.
type respondingTo struct {
	speakerID   string
	lastMessage time.Time
}

// TurnTaker is the single consumer of one channel's transcript queue. It
// detects wake phrases, accumulates the addressing speaker's fragments, and
// endpoints the turn after a silence timeout. No two turns for the same
// channel are ever evaluated concurrently.
type TurnTaker struct {
	channelID string
	guildID   string

	src       eventSource
	wake      *WakeDetector
	responder Responder
	cue       CuePlayer
	cfg       config.Turn
	met       *metrics.Metrics

	state     *respondingTo
	fragments []string
	seen      *dedupSet
}

func NewTurnTaker(channelID, guildID string, src eventSource, wake *WakeDetector, responder Responder, cue CuePlayer, cfg config.Turn, met *metrics.Metrics) *TurnTaker {
	return &TurnTaker{
		channelID: channelID,
		guildID:   guildID,
		src:       src,
		wake:      wake,
		responder: responder,
		cue:       cue,
		cfg:       cfg,
		met:       met,
		seen:      newDedupSet(cfg.DedupTTL),
	}
}

// queueReadFailureLimit bounds how many consecutive read failures are
// tolerated before the queue backend is declared unavailable and the error
// is surfaced to the session supervisor.
const queueReadFailureLimit = 3

// Run polls the queue until ctx is cancelled. It returns nil on cancellation
// and a non-nil error only when the queue backend is unavailable, which is
// fatal to this channel's session.
func (t *TurnTaker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		msgs, err := t.src.ReadBatch(ctx, t.channelID, t.cfg.VisibilityTimeout, t.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.met.QueueReadFailures.Inc()
			failures++
			logging.Warnw("turn: queue read failed", "channel_id", t.channelID, "failures", failures, "err", err)
			if failures >= queueReadFailureLimit {
				return fmt.Errorf("queue backend unavailable for channel %s: %w", t.channelID, err)
			}
			continue
		}
		failures = 0

		for _, m := range msgs {
			t.handleMessage(ctx, m)
		}
		t.checkEndOfStatement(ctx)
	}
}

// handleMessage deletes the message, skips redeliveries, and folds the
// transcript event into the state machine.
func (t *TurnTaker) handleMessage(ctx context.Context, m queue.Message) {
	if err := t.src.Delete(ctx, t.channelID, m.MsgID); err != nil {
		// At-least-once: the message may come back after its lease; the
		// dedup set keeps the redelivery from double-appending.
		logging.Warnw("turn: queue delete failed", "channel_id", t.channelID, "msg_id", m.MsgID, "err", err)
	}
	if t.seen.observe(m.MsgID, time.Now()) {
		t.met.DuplicatesSkipped.Inc()
		return
	}

	var ev TranscriptEvent
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		logging.Warnw("turn: malformed transcript payload", "channel_id", t.channelID, "msg_id", m.MsgID, "err", err)
		return
	}
	t.fold(ctx, ev)
}

// fold applies one transcript event to the state machine.
func (t *TurnTaker) fold(ctx context.Context, ev TranscriptEvent) {
	now := time.Now()

	// Continuation by the addressed speaker wins over everything else,
	// including text that happens to resemble the wake phrase.
	if t.state != nil && ev.SpeakerID == t.state.speakerID {
		t.appendFragment(ev.Text)
		t.state.lastMessage = now
		return
	}

	if t.wake.Detect(ev.Text) {
		// Latest wake wins: a qualifying wake from another speaker
		// supersedes the turn in progress.
		t.met.WakesDetected.Inc()
		logging.Infow("wake phrase detected", logging.TurnFields(t.channelID, ev.SpeakerID, len(t.fragments))...)
		t.fragments = t.fragments[:0]
		t.appendFragment(ev.Text)
		t.state = &respondingTo{speakerID: ev.SpeakerID, lastMessage: now}
		if t.cue != nil {
			if err := t.cue.PlayCue(ctx); err != nil {
				logging.Debugw("turn: ack cue failed", "channel_id", t.channelID, "err", err)
			}
		}
		return
	}

	// Not addressed to us, or a bystander talking over an open turn:
	// discard without touching the timeout clock.
	logging.Debugw("turn: event discarded", "channel_id", t.channelID, "speaker", ev.SpeakerID)
}

// appendFragment keeps the utterance buffer bounded to the most recent
// fragments.
func (t *TurnTaker) appendFragment(text string) {
	if len(t.fragments) >= t.cfg.UtteranceCap {
		t.fragments = t.fragments[1:]
	}
	t.fragments = append(t.fragments, text)
}

// checkEndOfStatement endpoints the open turn once the addressed speaker
// has been silent past the end-of-statement timeout. The dispatcher is
// invoked exactly once and the machine returns to idle whether or not the
// reply succeeded.
func (t *TurnTaker) checkEndOfStatement(ctx context.Context) {
	if t.state == nil {
		return
	}
	if time.Since(t.state.lastMessage) <= t.cfg.EndOfStatement {
		return
	}

	turn := Turn{
		ChannelID: t.channelID,
		GuildID:   t.guildID,
		SpeakerID: t.state.speakerID,
		Utterance: strings.Join(t.fragments, " "),
	}
	t.state = nil
	t.fragments = nil

	t.met.TurnsDispatched.Inc()
	start := time.Now()
	if err := t.responder.Respond(ctx, turn); err != nil {
		t.met.TurnsFailed.Inc()
		logging.Errorw("turn: response failed", "channel_id", t.channelID, "speaker", turn.SpeakerID, "err", err)
		return
	}
	t.met.ReplyLatency.Observe(time.Since(start).Seconds())
	logging.Infow("turn: responded", "channel_id", t.channelID, "speaker", turn.SpeakerID, "utterance_len", len(turn.Utterance))
}

// dedupSet remembers recently processed message IDs for a bounded TTL so a
// redelivered lease does not double-append into the utterance buffer.
type dedupSet struct {
	ttl  time.Duration
	seen map[int64]time.Time
}

func newDedupSet(ttl time.Duration) *dedupSet {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &dedupSet{ttl: ttl, seen: make(map[int64]time.Time)}
}

// observe records the ID and reports whether it was already present. Expired
// entries are swept opportunistically.
func (d *dedupSet) observe(id int64, now time.Time) bool {
	for k, ts := range d.seen {
		if now.Sub(ts) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[id]; dup {
		return true
	}
	d.seen[id] = now
	return false
}
