package voice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/internal/queue"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]queue.Message
	deleted []int64
	readErr error
}

func (f *fakeSource) ReadBatch(ctx context.Context, queueName string, vt time.Duration, limit int) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Delete(ctx context.Context, queueName string, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	return nil
}

type fakeResponder struct {
	mu    sync.Mutex
	turns []Turn
	done  chan struct{}
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{done: make(chan struct{}, 8)}
}

func (f *fakeResponder) Respond(ctx context.Context, turn Turn) error {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeResponder) dispatched() []Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Turn(nil), f.turns...)
}

type fakeCue struct {
	mu sync.Mutex
	n  int
}

func (f *fakeCue) PlayCue(ctx context.Context) error {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return nil
}

func (f *fakeCue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func testTurnConfig() config.Turn {
	return config.Turn{
		PollInterval:      5 * time.Millisecond,
		EndOfStatement:    30 * time.Millisecond,
		VisibilityTimeout: time.Second,
		BatchSize:         5,
		UtteranceCap:      100,
		DedupTTL:          time.Minute,
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func msg(id int64, speaker, text string) queue.Message {
	payload, _ := json.Marshal(TranscriptEvent{
		SpeakerID: speaker,
		ChannelID: "chan",
		GuildID:   "guild",
		Timestamp: time.Now(),
		Text:      text,
	})
	return queue.Message{MsgID: id, Payload: payload}
}

func awaitTurn(t *testing.T, r *fakeResponder) Turn {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no turn dispatched")
	}
	turns := r.dispatched()
	return turns[len(turns)-1]
}

func TestTurnAccumulatesAndDispatches(t *testing.T) {
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "hey grug")},
		{msg(2, "u1", "what is"), msg(3, "u1", "two plus two")},
	}}
	resp := newFakeResponder()
	cue := &fakeCue{}
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, cue, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tt.Run(ctx)

	turn := awaitTurn(t, resp)
	if turn.Utterance != "hey grug what is two plus two" {
		t.Fatalf("utterance = %q", turn.Utterance)
	}
	if turn.SpeakerID != "u1" {
		t.Fatalf("speaker = %q", turn.SpeakerID)
	}
	if cue.count() != 1 {
		t.Fatalf("cue played %d times, want 1", cue.count())
	}

	src.mu.Lock()
	deleted := len(src.deleted)
	src.mu.Unlock()
	if deleted != 3 {
		t.Fatalf("deleted %d messages, want 3", deleted)
	}
}

func TestBystanderDoesNotLeakIntoTurn(t *testing.T) {
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "hey grug"), msg(2, "u2", "unrelated chatter"), msg(3, "u1", "set a timer")},
	}}
	resp := newFakeResponder()
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, nil, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tt.Run(ctx)

	turn := awaitTurn(t, resp)
	if strings.Contains(turn.Utterance, "unrelated") {
		t.Fatalf("bystander text leaked into %q", turn.Utterance)
	}
	if turn.Utterance != "hey grug set a timer" {
		t.Fatalf("utterance = %q", turn.Utterance)
	}
}

func TestNoDispatchWithoutWake(t *testing.T) {
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "what time is it"), msg(2, "u2", "no idea")},
	}}
	resp := newFakeResponder()
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, nil, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	tt.Run(ctx)

	if n := len(resp.dispatched()); n != 0 {
		t.Fatalf("dispatched %d turns, want 0", n)
	}
}

func TestLatestWakeWins(t *testing.T) {
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "hey grug"), msg(2, "u1", "tell me about"), msg(3, "u2", "hey grug what day is it")},
	}}
	resp := newFakeResponder()
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, nil, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tt.Run(ctx)

	turn := awaitTurn(t, resp)
	if turn.SpeakerID != "u2" {
		t.Fatalf("speaker = %q, want u2", turn.SpeakerID)
	}
	if turn.Utterance != "hey grug what day is it" {
		t.Fatalf("superseding turn kept old fragments: %q", turn.Utterance)
	}
}

func TestContinuationBeatsWakeLookingText(t *testing.T) {
	// The addressed speaker saying something wake-like is a continuation,
	// not a new turn.
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "hey grug"), msg(2, "u1", "hey grug are you there")},
	}}
	resp := newFakeResponder()
	cue := &fakeCue{}
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, cue, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tt.Run(ctx)

	turn := awaitTurn(t, resp)
	if turn.Utterance != "hey grug hey grug are you there" {
		t.Fatalf("utterance = %q", turn.Utterance)
	}
	if cue.count() != 1 {
		t.Fatalf("cue played %d times, want 1", cue.count())
	}
}

func TestRedeliveredMessageAppendsOnce(t *testing.T) {
	src := &fakeSource{batches: [][]queue.Message{
		{msg(1, "u1", "hey grug")},
		{msg(2, "u1", "open the door")},
		{msg(2, "u1", "open the door")}, // lease expired, redelivered
	}}
	resp := newFakeResponder()
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), resp, nil, testTurnConfig(), testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tt.Run(ctx)

	turn := awaitTurn(t, resp)
	if turn.Utterance != "hey grug open the door" {
		t.Fatalf("redelivery double-appended: %q", turn.Utterance)
	}
}

func TestUtteranceCapDropsOldest(t *testing.T) {
	cfg := testTurnConfig()
	cfg.UtteranceCap = 3
	tt := NewTurnTaker("chan", "guild", &fakeSource{}, NewWakeDetector("grug", 80), newFakeResponder(), nil, cfg, testMetrics())

	ctx := context.Background()
	tt.fold(ctx, TranscriptEvent{SpeakerID: "u1", Text: "hey grug"})
	for _, s := range []string{"one", "two", "three", "four"} {
		tt.fold(ctx, TranscriptEvent{SpeakerID: "u1", Text: s})
	}
	got := strings.Join(tt.fragments, " ")
	if got != "two three four" {
		t.Fatalf("fragments = %q", got)
	}
}

func TestQueueBackendFailureIsFatal(t *testing.T) {
	src := &fakeSource{readErr: errors.New("connection refused")}
	tt := NewTurnTaker("chan", "guild", src, NewWakeDetector("grug", 80), newFakeResponder(), nil, testTurnConfig(), testMetrics())

	errc := make(chan error, 1)
	go func() { errc <- tt.Run(context.Background()) }()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected an error after repeated read failures")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDedupSetExpiry(t *testing.T) {
	d := newDedupSet(50 * time.Millisecond)
	now := time.Now()
	if d.observe(1, now) {
		t.Fatal("first observation reported as duplicate")
	}
	if !d.observe(1, now.Add(10*time.Millisecond)) {
		t.Fatal("second observation not reported as duplicate")
	}
	if d.observe(1, now.Add(100*time.Millisecond)) {
		t.Fatal("expired entry still reported as duplicate")
	}
}
