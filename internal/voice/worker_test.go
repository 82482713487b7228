package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-bridge/internal/config"
)

type scriptTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *scriptTranscriber) Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.text, s.err
}

func (s *scriptTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capturePublisher struct {
	ch  chan TranscriptEvent
	err error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{ch: make(chan TranscriptEvent, 8)}
}

func (c *capturePublisher) Publish(ctx context.Context, ev TranscriptEvent) error {
	if c.err != nil {
		return c.err
	}
	c.ch <- ev
	return nil
}

func testSTTConfig() config.STT {
	return config.STT{
		PhraseTimeLimit: 2 * time.Second,
		PauseWindow:     30 * time.Millisecond,
		MinSegmentBytes: 1000,
		RMSThreshold:    300,
	}
}

// loudPCM builds n samples of a constant-amplitude square wave, well above
// the RMS threshold.
func loudPCM(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(4000)
		if i%2 == 1 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func startWorker(t *testing.T, buf *SpeakerBuffer, tr Transcriber, pub Publisher, cfg config.STT, onFatal func(error)) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewTranscriptionWorker("chan", "guild", buf, tr, pub, cfg, testMetrics(), func() string { return "u1" }, onFatal)
	go w.Run(ctx)
	return cancel
}

func TestWorkerPublishesTranscribedSegment(t *testing.T) {
	buf := NewSpeakerBuffer()
	tr := &scriptTranscriber{text: "turn on the lights"}
	pub := newCapturePublisher()
	cancel := startWorker(t, buf, tr, pub, testSTTConfig(), nil)
	defer cancel()

	buf.Write(loudPCM(2 * chunkBytes / bytesPerSample))

	select {
	case ev := <-pub.ch:
		if ev.Text != "turn on the lights" {
			t.Fatalf("text = %q", ev.Text)
		}
		if ev.SpeakerID != "u1" || ev.ChannelID != "chan" || ev.GuildID != "guild" {
			t.Fatalf("routing fields wrong: %+v", ev)
		}
		if ev.CorrelationID == "" {
			t.Fatal("missing correlation id")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript published")
	}
}

func TestWorkerDropsDegenerateTranscripts(t *testing.T) {
	buf := NewSpeakerBuffer()
	tr := &scriptTranscriber{text: "You"}
	pub := newCapturePublisher()
	cancel := startWorker(t, buf, tr, pub, testSTTConfig(), nil)
	defer cancel()

	buf.Write(loudPCM(2 * chunkBytes / bytesPerSample))

	select {
	case ev := <-pub.ch:
		t.Fatalf("degenerate transcript published: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
	if tr.callCount() == 0 {
		t.Fatal("transcriber never invoked")
	}
}

func TestWorkerSkipsShortSegments(t *testing.T) {
	cfg := testSTTConfig()
	cfg.MinSegmentBytes = 1 << 20
	buf := NewSpeakerBuffer()
	tr := &scriptTranscriber{text: "hi"}
	pub := newCapturePublisher()
	cancel := startWorker(t, buf, tr, pub, cfg, nil)
	defer cancel()

	buf.Write(loudPCM(chunkBytes / bytesPerSample))

	time.Sleep(500 * time.Millisecond)
	if tr.callCount() != 0 {
		t.Fatal("short segment should not reach STT")
	}
}

func TestWorkerIgnoresQuietAudio(t *testing.T) {
	buf := NewSpeakerBuffer()
	tr := &scriptTranscriber{text: "hi"}
	pub := newCapturePublisher()
	cancel := startWorker(t, buf, tr, pub, testSTTConfig(), nil)
	defer cancel()

	buf.Write(make([]byte, 4*chunkBytes)) // silence

	time.Sleep(500 * time.Millisecond)
	if tr.callCount() != 0 {
		t.Fatal("silent audio should not reach STT")
	}
}

func TestWorkerEscalatesDeliveryFailure(t *testing.T) {
	buf := NewSpeakerBuffer()
	tr := &scriptTranscriber{text: "hello there"}
	pub := newCapturePublisher()
	pub.err = errors.New("queue down")

	fatal := make(chan error, 1)
	cancel := startWorker(t, buf, tr, pub, testSTTConfig(), func(err error) { fatal <- err })
	defer cancel()

	buf.Write(loudPCM(2 * chunkBytes / bytesPerSample))

	select {
	case err := <-fatal:
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delivery failure not escalated")
	}
}

func TestRMS(t *testing.T) {
	if got := rmsOf(make([]byte, 1000)); got != 0 {
		t.Fatalf("rms of silence = %d", got)
	}
	if got := rmsOf(loudPCM(1000)); got < 3500 || got > 4100 {
		t.Fatalf("rms of square wave = %d, want ~4000", got)
	}
}
