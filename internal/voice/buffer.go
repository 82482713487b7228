package voice

import (
	"sync"
	"time"
)

// SpeakerBuffer accumulates decoded PCM bytes for one speaker. The audio
// receive path appends and must never block; the speaker's transcription
// worker drains it with polling reads. One buffer exists per active speaker
// in a channel session and is released on teardown.
type SpeakerBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

const readPollStep = 10 * time.Millisecond

func NewSpeakerBuffer() *SpeakerBuffer {
	return &SpeakerBuffer{data: make([]byte, 0, 48000*2)}
}

// Write appends PCM bytes. It only takes the mutex for the append, so the
// receive callback returns in bounded time.
func (b *SpeakerBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if !b.closed {
		b.data = append(b.data, p...)
	}
	b.mu.Unlock()
}

// Read removes and returns up to n bytes. It polls in short steps until n
// bytes are available or timeout passes, then returns whatever accumulated
// (possibly nothing). A short read is normal end-of-stream behavior, not an
// error.
func (b *SpeakerBuffer) Read(n int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if len(b.data) >= n || b.closed {
			out := b.take(n)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			b.mu.Lock()
			out := b.take(n)
			b.mu.Unlock()
			return out
		}
		time.Sleep(readPollStep)
	}
}

// take removes up to n bytes; callers hold the mutex.
func (b *SpeakerBuffer) take(n int) []byte {
	if len(b.data) == 0 {
		return nil
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[:copy(b.data, b.data[n:])]
	return out
}

// Len returns the number of buffered bytes.
func (b *SpeakerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Close discards buffered data and makes subsequent reads return
// immediately. Writes after Close are dropped.
func (b *SpeakerBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.data = nil
	b.mu.Unlock()
}
