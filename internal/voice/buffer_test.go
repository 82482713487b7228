package voice

import (
	"bytes"
	"testing"
	"time"
)

func TestBufferReadReturnsRequestedBytes(t *testing.T) {
	b := NewSpeakerBuffer()
	b.Write([]byte{1, 2, 3, 4, 5, 6})

	got := b.Read(4, 50*time.Millisecond)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("read = %v", got)
	}
	if b.Len() != 2 {
		t.Fatalf("remaining = %d, want 2", b.Len())
	}
}

func TestBufferShortReadOnTimeout(t *testing.T) {
	b := NewSpeakerBuffer()
	b.Write([]byte{9, 9})

	start := time.Now()
	got := b.Read(100, 40*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("short read = %d bytes, want 2", len(got))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("returned before the timeout with too few bytes")
	}
}

func TestBufferReadWakesOnConcurrentWrite(t *testing.T) {
	b := NewSpeakerBuffer()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Write(make([]byte, 64))
	}()

	got := b.Read(64, time.Second)
	if len(got) != 64 {
		t.Fatalf("read %d bytes, want 64", len(got))
	}
}

func TestBufferClose(t *testing.T) {
	b := NewSpeakerBuffer()
	b.Write([]byte{1, 2, 3})
	b.Close()

	if got := b.Read(10, time.Second); got != nil {
		t.Fatalf("read after close = %v, want nil", got)
	}
	b.Write([]byte{4})
	if b.Len() != 0 {
		t.Fatalf("write after close should be dropped")
	}
}
