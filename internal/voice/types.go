package voice

import (
	"context"
	"time"
)

// TranscriptEvent is the immutable unit a transcription worker enqueues for
// a channel's consumer. Field names match the queue payload wire format.
type TranscriptEvent struct {
	SpeakerID     string    `json:"user_id"`
	ChannelID     string    `json:"channel_id"`
	GuildID       string    `json:"guild_id"`
	Timestamp     time.Time `json:"message_timestamp"`
	Text          string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Turn is one completed accumulate-then-respond cycle handed to the
// dispatcher: everything the addressed speaker said, flattened in arrival
// order.
type Turn struct {
	ChannelID     string
	GuildID       string
	SpeakerID     string
	Utterance     string
	CorrelationID string
}

// Responder generates and delivers a reply for a completed turn.
type Responder interface {
	Respond(ctx context.Context, turn Turn) error
}

// Publisher hands a transcript event to the channel's durable queue.
type Publisher interface {
	Publish(ctx context.Context, ev TranscriptEvent) error
}

// Transcriber converts a PCM16LE mono 48kHz segment to text. It returns
// ErrNoSpeech when the segment contains no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error)
}
