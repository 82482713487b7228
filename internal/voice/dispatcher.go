package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/llm"
)

// systemFraming primes the generator for voice-channel input: the text it
// sees came through speech recognition and may be mangled.
const systemFraming = "You are a voice assistant in a live voice channel. " +
	"The user messages you receive are transcriptions of speech and may contain " +
	"recognition errors, including a mangled version of your own name. Do not " +
	"over-interpret garbled text; if a request is unintelligible, ask the user " +
	"to repeat it. Never correct the user about your name. Keep replies short " +
	"and conversational, suitable for being read aloud."

// Messenger posts a text reply into the channel's companion text chat.
type Messenger interface {
	SendText(channelID, content string) error
}

// Speech turns reply text into PCM audio and plays it into the channel.
// Implementations may be absent (text-only deployments).
type Speech interface {
	Say(ctx context.Context, text string) error
}

// Dispatcher takes completed turns from the state machine, generates a
// reply, and delivers it to the channel.
type Dispatcher struct {
	llm       *llm.Client
	msgr      Messenger
	speech    Speech
	maxTokens int
	met       *metrics.Metrics
}

func NewDispatcher(client *llm.Client, msgr Messenger, speech Speech, cfg config.LLM, met *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		llm:       client,
		msgr:      msgr,
		speech:    speech,
		maxTokens: cfg.MaxTokens,
		met:       met,
	}
}

// Respond generates and delivers a reply for one turn. The reply always
// goes to the channel's text chat; voice playback is attempted when a
// speech backend is wired and is non-fatal when it fails.
func (d *Dispatcher) Respond(ctx context.Context, turn Turn) error {
	start := time.Now()

	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemFraming},
			{Role: "user", Content: turn.Utterance},
		},
		MaxTokens: d.maxTokens,
		User:      conversationKey(turn),
	}

	resp, err := d.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return fmt.Errorf("generate reply: empty completion")
	}

	logging.Infow("dispatching reply",
		"channel_id", turn.ChannelID,
		"user_id", turn.SpeakerID,
		"correlation_id", turn.CorrelationID,
		"generation_ms", time.Since(start).Milliseconds(),
	)

	if err := d.msgr.SendText(turn.ChannelID, reply); err != nil {
		return fmt.Errorf("send text reply: %w", err)
	}

	if d.speech != nil {
		if err := d.speech.Say(ctx, reply); err != nil {
			logging.Warnw("voice playback failed",
				"channel_id", turn.ChannelID,
				"correlation_id", turn.CorrelationID,
				"error", err,
			)
		}
	}
	return nil
}

// conversationKey keeps generator context separate per speaker per guild,
// matching how channel threads are kept apart.
func conversationKey(t Turn) string {
	return t.GuildID + "-" + t.SpeakerID
}
