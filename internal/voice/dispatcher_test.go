package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/llm"
)

type fakeMessenger struct {
	mu       sync.Mutex
	channels []string
	texts    []string
	err      error
}

func (f *fakeMessenger) SendText(channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.channels = append(f.channels, channelID)
	f.texts = append(f.texts, content)
	return nil
}

type fakeSpeech struct {
	mu   sync.Mutex
	said []string
	err  error
}

func (f *fakeSpeech) Say(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.said = append(f.said, text)
	return nil
}

type capturedChat struct {
	Model    string `json:"model"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newChatServer(t *testing.T, reply string, captured *capturedChat) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			json.NewDecoder(r.Body).Decode(captured)
		}
		resp := map[string]interface{}{"choices": []map[string]interface{}{{"message": map[string]string{"content": reply}}}}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testLLMConfig(baseURL string) config.LLM {
	return config.LLM{
		BaseURL:   baseURL,
		Model:     "local",
		MaxTokens: 128,
		Timeout:   2 * time.Second,
	}
}

func TestDispatcherSendsReply(t *testing.T) {
	var captured capturedChat
	ts := newChatServer(t, "four", &captured)
	defer ts.Close()

	cfg := testLLMConfig(ts.URL)
	msgr := &fakeMessenger{}
	speech := &fakeSpeech{}
	d := NewDispatcher(llm.NewClient(cfg), msgr, speech, cfg, testMetrics())

	turn := Turn{ChannelID: "chan", GuildID: "guild", SpeakerID: "u1", Utterance: "hey grug what is two plus two"}
	if err := d.Respond(context.Background(), turn); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("expected system framing then user message, got %+v", captured.Messages)
	}
	if !strings.Contains(captured.Messages[0].Content, "transcriptions of speech") {
		t.Fatalf("system framing missing: %q", captured.Messages[0].Content)
	}
	if captured.Messages[1].Content != turn.Utterance {
		t.Fatalf("user message = %q", captured.Messages[1].Content)
	}
	if captured.User != "guild-u1" {
		t.Fatalf("conversation key = %q", captured.User)
	}

	if len(msgr.texts) != 1 || msgr.texts[0] != "four" {
		t.Fatalf("text reply = %v", msgr.texts)
	}
	if msgr.channels[0] != "chan" {
		t.Fatalf("reply channel = %q", msgr.channels[0])
	}
	if len(speech.said) != 1 || speech.said[0] != "four" {
		t.Fatalf("spoken reply = %v", speech.said)
	}
}

func TestDispatcherPlaybackFailureIsNotFatal(t *testing.T) {
	ts := newChatServer(t, "ok", nil)
	defer ts.Close()

	cfg := testLLMConfig(ts.URL)
	msgr := &fakeMessenger{}
	speech := &fakeSpeech{err: errors.New("voice gone")}
	d := NewDispatcher(llm.NewClient(cfg), msgr, speech, cfg, testMetrics())

	if err := d.Respond(context.Background(), Turn{ChannelID: "chan", SpeakerID: "u1", Utterance: "hi"}); err != nil {
		t.Fatalf("playback failure should not fail the turn: %v", err)
	}
	if len(msgr.texts) != 1 {
		t.Fatal("text reply should still be delivered")
	}
}

func TestDispatcherEmptyCompletionIsError(t *testing.T) {
	ts := newChatServer(t, "   ", nil)
	defer ts.Close()

	cfg := testLLMConfig(ts.URL)
	d := NewDispatcher(llm.NewClient(cfg), &fakeMessenger{}, nil, cfg, testMetrics())

	if err := d.Respond(context.Background(), Turn{ChannelID: "chan", SpeakerID: "u1", Utterance: "hi"}); err == nil {
		t.Fatal("expected an error for an empty completion")
	}
}

func TestDispatcherTextSendFailure(t *testing.T) {
	ts := newChatServer(t, "ok", nil)
	defer ts.Close()

	cfg := testLLMConfig(ts.URL)
	msgr := &fakeMessenger{err: errors.New("channel gone")}
	d := NewDispatcher(llm.NewClient(cfg), msgr, nil, cfg, testMetrics())

	if err := d.Respond(context.Background(), Turn{ChannelID: "chan", SpeakerID: "u1", Utterance: "hi"}); err == nil {
		t.Fatal("expected an error when the text send fails")
	}
}
