package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/discord-voice-bridge/internal/config"
)

func whisperClient(url string) *WhisperClient {
	return NewWhisperClient(config.STT{
		WhisperURL: url,
		Language:   "en",
		Timeout:    2 * time.Second,
	})
}

func TestTranscribeSuccess(t *testing.T) {
	var gotBody []byte
	var gotLang string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLang = r.URL.Query().Get("language")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"text": "  hello world  "})
	}))
	defer ts.Close()

	text, err := whisperClient(ts.URL).Transcribe(context.Background(), make([]byte, 9600), "corr-1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text = %q", text)
	}
	if gotLang != "en" {
		t.Fatalf("language param = %q", gotLang)
	}
	if !bytes.HasPrefix(gotBody, []byte("RIFF")) {
		t.Fatal("body is not a WAV")
	}
}

func TestTranscribeEmptyIsNoSpeech(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer ts.Close()

	_, err := whisperClient(ts.URL).Transcribe(context.Background(), make([]byte, 9600), "")
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", 503)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "eventually"})
	}))
	defer ts.Close()

	text, err := whisperClient(ts.URL).Transcribe(context.Background(), make([]byte, 9600), "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if text != "eventually" {
		t.Fatalf("text = %q", text)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestTranscribeClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", 400)
	}))
	defer ts.Close()

	_, err := whisperClient(ts.URL).Transcribe(context.Background(), make([]byte, 9600), "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestBuildWAVHeader(t *testing.T) {
	pcm := make([]byte, 9600)
	wav := buildWAV(pcm, sampleRate, 1, 16)

	samples, rate, err := decodeWAV(wav)
	if err != nil {
		t.Fatalf("round-trip decode failed: %v", err)
	}
	if rate != sampleRate {
		t.Fatalf("rate = %d", rate)
	}
	if len(samples) != len(pcm)/2 {
		t.Fatalf("samples = %d, want %d", len(samples), len(pcm)/2)
	}
}
