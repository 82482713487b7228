package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/discord-voice-bridge/internal/config"
)

// TTSClient calls the speech synthesis service and returns WAV audio.
type TTSClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
}

func NewTTSClient(cfg config.TTS) *TTSClient {
	return &TTSClient{
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
		Client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Synthesize sends text to the synthesis endpoint and returns the WAV body.
func (t *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tts returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts returned empty body")
	}
	return audio, nil
}
