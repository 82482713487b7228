package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
)

// ErrNoSpeech indicates the transcription service found no recognizable
// speech in a segment. Callers drop the segment silently.
var ErrNoSpeech = errors.New("no speech detected")

// WhisperClient posts WAV-wrapped PCM segments to a whisper-compatible HTTP
// endpoint and returns the recognized text.
type WhisperClient struct {
	URL      string
	Language string
	Timeout  time.Duration
	Client   *http.Client
}

func NewWhisperClient(cfg config.STT) *WhisperClient {
	return &WhisperClient{
		URL:      cfg.WhisperURL,
		Language: cfg.Language,
		Timeout:  cfg.Timeout,
		Client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// buildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data).
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

// Transcribe wraps the PCM segment into a WAV and POSTs it, retrying up to
// 3 times with exponential backoff for transient errors. An empty
// recognition result maps to ErrNoSpeech.
func (c *WhisperClient) Transcribe(ctx context.Context, pcm []byte, correlationID string) (string, error) {
	endpoint := c.URL
	if u, err := url.Parse(c.URL); err == nil && c.Language != "" {
		q := u.Query()
		q.Set("language", c.Language)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	wav := buildWAV(pcm, sampleRate, 1, 16)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, "POST", endpoint, bytes.NewReader(wav))
		if err != nil {
			cancel()
			return "", err
		}
		req.Header.Set("Content-Type", "audio/wav")
		if correlationID != "" {
			req.Header.Set("X-Correlation-ID", correlationID)
		}

		resp, err := c.Client.Do(req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			logging.Warnw("stt: request failed", "err", err, "attempt", attempt, "correlation_id", correlationID)
			time.Sleep(time.Duration(1<<attempt) * 200 * time.Millisecond)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("stt server error status=%d", resp.StatusCode)
			logging.Warnw("stt: server error", "status", resp.StatusCode, "attempt", attempt, "correlation_id", correlationID)
			time.Sleep(time.Duration(1<<attempt) * 200 * time.Millisecond)
			continue
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return "", fmt.Errorf("stt returned status %d", resp.StatusCode)
		}

		var out struct {
			Text string `json:"text"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("stt decode: %w", err)
		}
		text := strings.TrimSpace(out.Text)
		if text == "" {
			return "", ErrNoSpeech
		}
		return text, nil
	}
	return "", lastErr
}
