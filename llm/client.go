// Package llm is the client for the external response-generation
// capability, an OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/config"
)

type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	HTTP          *http.Client
}

// Message is one chat turn in the completions payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	// User carries the conversation-context key so the generator can keep
	// per-speaker threads apart.
	User string `json:"user,omitempty"`
}

type ChatResponse struct {
	ID      string
	Content string
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

func NewClient(cfg config.LLM) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		MaxTokens:     cfg.MaxTokens,
		HTTP:          &http.Client{Timeout: cfg.Timeout},
	}
}

// CreateChatCompletion posts the request, classifying failures as transient
// or permanent. Transient failures are retried once against the fallback
// model when one is configured.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}
	if model == "" {
		model = "local"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.MaxTokens
	}

	resp, err := c.call(ctx, model, maxTokens, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != model {
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
		return c.call(ctx, c.FallbackModel, maxTokens, req)
	}
	return ChatResponse{}, err
}

func (c *Client) call(ctx context.Context, model string, maxTokens int, req ChatRequest) (ChatResponse, error) {
	payload := ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		User:        req.User,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: marshal: %v", ErrPermanent, err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(body)))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			ID      string `json:"id"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		content := ""
		if len(out.Choices) > 0 {
			content = strings.TrimSpace(out.Choices[0].Message.Content)
		}
		return ChatResponse{ID: out.ID, Content: content}, nil
	}

	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	// 4xx are treated as permanent
	return ChatResponse{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
}
