package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete process configuration, read once at startup from
// the environment. Every tunable the pipeline uses lives here so tests can
// shrink timeouts instead of fighting hard-coded literals.
type Config struct {
	Discord Discord
	Queue   Queue
	STT     STT
	Wake    Wake
	Turn    Turn
	LLM     LLM
	TTS     TTS
	Ops     Ops
}

// Discord holds platform credentials and the designated bot voice channel.
type Discord struct {
	Token          string
	GuildID        string
	VoiceChannelID string
}

// Queue holds the durable queue backend settings.
type Queue struct {
	DatabaseURL string
	SendRetries int
}

// STT configures the speech-to-text collaborator and phrase segmentation.
type STT struct {
	WhisperURL      string
	Language        string
	Timeout         time.Duration
	PhraseTimeLimit time.Duration
	PauseWindow     time.Duration
	MinSegmentBytes int
	RMSThreshold    int
}

// Wake configures wake-phrase detection.
type Wake struct {
	AssistantName string
	Threshold     int
}

// Turn configures the per-channel consumer loop.
type Turn struct {
	PollInterval      time.Duration
	EndOfStatement    time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
	UtteranceCap      int
	DedupTTL          time.Duration
}

// LLM configures the response-generation collaborator.
type LLM struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	Timeout       time.Duration
}

// TTS configures optional speech synthesis for voice playback.
type TTS struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// Ops configures the operational HTTP listener (metrics + transcript
// monitor). Disabled when Addr is empty.
type Ops struct {
	Addr string
}

// Load reads the environment (after a best-effort .env load) into a Config
// and validates it. Missing required credentials are a startup failure.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Discord: Discord{
			Token:          strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
			GuildID:        strings.TrimSpace(os.Getenv("GUILD_ID")),
			VoiceChannelID: strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID")),
		},
		Queue: Queue{
			DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
			SendRetries: envInt("QUEUE_SEND_RETRIES", 3),
		},
		STT: STT{
			WhisperURL:      strings.TrimSpace(os.Getenv("WHISPER_URL")),
			Language:        strings.TrimSpace(os.Getenv("STT_LANGUAGE")),
			Timeout:         envDurationMs("WHISPER_TIMEOUT_MS", 15000),
			PhraseTimeLimit: envDurationMs("PHRASE_TIME_LIMIT_MS", 10000),
			PauseWindow:     envDurationMs("PHRASE_PAUSE_MS", 800),
			MinSegmentBytes: envInt("MIN_SEGMENT_BYTES", 10000),
			RMSThreshold:    envInt("VAD_RMS_THRESHOLD", 300),
		},
		Wake: Wake{
			AssistantName: strings.TrimSpace(os.Getenv("ASSISTANT_NAME")),
			Threshold:     envInt("WAKE_THRESHOLD", 80),
		},
		Turn: Turn{
			PollInterval:      envDurationMs("POLL_INTERVAL_MS", 100),
			EndOfStatement:    envDurationMs("END_OF_STATEMENT_MS", 1000),
			VisibilityTimeout: envDurationMs("VISIBILITY_TIMEOUT_MS", 30000),
			BatchSize:         envInt("READ_BATCH_SIZE", 5),
			UtteranceCap:      envInt("UTTERANCE_CAP", 100),
			DedupTTL:          envDurationMs("DEDUP_TTL_MS", 120000),
		},
		LLM: LLM{
			BaseURL:       strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			APIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:         strings.TrimSpace(os.Getenv("OPENAI_MODEL")),
			FallbackModel: strings.TrimSpace(os.Getenv("OPENAI_FALLBACK_MODEL")),
			MaxTokens:     envInt("LLM_MAX_TOKENS", 512),
			Timeout:       envDurationMs("LLM_TIMEOUT_MS", 30000),
		},
		TTS: TTS{
			URL:       strings.TrimSpace(os.Getenv("TTS_URL")),
			AuthToken: strings.TrimSpace(os.Getenv("TTS_AUTH_TOKEN")),
			Timeout:   envDurationMs("TTS_TIMEOUT_MS", 10000),
		},
		Ops: Ops{
			Addr: strings.TrimSpace(os.Getenv("OPS_ADDR")),
		},
	}
	if cfg.Wake.AssistantName == "" {
		cfg.Wake.AssistantName = "grug"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://127.0.0.1:8000/v1"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate performs validation of the complete configuration.
func (c *Config) Validate() error {
	if err := c.Discord.Validate(); err != nil {
		return fmt.Errorf("discord config: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Wake.Validate(); err != nil {
		return fmt.Errorf("wake config: %w", err)
	}
	if err := c.Turn.Validate(); err != nil {
		return fmt.Errorf("turn config: %w", err)
	}
	return nil
}

func (d *Discord) Validate() error {
	if d.Token == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN cannot be empty")
	}
	if d.GuildID == "" {
		return fmt.Errorf("GUILD_ID cannot be empty")
	}
	if d.VoiceChannelID == "" {
		return fmt.Errorf("VOICE_CHANNEL_ID cannot be empty")
	}
	return nil
}

func (q *Queue) Validate() error {
	if q.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if q.SendRetries < 1 {
		return fmt.Errorf("send retries must be at least 1, got %d", q.SendRetries)
	}
	return nil
}

func (s *STT) Validate() error {
	if s.WhisperURL == "" {
		return fmt.Errorf("WHISPER_URL cannot be empty")
	}
	if s.PhraseTimeLimit <= 0 {
		return fmt.Errorf("phrase time limit must be positive, got %v", s.PhraseTimeLimit)
	}
	if s.PauseWindow <= 0 || s.PauseWindow >= s.PhraseTimeLimit {
		return fmt.Errorf("pause window must be positive and below the phrase time limit, got %v", s.PauseWindow)
	}
	if s.MinSegmentBytes < 0 {
		return fmt.Errorf("min segment bytes cannot be negative, got %d", s.MinSegmentBytes)
	}
	return nil
}

func (w *Wake) Validate() error {
	if w.AssistantName == "" {
		return fmt.Errorf("assistant name cannot be empty")
	}
	if w.Threshold < 1 || w.Threshold > 100 {
		return fmt.Errorf("wake threshold must be between 1 and 100, got %d", w.Threshold)
	}
	return nil
}

func (t *Turn) Validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", t.PollInterval)
	}
	if t.EndOfStatement <= 0 {
		return fmt.Errorf("end-of-statement timeout must be positive, got %v", t.EndOfStatement)
	}
	if t.VisibilityTimeout < time.Second {
		return fmt.Errorf("visibility timeout must be at least 1s, got %v", t.VisibilityTimeout)
	}
	if t.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", t.BatchSize)
	}
	if t.UtteranceCap < 1 {
		return fmt.Errorf("utterance cap must be at least 1, got %d", t.UtteranceCap)
	}
	return nil
}

// WakePhrase returns the phrase matched against incoming transcripts, in the
// "hey, <name>" form the matcher scores against.
func (w *Wake) WakePhrase() string {
	return "hey, " + strings.ToLower(w.AssistantName)
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
