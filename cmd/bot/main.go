package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/internal/monitor"
	"github.com/discord-voice-bridge/internal/queue"
	"github.com/discord-voice-bridge/internal/voice"
	"github.com/discord-voice-bridge/llm"
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	q, err := queue.Open(ctx, cfg.Queue.DatabaseURL, cfg.Queue.SendRetries)
	if err != nil {
		sugar.Fatalf("queue: %v", err)
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	hub := monitor.NewHub()

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	// Guilds + GuildVoiceStates are enough to track who is in the channel.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	whisper := voice.NewWhisperClient(cfg.STT)
	chat := llm.NewClient(cfg.LLM)
	mgr := voice.NewSessionManager(cfg, dg, q, whisper, chat, met, hub)

	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		mgr.HandleVoiceState(s, vs)
	})
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		sugar.Infow("discord ready", "user_id", r.User.ID, "username", r.User.Username)
	})

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened", "guild", cfg.Discord.GuildID, "channel", cfg.Discord.VoiceChannelID)

	var ops *http.Server
	if cfg.Ops.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/transcripts", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		ops = &http.Server{Addr: cfg.Ops.Addr, Handler: mux}
		go func() {
			sugar.Infow("ops server listening", "addr", cfg.Ops.Addr)
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Errorw("ops server failed", "err", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutting down")

	mgr.Shutdown()
	if err := dg.Close(); err != nil {
		sugar.Warnw("discord close failed", "err", err)
	}
	if ops != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutCtx)
	}
	sugar.Infow("shutdown complete")
}
