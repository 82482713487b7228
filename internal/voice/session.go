package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"gopkg.in/hraban/opus.v2"

	"github.com/discord-voice-bridge/internal/config"
	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/metrics"
	"github.com/discord-voice-bridge/internal/monitor"
	"github.com/discord-voice-bridge/internal/queue"
	"github.com/discord-voice-bridge/llm"
)

// SessionManager joins and leaves the designated voice channel as members
// come and go, and owns the per-channel pipeline while joined.
type SessionManager struct {
	cfg *config.Config
	dg  *discordgo.Session
	q   *queue.Queue
	tr  Transcriber
	llm *llm.Client
	met *metrics.Metrics
	hub *monitor.Hub

	mu       sync.Mutex
	sessions map[string]*ChannelSession
}

func NewSessionManager(cfg *config.Config, dg *discordgo.Session, q *queue.Queue, tr Transcriber, client *llm.Client, met *metrics.Metrics, hub *monitor.Hub) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		dg:       dg,
		q:        q,
		tr:       tr,
		llm:      client,
		met:      met,
		hub:      hub,
		sessions: make(map[string]*ChannelSession),
	}
}

// HandleVoiceState reacts to join/leave events in the guild. The bot joins
// the designated channel when the first human member arrives and leaves
// when the last one departs.
func (m *SessionManager) HandleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.GuildID != m.cfg.Discord.GuildID {
		return
	}
	if vs.UserID == s.State.User.ID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	channelID := m.cfg.Discord.VoiceChannelID
	occupied := m.humanCount(channelID) > 0
	_, active := m.sessions[channelID]

	switch {
	case occupied && !active:
		if err := m.startSession(channelID); err != nil {
			logging.Errorw("failed to start voice session", "channel_id", channelID, "err", err)
		}
	case !occupied && active:
		m.stopSessionLocked(channelID)
	}
}

// Shutdown tears down all live sessions. Called on process exit.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.stopSessionLocked(id)
	}
}

// humanCount counts non-bot members currently in the channel.
func (m *SessionManager) humanCount(channelID string) int {
	guild, err := m.dg.State.Guild(m.cfg.Discord.GuildID)
	if err != nil {
		logging.Warnw("guild not in state cache", "guild_id", m.cfg.Discord.GuildID, "err", err)
		return 0
	}
	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if vs.UserID == m.dg.State.User.ID {
			continue
		}
		n++
	}
	return n
}

// startSession joins the channel and spins up the capture and consume
// halves of the pipeline. The queue is purged first so a rejoin never
// replays turns addressed to a previous session.
func (m *SessionManager) startSession(channelID string) error {
	guildID := m.cfg.Discord.GuildID

	ctx := context.Background()
	if err := m.q.EnsureQueue(ctx, channelID); err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}
	if err := m.q.Purge(ctx, channelID); err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}

	vc, err := m.dg.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &ChannelSession{
		channelID: channelID,
		guildID:   guildID,
		manager:   m,
		vc:        vc,
		ctx:       sessCtx,
		cancel:    cancel,
		fatal:     make(chan error, 1),
		users:     make(map[uint32]string),
		speakers:  make(map[uint32]*speakerState),
	}

	player, err := NewPlayer(&connSender{vc: vc})
	if err != nil {
		cancel()
		vc.Disconnect()
		return fmt.Errorf("create player: %w", err)
	}
	sess.player = player

	var speech Speech
	if m.cfg.TTS.URL != "" {
		speech = &speechSynth{tts: NewTTSClient(m.cfg.TTS), player: player}
	}
	dispatcher := NewDispatcher(m.llm, &channelMessenger{dg: m.dg}, speech, m.cfg.LLM, m.met)

	wake := NewWakeDetector(m.cfg.Wake.AssistantName, m.cfg.Wake.Threshold)
	sess.taker = NewTurnTaker(channelID, guildID, m.q, wake, dispatcher, player, m.cfg.Turn, m.met)

	vc.AddHandler(sess.handleSpeakingUpdate)

	sess.wg.Add(3)
	go sess.receiveLoop()
	go sess.consumeLoop()
	go sess.supervise()

	m.sessions[channelID] = sess
	m.met.ActiveSessions.Inc()
	logging.Infow("voice session started", "guild_id", guildID, "channel_id", channelID)
	return nil
}

// stopSessionLocked tears down one session. Caller holds m.mu.
func (m *SessionManager) stopSessionLocked(channelID string) {
	sess, ok := m.sessions[channelID]
	if !ok {
		return
	}
	delete(m.sessions, channelID)
	m.met.ActiveSessions.Dec()

	// Cancelling the context also aborts any in-flight reply generation.
	sess.cancel()
	sess.closeSpeakers()
	if err := sess.vc.Disconnect(); err != nil {
		logging.Warnw("voice disconnect failed", "channel_id", channelID, "err", err)
	}
	sess.wg.Wait()
	logging.Infow("voice session stopped", "channel_id", channelID)
}

// onFatal asks the manager to tear the session down from outside the
// voice-state path, e.g. after repeated queue failures.
func (m *SessionManager) onFatal(channelID string, cause error) {
	logging.Errorw("voice session failed", "channel_id", channelID, "err", cause)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSessionLocked(channelID)
}

// speakerState is the capture pipeline for one RTP source: a decoder, a
// buffer, and exactly one transcription worker draining it.
type speakerState struct {
	dec *opus.Decoder
	buf *SpeakerBuffer
}

// ChannelSession is one joined voice channel: inbound packet demux on the
// capture side, the queue consumer and dispatcher on the response side.
type ChannelSession struct {
	channelID string
	guildID   string
	manager   *SessionManager
	vc        *discordgo.VoiceConnection
	player    *Player
	taker     *TurnTaker

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	wg     sync.WaitGroup

	mu       sync.Mutex
	users    map[uint32]string
	speakers map[uint32]*speakerState
}

func (s *ChannelSession) handleSpeakingUpdate(vc *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	s.mu.Lock()
	s.users[uint32(su.SSRC)] = su.UserID
	s.mu.Unlock()
	logging.Debugw("speaking update", "channel_id", s.channelID, "ssrc", su.SSRC, "user_id", su.UserID, "speaking", su.Speaking)
}

func (s *ChannelSession) receiveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				return
			}
			s.handlePacket(pkt)
		}
	}
}

// handlePacket decodes one opus frame into the speaker's buffer, creating
// the buffer and its worker on first sight of the SSRC.
func (s *ChannelSession) handlePacket(pkt *discordgo.Packet) {
	s.manager.met.FramesReceived.Inc()

	// Discord sends 3-byte silence markers between utterances.
	if len(pkt.Opus) == 3 && pkt.Opus[0] == 0xF8 && pkt.Opus[1] == 0xFF && pkt.Opus[2] == 0xFE {
		return
	}

	st, err := s.speakerFor(pkt.SSRC)
	if err != nil {
		s.manager.met.FramesDropped.Inc()
		logging.Warnw("cannot create speaker pipeline", "channel_id", s.channelID, "ssrc", pkt.SSRC, "err", err)
		return
	}

	pcm := make([]int16, sampleRate/50) // one 20ms frame
	n, err := st.dec.Decode(pkt.Opus, pcm)
	if err != nil {
		s.manager.met.DecodeErrors.Inc()
		logging.Debugw("opus decode failed", "channel_id", s.channelID, "ssrc", pkt.SSRC, "err", err)
		return
	}

	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(pcm[i]))
	}
	st.buf.Write(raw)
}

func (s *ChannelSession) speakerFor(ssrc uint32) (*speakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.speakers[ssrc]; ok {
		return st, nil
	}

	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	st := &speakerState{dec: dec, buf: NewSpeakerBuffer()}
	s.speakers[ssrc] = st

	pub := &queuePublisher{
		q:   s.manager.q,
		hub: s.manager.hub,
	}
	worker := NewTranscriptionWorker(
		s.channelID, s.guildID,
		st.buf, s.manager.tr, pub,
		s.manager.cfg.STT, s.manager.met,
		func() string { return s.userForSSRC(ssrc) },
		func(err error) { s.reportFatal(err) },
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run(s.ctx)
	}()
	return st, nil
}

func (s *ChannelSession) userForSSRC(ssrc uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[ssrc]
}

func (s *ChannelSession) closeSpeakers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.speakers {
		st.buf.Close()
	}
}

func (s *ChannelSession) consumeLoop() {
	defer s.wg.Done()
	if err := s.taker.Run(s.ctx); err != nil {
		s.reportFatal(err)
	}
}

func (s *ChannelSession) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// supervise waits for a fatal pipeline error and asks the manager to tear
// the session down. A later voice-state update can start a fresh one.
func (s *ChannelSession) supervise() {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
	case err := <-s.fatal:
		go s.manager.onFatal(s.channelID, err)
	}
}

// queuePublisher delivers transcript events to the durable queue and
// mirrors them to the monitor feed.
type queuePublisher struct {
	q   *queue.Queue
	hub *monitor.Hub
}

func (p *queuePublisher) Publish(ctx context.Context, ev TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	if err := p.q.Send(ctx, ev.ChannelID, payload); err != nil {
		return err
	}
	if p.hub != nil {
		p.hub.Broadcast(ev)
	}
	return nil
}

// connSender adapts a discordgo voice connection to the VoiceSender
// interface used by the player.
type connSender struct {
	vc *discordgo.VoiceConnection
}

func (c *connSender) Speaking(b bool) error   { return c.vc.Speaking(b) }
func (c *connSender) OpusSend() chan<- []byte { return c.vc.OpusSend }

// channelMessenger posts reply text into the voice channel's text chat.
type channelMessenger struct {
	dg *discordgo.Session
}

func (m *channelMessenger) SendText(channelID, content string) error {
	_, err := m.dg.ChannelMessageSend(channelID, content)
	return err
}

// speechSynth synthesizes reply text and plays it into the channel.
type speechSynth struct {
	tts    *TTSClient
	player *Player
}

func (s *speechSynth) Say(ctx context.Context, text string) error {
	wav, err := s.tts.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return s.player.PlayWAV(ctx, wav)
}
