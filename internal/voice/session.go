package voice

import (
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"koebot/internal/metrics"
)

// State is the per-guild response cycle state. A guild is "busy" whenever
// its state is not StateIdle.
type State int

const (
	// StateIdle means no response cycle is in flight.
	StateIdle State = iota
	// StateSynthesizing means a cycle has begun but no audio exists yet.
	// Text generation for AI responses also happens under this state.
	StateSynthesizing
	// StatePlaying means synthesized audio is streaming to the channel.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynthesizing:
		return "synthesizing"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// AudioPlayer is the playback surface the orchestrator drives. A guild
// has at most one player, created lazily on first playback.
type AudioPlayer interface {
	// Play starts streaming the audio file and reports completion exactly
	// once through done, with a nil error on a normal end of playback.
	Play(path string, done func(error)) error
	// Busy reports whether the player is actively streaming.
	Busy() bool
	// Stop force-stops any active playback. The in-flight Play still
	// reports completion.
	Stop()
}

// GuildSession is the single owned record of a guild's voice state:
// connection, player, response cycle state, chat mode and active persona.
type GuildSession struct {
	GuildID   string
	ChannelID string
	Conn      *discordgo.VoiceConnection

	mu        sync.Mutex
	state     State
	chatMode  bool
	personaID string
	player    AudioPlayer
}

// transition is the single authoritative state change: it moves from one
// named state to another and reports whether it applied.
func (s *GuildSession) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// BeginCycle claims the guild for one response cycle. It fails when a
// cycle is already in flight; the caller must then drop its request.
func (s *GuildSession) BeginCycle() bool {
	return s.transition(StateIdle, StateSynthesizing)
}

// MarkPlaying records that synthesized audio started streaming.
func (s *GuildSession) MarkPlaying() bool {
	return s.transition(StateSynthesizing, StatePlaying)
}

// EndCycle returns the guild to idle from any state.
func (s *GuildSession) EndCycle() {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

// State returns the current cycle state.
func (s *GuildSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a response cycle is in flight.
func (s *GuildSession) Busy() bool {
	return s.State() != StateIdle
}

// ChatMode reports whether prefix-less messages are treated as chat input.
func (s *GuildSession) ChatMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatMode
}

// SetChatMode toggles chat mode for the guild.
func (s *GuildSession) SetChatMode(enabled bool) {
	s.mu.Lock()
	s.chatMode = enabled
	s.mu.Unlock()
}

// PersonaID returns the guild's active persona id.
func (s *GuildSession) PersonaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personaID
}

// SetPersonaID switches the guild's active persona.
func (s *GuildSession) SetPersonaID(id string) {
	s.mu.Lock()
	s.personaID = id
	s.mu.Unlock()
}

// Player returns the guild's audio player, nil before first playback.
func (s *GuildSession) Player() AudioPlayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// SetPlayer installs the lazily created player.
func (s *GuildSession) SetPlayer(p AudioPlayer) {
	s.mu.Lock()
	s.player = p
	s.mu.Unlock()
}

// Connected reports whether the session has a live voice transport.
func (s *GuildSession) Connected() bool {
	return s.Conn != nil && s.Conn.Ready
}

// Close tears the session down: force-stops the player, clears chat mode
// and the cycle state, and disconnects the voice transport.
func (s *GuildSession) Close() {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.chatMode = false
	s.state = StateIdle
	s.mu.Unlock()

	if player != nil {
		player.Stop()
	}
	if s.Conn != nil {
		_ = s.Conn.Disconnect()
	}
}

// SessionInfo is a point-in-time snapshot of one guild session.
type SessionInfo struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	State     string `json:"state"`
	PersonaID string `json:"persona_id"`
	ChatMode  bool   `json:"chat_mode"`
}

// Registry owns every guild's voice session and enforces the
// one-session-per-guild invariant.
type Registry struct {
	mu               sync.Mutex
	sessions         map[string]*GuildSession
	defaultPersonaID string
	logger           *zap.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(defaultPersonaID string, logger *zap.Logger) *Registry {
	return &Registry{
		sessions:         make(map[string]*GuildSession),
		defaultPersonaID: defaultPersonaID,
		logger:           logger,
	}
}

// Get returns the guild's session if one exists.
func (r *Registry) Get(guildID string) (*GuildSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[guildID]
	return sess, ok
}

// Create establishes a session for the guild. Any existing session is
// fully destroyed first, including a forced player stop, before the new
// one is installed. The new session starts idle, in chat mode, with the
// default persona.
func (r *Registry) Create(guildID, channelID string, conn *discordgo.VoiceConnection) *GuildSession {
	r.mu.Lock()
	old := r.sessions[guildID]
	delete(r.sessions, guildID)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing existing voice session",
			zap.String("guild_id", guildID),
			zap.String("old_channel", old.ChannelID),
			zap.String("new_channel", channelID),
		)
		if old.Conn == conn {
			// The gateway keeps one voice connection per guild, so a
			// rejoin hands back the same handle the old session holds.
			// Disconnecting it would tear down the channel just joined.
			old.Conn = nil
		}
		old.Close()
	} else {
		metrics.VoiceSessions.Inc()
	}

	sess := &GuildSession{
		GuildID:   guildID,
		ChannelID: channelID,
		Conn:      conn,
		state:     StateIdle,
		chatMode:  true,
		personaID: r.defaultPersonaID,
	}
	r.mu.Lock()
	r.sessions[guildID] = sess
	r.mu.Unlock()

	return sess
}

// Destroy tears down and removes the guild's session. Returns whether a
// session existed.
func (r *Registry) Destroy(guildID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[guildID]
	delete(r.sessions, guildID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	metrics.VoiceSessions.Dec()
	r.logger.Info("voice session destroyed", zap.String("guild_id", guildID))
	return true
}

// DestroyAll tears down every session, used during shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := make([]*GuildSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*GuildSession)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
		metrics.VoiceSessions.Dec()
	}
}

// Snapshot returns the current state of every session for reporting.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*GuildSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			GuildID:   sess.GuildID,
			ChannelID: sess.ChannelID,
			State:     sess.State().String(),
			PersonaID: sess.PersonaID(),
			ChatMode:  sess.ChatMode(),
		})
	}
	return infos
}
