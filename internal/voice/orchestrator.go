package voice

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"koebot/internal/metrics"
	"koebot/internal/persona"
	apperrors "koebot/pkg/errors"
)

// Synthesizer produces a playable audio file for a piece of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, speakerID int) (string, error)
}

// PlayerFactory creates a guild's audio player bound to its voice
// connection. Called at most once per session, on first playback.
type PlayerFactory func(conn *discordgo.VoiceConnection, logger *zap.Logger) (AudioPlayer, error)

// SpeakRequest asks the orchestrator to voice text into a guild's channel.
type SpeakRequest struct {
	GuildID   string
	Text      string
	PersonaID string
	// CycleOwned marks AI-response speech: the caller claimed the guild's
	// response cycle before generating text and retains ownership of
	// ending it if the request is dropped. Manual speech leaves this
	// false and the orchestrator claims the cycle itself.
	CycleOwned bool
}

// Orchestrator drives one speech cycle per guild at a time: claim the
// cycle, synthesize, play, and clean up on every exit path.
type Orchestrator struct {
	sessions  *Registry
	tts       Synthesizer
	personas  *persona.Registry
	newPlayer PlayerFactory
	logger    *zap.Logger
}

// NewOrchestrator creates a speech orchestrator using the real ffmpeg
// backed player.
func NewOrchestrator(sessions *Registry, tts Synthesizer, personas *persona.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		tts:       tts,
		personas:  personas,
		newPlayer: NewPlayer,
		logger:    logger,
	}
}

// Speak synthesizes text and streams it into the guild's voice channel.
// It returns once playback has started; completion cleanup (busy state,
// temp file) runs when the player reports the end of the stream.
//
// Dropped requests return ErrBusy. For CycleOwned requests that is the
// one outcome where the caller must end the cycle itself; every other
// path, success or failure, is cleaned up here.
func (o *Orchestrator) Speak(ctx context.Context, req SpeakRequest) error {
	sess, ok := o.sessions.Get(req.GuildID)
	if !ok {
		return apperrors.ErrNotConnected
	}

	if !req.CycleOwned {
		if !sess.BeginCycle() {
			o.logger.Info("dropping speak request, guild busy",
				zap.String("guild_id", req.GuildID),
				zap.String("text", truncate(req.Text, 20)),
			)
			metrics.SpeakDropped.WithLabelValues(metrics.ReasonBusy).Inc()
			return apperrors.ErrBusy
		}
	}

	if p := sess.Player(); p != nil && p.Busy() {
		o.logger.Info("dropping speak request, player active",
			zap.String("guild_id", req.GuildID),
			zap.String("persona", req.PersonaID),
			zap.String("text", truncate(req.Text, 20)),
		)
		metrics.SpeakDropped.WithLabelValues(metrics.ReasonPlayerBusy).Inc()
		if !req.CycleOwned {
			// We claimed the cycle above and nothing will play; undo it.
			// A CycleOwned caller keeps that responsibility.
			sess.EndCycle()
		}
		return apperrors.ErrBusy
	}

	// From here on the guard owns the cycle and the audio file,
	// whichever path winds up releasing it.
	guard := newCycleGuard(sess, o.logger)

	speakerID := o.personas.SpeakerID(req.PersonaID)
	o.logger.Debug("synthesizing speech",
		zap.String("guild_id", req.GuildID),
		zap.String("persona", req.PersonaID),
		zap.Int("speaker_id", speakerID),
		zap.String("text", truncate(req.Text, 50)),
	)

	path, err := o.tts.Synthesize(ctx, req.Text, speakerID)
	if err != nil {
		metrics.SynthesisRequests.WithLabelValues(metrics.OutcomeError).Inc()
		o.logger.Error("synthesis failed",
			zap.String("guild_id", req.GuildID),
			zap.String("persona", req.PersonaID),
			zap.Error(err),
		)
		guard.release()
		return err
	}
	metrics.SynthesisRequests.WithLabelValues(metrics.OutcomeOK).Inc()
	guard.setFile(path)

	player := sess.Player()
	if player == nil {
		player, err = o.newPlayer(sess.Conn, o.logger)
		if err != nil {
			o.logger.Error("failed to attach player",
				zap.String("guild_id", req.GuildID),
				zap.Error(err),
			)
			guard.release()
			return apperrors.NewPlayerAttachFailed(req.GuildID, err)
		}
		sess.SetPlayer(player)
	}

	sess.MarkPlaying()

	guildID := req.GuildID
	err = player.Play(path, func(perr error) {
		if perr != nil {
			metrics.Playback.WithLabelValues(metrics.OutcomeError).Inc()
			o.logger.Error("playback failed",
				zap.String("guild_id", guildID),
				zap.String("path", path),
				zap.Error(perr),
			)
		} else {
			metrics.Playback.WithLabelValues(metrics.OutcomeOK).Inc()
			o.logger.Debug("playback finished",
				zap.String("guild_id", guildID),
				zap.String("path", path),
			)
		}
		guard.release()
	})
	if err != nil {
		metrics.Playback.WithLabelValues(metrics.OutcomeError).Inc()
		guard.release()
		return apperrors.NewPlaybackFailed(req.GuildID, path, err)
	}

	return nil
}

// SetPlayerFactory overrides player construction, used by tests.
func (o *Orchestrator) SetPlayerFactory(f PlayerFactory) {
	o.newPlayer = f
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
