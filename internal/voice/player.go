package voice

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var errStopped = errors.New("playback stopped")

// Player streams audio files into a Discord voice connection. ffmpeg
// transcodes the input to OGG Opus (48kHz stereo, 20ms frames) and the
// raw Opus packets are fed to the connection's send channel, which paces
// the stream. One Player per guild, reused across playbacks.
type Player struct {
	conn   *discordgo.VoiceConnection
	ffmpeg string
	logger *zap.Logger

	mu      sync.Mutex
	playing bool
	stop    chan struct{}
}

// NewPlayer binds a player to a guild's voice connection. It fails when
// the connection is missing or ffmpeg is not installed, which the
// orchestrator treats like a subscription failure.
func NewPlayer(conn *discordgo.VoiceConnection, logger *zap.Logger) (AudioPlayer, error) {
	if conn == nil {
		return nil, fmt.Errorf("no voice connection")
	}
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &Player{conn: conn, ffmpeg: ffmpegPath, logger: logger}, nil
}

// Busy reports whether a playback is in progress.
func (p *Player) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Stop force-stops the active playback, if any. The in-flight Play call
// still reports completion through its done callback.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.playing && p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}

// Play starts streaming the audio file at path. done fires exactly once
// when the stream ends, with a nil error for both a normal end and a
// forced stop. A busy player rejects the call without invoking done.
func (p *Player) Play(path string, done func(error)) error {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return fmt.Errorf("player is already streaming")
	}
	stop := make(chan struct{})
	p.playing = true
	p.stop = stop
	p.mu.Unlock()

	cmd := exec.Command(p.ffmpeg,
		"-hide_banner",
		"-loglevel", "warning",
		"-i", path,
		"-vn",
		"-c:a", "libopus",
		"-b:a", "96k",
		"-ar", "48000",
		"-ac", "2",
		"-application", "audio",
		"-frame_duration", "20",
		"-f", "ogg",
		"pipe:1",
	)
	cmd.Stderr = io.Discard

	out, err := cmd.StdoutPipe()
	if err != nil {
		p.reset()
		return err
	}
	if err := cmd.Start(); err != nil {
		p.reset()
		return err
	}

	p.logger.Debug("playback started", zap.String("path", path))

	go func() {
		streamErr := p.stream(out, stop)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		p.reset()
		done(streamErr)
	}()

	return nil
}

func (p *Player) reset() {
	p.mu.Lock()
	p.playing = false
	p.stop = nil
	p.mu.Unlock()
}

func (p *Player) stream(r io.Reader, stop <-chan struct{}) error {
	if err := p.conn.Speaking(true); err != nil {
		return fmt.Errorf("failed to set speaking state: %w", err)
	}
	defer func() {
		_ = p.conn.Speaking(false)
	}()

	err := forEachOpusPacket(r, func(packet []byte) error {
		select {
		case p.conn.OpusSend <- packet:
			return nil
		case <-stop:
			return errStopped
		}
	})
	if errors.Is(err, errStopped) {
		// A forced stop ends the cycle without being a playback failure.
		return nil
	}
	return err
}
