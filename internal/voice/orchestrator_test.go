package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"koebot/internal/persona"
	apperrors "koebot/pkg/errors"
)

type fakeSynth struct {
	dir       string
	err       error
	calls     int
	lastText  string
	lastSpkID int
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, speakerID int) (string, error) {
	f.calls++
	f.lastText = text
	f.lastSpkID = speakerID
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, "out.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakePlayer struct {
	busy    bool
	played  []string
	done    func(error)
	playErr error
	stopped bool
}

func (p *fakePlayer) Play(path string, done func(error)) error {
	if p.playErr != nil {
		return p.playErr
	}
	p.played = append(p.played, path)
	p.busy = true
	p.done = done
	return nil
}

func (p *fakePlayer) Busy() bool { return p.busy }

func (p *fakePlayer) Stop() { p.stopped = true }

// finish fires the captured completion callback like the real player
// does at end of stream.
func (p *fakePlayer) finish(err error) {
	p.busy = false
	p.done(err)
}

func newTestOrchestrator(t *testing.T, synth *fakeSynth, player *fakePlayer) (*Orchestrator, *Registry) {
	t.Helper()
	personas, err := persona.NewRegistry(persona.Defaults(), "metan", 0)
	require.NoError(t, err)

	reg := NewRegistry("metan", zap.NewNop())
	o := NewOrchestrator(reg, synth, personas, zap.NewNop())
	o.SetPlayerFactory(func(_ *discordgo.VoiceConnection, _ *zap.Logger) (AudioPlayer, error) {
		return player, nil
	})
	return o, reg
}

func TestSpeak_HappyPath(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)

	err := o.Speak(context.Background(), SpeakRequest{
		GuildID:   "g1",
		Text:      "こんにちは",
		PersonaID: "zundamon",
	})
	require.NoError(t, err)

	assert.Equal(t, "こんにちは", synth.lastText)
	assert.Equal(t, 1, synth.lastSpkID)
	require.Len(t, player.played, 1)
	assert.FileExists(t, player.played[0])
	assert.Equal(t, StatePlaying, sess.State())
	assert.Same(t, AudioPlayer(player), sess.Player())

	player.finish(nil)

	assert.Equal(t, StateIdle, sess.State())
	assert.NoFileExists(t, player.played[0])
}

func TestSpeak_NoSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSynth{dir: t.TempDir()}, &fakePlayer{})

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "nope", Text: "hi"})
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestSpeak_DroppedWhileBusy(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	o, reg := newTestOrchestrator(t, synth, &fakePlayer{})
	sess := reg.Create("g1", "c1", nil)
	require.True(t, sess.BeginCycle())

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"})
	assert.ErrorIs(t, err, apperrors.ErrBusy)
	assert.Equal(t, 0, synth.calls)
	// The in-flight cycle is untouched.
	assert.Equal(t, StateSynthesizing, sess.State())
}

func TestSpeak_PlayerBusyManualRequest(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{busy: true}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)
	sess.SetPlayer(player)

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"})
	assert.ErrorIs(t, err, apperrors.ErrBusy)
	assert.Equal(t, 0, synth.calls)
	// A manual request releases the cycle it claimed.
	assert.Equal(t, StateIdle, sess.State())
}

func TestSpeak_PlayerBusyCycleOwnedRequest(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{busy: true}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)
	sess.SetPlayer(player)
	require.True(t, sess.BeginCycle())

	err := o.Speak(context.Background(), SpeakRequest{
		GuildID:    "g1",
		Text:       "hi",
		CycleOwned: true,
	})
	assert.ErrorIs(t, err, apperrors.ErrBusy)
	// The caller keeps ownership of the cycle it claimed.
	assert.Equal(t, StateSynthesizing, sess.State())
}

func TestSpeak_SynthesisFailure(t *testing.T) {
	synthErr := apperrors.NewSynthesisFailed(2, errors.New("boom"))
	synth := &fakeSynth{dir: t.TempDir(), err: synthErr}
	player := &fakePlayer{}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*apperrors.ErrSynthesisFailed))
	assert.Empty(t, player.played)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSpeak_PlayerAttachFailure(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	o, reg := newTestOrchestrator(t, synth, &fakePlayer{})
	o.SetPlayerFactory(func(_ *discordgo.VoiceConnection, _ *zap.Logger) (AudioPlayer, error) {
		return nil, errors.New("ffmpeg not found")
	})
	sess := reg.Create("g1", "c1", nil)

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*apperrors.ErrPlayerAttachFailed))
	assert.Equal(t, StateIdle, sess.State())
	// The synthesized file must not leak.
	assert.NoFileExists(t, filepath.Join(synth.dir, "out.wav"))
}

func TestSpeak_PlayStartFailure(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{playErr: errors.New("pipe broke")}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)

	err := o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*apperrors.ErrPlaybackFailed))
	assert.Equal(t, StateIdle, sess.State())
	assert.NoFileExists(t, filepath.Join(synth.dir, "out.wav"))
}

func TestSpeak_PlaybackErrorStillCleansUp(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)

	require.NoError(t, o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"}))
	require.Len(t, player.played, 1)

	player.finish(errors.New("stream interrupted"))

	assert.Equal(t, StateIdle, sess.State())
	assert.NoFileExists(t, player.played[0])
}

func TestSpeak_CycleOwnedRequestPlays(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{}
	o, reg := newTestOrchestrator(t, synth, player)
	sess := reg.Create("g1", "c1", nil)
	require.True(t, sess.BeginCycle())

	err := o.Speak(context.Background(), SpeakRequest{
		GuildID:    "g1",
		Text:       "返事です",
		PersonaID:  "himari",
		CycleOwned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 14, synth.lastSpkID)
	assert.Equal(t, StatePlaying, sess.State())

	player.finish(nil)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSpeak_ReusesExistingPlayer(t *testing.T) {
	synth := &fakeSynth{dir: t.TempDir()}
	player := &fakePlayer{}
	o, reg := newTestOrchestrator(t, synth, player)
	o.SetPlayerFactory(func(_ *discordgo.VoiceConnection, _ *zap.Logger) (AudioPlayer, error) {
		t.Fatal("factory must not be called when a player already exists")
		return nil, nil
	})
	sess := reg.Create("g1", "c1", nil)
	sess.SetPlayer(player)

	require.NoError(t, o.Speak(context.Background(), SpeakRequest{GuildID: "g1", Text: "hi"}))
	require.Len(t, player.played, 1)
	assert.Equal(t, StatePlaying, sess.State())
	player.finish(nil)
}
