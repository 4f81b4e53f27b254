package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Drop reason label values.
const (
	ReasonBusy       = "busy"
	ReasonPlayerBusy = "player_busy"
)

var (
	// SynthesisRequests counts TTS synthesis attempts by outcome.
	SynthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koebot_synthesis_requests_total",
		Help: "Text-to-speech synthesis requests.",
	}, []string{"outcome"})

	// Playback counts completed playback cycles by outcome.
	Playback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koebot_playback_total",
		Help: "Voice playback cycles.",
	}, []string{"outcome"})

	// SpeakDropped counts speech requests dropped without side effects.
	SpeakDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koebot_speak_dropped_total",
		Help: "Speech requests dropped because the guild was busy.",
	}, []string{"reason"})

	// LLMRequests counts chat completion calls by outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koebot_llm_requests_total",
		Help: "LLM chat completion requests.",
	}, []string{"outcome"})

	// VoiceSessions tracks the number of live guild voice sessions.
	VoiceSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koebot_voice_sessions",
		Help: "Currently active guild voice sessions.",
	})
)
