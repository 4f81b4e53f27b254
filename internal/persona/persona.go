package persona

import (
	"encoding/json"
	"fmt"
	"os"
)

// Persona is a named speaker profile: a synthesis voice plus the system
// prompt and greeting that shape the LLM's replies. Immutable after load.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SpeakerID    int    `json:"speaker_id"`
	SystemPrompt string `json:"system_prompt"`
	Greeting     string `json:"greeting"`
}

// Defaults returns the built-in persona table.
func Defaults() []Persona {
	return []Persona{
		{
			ID:           "metan",
			Name:         "四国めたん",
			SpeakerID:    2,
			SystemPrompt: "あなたは「四国めたん」です。上品で落ち着いた口調で、簡潔に答えてください。",
			Greeting:     "こんにちは、四国めたんです。",
		},
		{
			ID:           "zundamon",
			Name:         "ずんだもん",
			SpeakerID:    1,
			SystemPrompt: "あなたは「ずんだもん」です。語尾に「なのだ」を付けて、元気に短く答えてください。",
			Greeting:     "やっほー、ずんだもんなのだ！",
		},
		{
			ID:           "himari",
			Name:         "冥鳴ひまり",
			SpeakerID:    14,
			SystemPrompt: "あなたは「冥鳴ひまり」です。静かで優しい口調で、簡潔に答えてください。",
			Greeting:     "こんにちは、ひまりです。",
		},
	}
}

// LoadFile reads a persona table from a JSON file (an array of personas).
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}

	var personas []Persona
	if err := json.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("failed to parse persona file %s: %w", path, err)
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona file %s contains no personas", path)
	}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona file %s contains a persona without an id", path)
		}
	}
	return personas, nil
}

// Registry is a static lookup table of personas. A configured default id
// that names no persona falls back to the first entry.
type Registry struct {
	personas         []Persona
	byID             map[string]Persona
	defaultID        string
	defaultSpeakerID int
}

// NewRegistry builds a registry from a persona table. The table must not
// be empty and ids must be unique.
func NewRegistry(personas []Persona, defaultID string, defaultSpeakerID int) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona table is empty")
	}

	byID := make(map[string]Persona, len(personas))
	for _, p := range personas {
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		byID[p.ID] = p
	}

	if _, ok := byID[defaultID]; !ok {
		defaultID = personas[0].ID
	}

	return &Registry{
		personas:         personas,
		byID:             byID,
		defaultID:        defaultID,
		defaultSpeakerID: defaultSpeakerID,
	}, nil
}

// Get returns the persona with the exact id.
func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Resolve returns the persona for id, falling back to the default persona
// and then to the first entry when the id is unknown.
func (r *Registry) Resolve(id string) Persona {
	if p, ok := r.byID[id]; ok {
		return p
	}
	if p, ok := r.byID[r.defaultID]; ok {
		return p
	}
	return r.personas[0]
}

// SpeakerID resolves the synthesis speaker id for a persona id, falling
// back to the global default speaker id when the lookup misses entirely.
func (r *Registry) SpeakerID(id string) int {
	if p, ok := r.byID[id]; ok {
		return p.SpeakerID
	}
	if p, ok := r.byID[r.defaultID]; ok {
		return p.SpeakerID
	}
	return r.defaultSpeakerID
}

// List returns all personas in declaration order.
func (r *Registry) List() []Persona {
	out := make([]Persona, len(r.personas))
	copy(out, r.personas)
	return out
}

// DefaultID returns the resolved default persona id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}
