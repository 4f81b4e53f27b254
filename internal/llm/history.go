package llm

import (
	"sync"
)

// MaxHistoryTurns bounds stored conversation history to five round trips
// (a user turn plus an assistant turn each).
const MaxHistoryTurns = 10

// Turn is a single stored conversation entry.
type Turn struct {
	Role string // RoleUser or RoleAssistant
	Text string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryStore keeps per-(user, persona) conversation history in memory.
// Nothing is persisted across restarts.
type HistoryStore struct {
	mu      sync.Mutex
	entries map[string][]Turn
}

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{entries: make(map[string][]Turn)}
}

func historyKey(userID, personaID string) string {
	return userID + "/" + personaID
}

// Turns returns a copy of the stored turns for (userID, personaID).
func (s *HistoryStore) Turns(userID, personaID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.entries[historyKey(userID, personaID)]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Append records one exchange and prunes from the oldest end so no key
// ever holds more than MaxHistoryTurns turns.
func (s *HistoryStore) Append(userID, personaID, userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey(userID, personaID)
	turns := append(s.entries[key],
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleAssistant, Text: assistantText},
	)
	if len(turns) > MaxHistoryTurns {
		turns = turns[len(turns)-MaxHistoryTurns:]
	}
	s.entries[key] = turns
}

// Clear erases the history for one (userID, personaID) pair. Returns
// whether anything was stored.
func (s *HistoryStore) Clear(userID, personaID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey(userID, personaID)
	_, existed := s.entries[key]
	delete(s.entries, key)
	return existed
}

// ClearAll erases every stored history.
func (s *HistoryStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Turn)
}
