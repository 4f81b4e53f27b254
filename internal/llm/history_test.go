package llm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryStore_AppendAndTurns(t *testing.T) {
	store := NewHistoryStore()

	store.Append("u1", "metan", "hello", "hi there")

	turns := store.Turns("u1", "metan")
	assert.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: RoleUser, Text: "hello"}, turns[0])
	assert.Equal(t, Turn{Role: RoleAssistant, Text: "hi there"}, turns[1])

	// Other keys are untouched.
	assert.Empty(t, store.Turns("u1", "zundamon"))
	assert.Empty(t, store.Turns("u2", "metan"))
}

func TestHistoryStore_PrunesOldestBeyondCap(t *testing.T) {
	store := NewHistoryStore()

	for i := 0; i < 8; i++ {
		store.Append("u1", "metan", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	turns := store.Turns("u1", "metan")
	assert.Len(t, turns, MaxHistoryTurns)
	// Oldest exchanges were dropped, newest kept.
	assert.Equal(t, "q3", turns[0].Text)
	assert.Equal(t, "a7", turns[len(turns)-1].Text)
}

func TestHistoryStore_Clear(t *testing.T) {
	store := NewHistoryStore()
	store.Append("u1", "metan", "q", "a")
	store.Append("u1", "zundamon", "q", "a")

	assert.True(t, store.Clear("u1", "metan"))
	assert.False(t, store.Clear("u1", "metan"))
	assert.Empty(t, store.Turns("u1", "metan"))
	assert.Len(t, store.Turns("u1", "zundamon"), 2)
}

func TestHistoryStore_ClearAll(t *testing.T) {
	store := NewHistoryStore()
	store.Append("u1", "metan", "q", "a")
	store.Append("u2", "himari", "q", "a")

	store.ClearAll()
	assert.Empty(t, store.Turns("u1", "metan"))
	assert.Empty(t, store.Turns("u2", "himari"))
}
