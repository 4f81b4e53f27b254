package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"koebot/internal/persona"
	apperrors "koebot/pkg/errors"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newChatServer(t *testing.T, reply string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testRegistry(t *testing.T) *persona.Registry {
	t.Helper()
	reg, err := persona.NewRegistry([]persona.Persona{
		{ID: "metan", Name: "四国めたん", SpeakerID: 2, SystemPrompt: "you are metan", Greeting: "hello from metan"},
		{ID: "himari", Name: "冥鳴ひまり", SpeakerID: 14},
	}, "metan", 0)
	require.NoError(t, err)
	return reg
}

func TestClient_Generate_BuildsPersonaContext(t *testing.T) {
	var captured capturedRequest
	srv := newChatServer(t, "a reply", &captured)
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", testRegistry(t), zap.NewNop())

	reply, err := client.Generate(context.Background(), "how are you?", "u1", "alice", "metan")
	require.NoError(t, err)
	assert.Equal(t, "a reply", reply)

	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "you are metan", captured.Messages[0].Content)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	assert.Equal(t, "hello from metan", captured.Messages[1].Content)
	assert.Equal(t, "user", captured.Messages[2].Role)
	assert.Equal(t, "how are you?", captured.Messages[2].Content)
	assert.Equal(t, "test-model", captured.Model)
}

func TestClient_Generate_CarriesBoundedHistory(t *testing.T) {
	var captured capturedRequest
	srv := newChatServer(t, "ok", &captured)
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", testRegistry(t), zap.NewNop())

	for i := 0; i < 7; i++ {
		_, err := client.Generate(context.Background(), "ping", "u1", "alice", "metan")
		require.NoError(t, err)
	}

	// system + greeting + 10 history turns + current user message
	assert.Len(t, captured.Messages, 13)
	assert.Len(t, client.History().Turns("u1", "metan"), MaxHistoryTurns)
}

func TestClient_Generate_UnknownPersonaUsesDefault(t *testing.T) {
	var captured capturedRequest
	srv := newChatServer(t, "ok", &captured)
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", testRegistry(t), zap.NewNop())

	_, err := client.Generate(context.Background(), "hi", "u1", "alice", "tsumugi")
	require.NoError(t, err)

	// Default persona's system prompt was applied, and history landed
	// under the resolved persona id.
	assert.Equal(t, "you are metan", captured.Messages[0].Content)
	assert.Len(t, client.History().Turns("u1", "metan"), 2)
}

func TestClient_Generate_EmptyReply(t *testing.T) {
	srv := newChatServer(t, "   ", nil)
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", testRegistry(t), zap.NewNop())

	_, err := client.Generate(context.Background(), "hi", "u1", "alice", "metan")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGeneration))

	// Failed exchanges are not recorded.
	assert.Empty(t, client.History().Turns("u1", "metan"))
}

func TestClient_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", testRegistry(t), zap.NewNop())

	_, err := client.Generate(context.Background(), "hi", "u1", "alice", "metan")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGeneration))
}
