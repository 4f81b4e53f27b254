package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"koebot/internal/metrics"
	"koebot/internal/persona"
	apperrors "koebot/pkg/errors"
)

// Client talks to an OpenAI-compatible chat completions endpoint and
// carries the bounded per-(user, persona) history with every request.
type Client struct {
	client   *openai.Client
	model    string
	personas *persona.Registry
	history  *HistoryStore
	logger   *zap.Logger
}

// NewClient creates an LLM client. baseURL points at an OpenAI-compatible
// gateway; apiKey may be empty for local gateways.
func NewClient(baseURL, apiKey, modelID string, personas *persona.Registry, logger *zap.Logger) *Client {
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"

	return &Client{
		client:   openai.NewClientWithConfig(cfg),
		model:    modelID,
		personas: personas,
		history:  NewHistoryStore(),
		logger:   logger,
	}
}

// History exposes the underlying store for clearing operations.
func (c *Client) History() *HistoryStore {
	return c.history
}

// Generate produces a persona-voiced reply to userText. The request is
// built fresh each call: system prompt, the persona greeting as the first
// assistant turn, the stored history, then the current user message. The
// exchange is appended to history only on success.
func (c *Client) Generate(ctx context.Context, userText, userID, userName, personaID string) (string, error) {
	p := c.personas.Resolve(personaID)

	messages := make([]openai.ChatCompletionMessage, 0, MaxHistoryTurns+3)
	if p.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.SystemPrompt,
		})
	}
	if p.Greeting != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: p.Greeting,
		})
	}
	for _, turn := range c.history.Turns(userID, p.ID) {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
		Name:    sanitizeName(userName),
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.8,
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(metrics.OutcomeError).Inc()
		c.logger.Error("LLM request failed",
			zap.String("model", c.model),
			zap.String("persona", p.ID),
			zap.Error(err),
		)
		return "", apperrors.NewGenerationFailed(c.model, p.ID, err)
	}

	if len(resp.Choices) == 0 {
		metrics.LLMRequests.WithLabelValues(metrics.OutcomeError).Inc()
		return "", apperrors.NewGenerationFailed(c.model, p.ID, fmt.Errorf("no choices in response"))
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		metrics.LLMRequests.WithLabelValues(metrics.OutcomeError).Inc()
		return "", apperrors.ErrEmptyGeneration
	}
	metrics.LLMRequests.WithLabelValues(metrics.OutcomeOK).Inc()

	c.history.Append(userID, p.ID, userText, reply)

	c.logger.Debug("LLM response generated",
		zap.String("model", c.model),
		zap.String("persona", p.ID),
		zap.String("user_id", userID),
		zap.Int("reply_len", len(reply)),
	)

	return reply, nil
}

// ClearHistory erases one user's history for a persona.
func (c *Client) ClearHistory(userID, personaID string) bool {
	return c.history.Clear(userID, personaID)
}

// ClearAllHistory erases every stored conversation.
func (c *Client) ClearAllHistory() {
	c.history.ClearAll()
}

// sanitizeName strips characters the chat completions name field rejects.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
