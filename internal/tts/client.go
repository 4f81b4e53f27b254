package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "koebot/pkg/errors"
)

// Synthesis runs as two sequential calls against a VOICEVOX-compatible
// engine: build an audio query for the text, then execute it into a WAV.
const (
	queryTimeout     = 10 * time.Second
	synthesisTimeout = 20 * time.Second
)

// Client is a text-to-speech HTTP client. Synthesized audio is written
// to OutDir as a temporary WAV file owned by the caller.
type Client struct {
	baseURL    string
	outDir     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a synthesis client for the engine at baseURL.
func NewClient(baseURL, outDir string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		outDir:     outDir,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Synthesize converts text to speech with the given speaker and returns
// the path of the WAV file it wrote. The caller owns the file and must
// delete it when playback finishes.
func (c *Client) Synthesize(ctx context.Context, text string, speakerID int) (string, error) {
	query, err := c.buildAudioQuery(ctx, text, speakerID)
	if err != nil {
		return "", err
	}

	audio, err := c.executeSynthesis(ctx, query, speakerID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("failed to create output dir: %w", err))
	}

	path := filepath.Join(c.outDir, fmt.Sprintf("synth_%s_spk%d.wav", uuid.New().String(), speakerID))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("failed to write audio file: %w", err))
	}

	c.logger.Debug("synthesis complete",
		zap.Int("speaker_id", speakerID),
		zap.Int("bytes", len(audio)),
		zap.String("path", path),
	)

	return path, nil
}

// buildAudioQuery runs the query phase and returns the raw audio query
// JSON, passed through untouched to the synthesis phase.
func (c *Client) buildAudioQuery(ctx context.Context, text string, speakerID int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", strconv.Itoa(speakerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio_query?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("audio query request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewSynthesisBadStatus("query", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("reading audio query: %w", err))
	}
	if !json.Valid(body) {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("audio query response is not valid JSON"))
	}

	return body, nil
}

// executeSynthesis runs the synthesis phase and returns the WAV bytes.
func (c *Client) executeSynthesis(ctx context.Context, query []byte, speakerID int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("speaker", strconv.Itoa(speakerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesis?"+params.Encode(), bytes.NewReader(query))
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("synthesis request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewSynthesisBadStatus("synthesis", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("reading synthesis response: %w", err))
	}
	if len(audio) == 0 {
		return nil, apperrors.NewSynthesisFailed(speakerID, fmt.Errorf("synthesis returned empty audio"))
	}

	return audio, nil
}
