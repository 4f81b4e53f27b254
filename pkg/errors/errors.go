package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConnection represents voice join/subscribe failures
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSynthesis represents TTS API failures
	ErrorTypeSynthesis ErrorType = "synthesis"
	// ErrorTypeGeneration represents LLM API failures
	ErrorTypeGeneration ErrorType = "generation"
	// ErrorTypePlayback represents audio player failures mid-stream
	ErrorTypePlayback ErrorType = "playback"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// ErrBusy is returned when a speech request is dropped because the guild
// is already mid-response. It is an intentional drop, not a failure: the
// request has no side effects and nothing is retried.
var ErrBusy = errors.New("guild is busy with another response cycle")

// ErrNotConnected is returned when a speech request targets a guild with
// no live voice session.
var ErrNotConnected = errors.New("not connected to a voice channel")

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// ErrType returns the error category. Promoted through embedding so typed
// errors answer IsErrorType without a cast to the concrete type.
func (e *BaseError) ErrType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Connection Errors

// ErrVoiceJoinFailed is returned when joining a voice channel fails
type ErrVoiceJoinFailed struct {
	*BaseError
	GuildID   string
	ChannelID string
}

func NewVoiceJoinFailed(guildID, channelID string, err error) *ErrVoiceJoinFailed {
	return &ErrVoiceJoinFailed{
		BaseError: NewBaseError(ErrorTypeConnection, fmt.Sprintf("failed to join voice channel %s", channelID), err),
		GuildID:   guildID,
		ChannelID: channelID,
	}
}

// ErrPlayerAttachFailed is returned when the audio player cannot be bound
// to the guild's voice connection
type ErrPlayerAttachFailed struct {
	*BaseError
	GuildID string
}

func NewPlayerAttachFailed(guildID string, err error) *ErrPlayerAttachFailed {
	return &ErrPlayerAttachFailed{
		BaseError: NewBaseError(ErrorTypeConnection, "failed to attach player to voice connection", err),
		GuildID:   guildID,
	}
}

// Synthesis Errors

// ErrSynthesisFailed is returned when the TTS service fails to produce audio
type ErrSynthesisFailed struct {
	*BaseError
	SpeakerID int
}

func NewSynthesisFailed(speakerID int, err error) *ErrSynthesisFailed {
	return &ErrSynthesisFailed{
		BaseError: NewBaseError(ErrorTypeSynthesis, fmt.Sprintf("synthesis failed for speaker %d", speakerID), err),
		SpeakerID: speakerID,
	}
}

// ErrSynthesisBadStatus is returned on a non-2xx TTS API response
type ErrSynthesisBadStatus struct {
	*BaseError
	StatusCode int
	Phase      string // "query" or "synthesis"
}

func NewSynthesisBadStatus(phase string, statusCode int) *ErrSynthesisBadStatus {
	return &ErrSynthesisBadStatus{
		BaseError:  NewBaseError(ErrorTypeSynthesis, fmt.Sprintf("%s request returned status %d", phase, statusCode), nil),
		StatusCode: statusCode,
		Phase:      phase,
	}
}

// Generation Errors

// ErrGenerationFailed is returned when an LLM request fails
type ErrGenerationFailed struct {
	*BaseError
	Model     string
	PersonaID string
}

func NewGenerationFailed(model, personaID string, err error) *ErrGenerationFailed {
	return &ErrGenerationFailed{
		BaseError: NewBaseError(ErrorTypeGeneration, fmt.Sprintf("LLM request failed for persona %s", personaID), err),
		Model:     model,
		PersonaID: personaID,
	}
}

// ErrEmptyGeneration is returned when the LLM produces no usable text
var ErrEmptyGeneration = NewBaseError(ErrorTypeGeneration, "empty response from LLM", nil)

// Playback Errors

// ErrPlaybackFailed is returned when the audio player reports a failure
type ErrPlaybackFailed struct {
	*BaseError
	GuildID string
	Path    string
}

func NewPlaybackFailed(guildID, path string, err error) *ErrPlaybackFailed {
	return &ErrPlaybackFailed{
		BaseError: NewBaseError(ErrorTypePlayback, fmt.Sprintf("playback failed for %s", path), err),
		GuildID:   guildID,
		Path:      path,
	}
}

// Config Errors

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if typed, ok := err.(interface{ ErrType() ErrorType }); ok {
			return typed.ErrType() == errType
		}
		err = errors.Unwrap(err)
	}
	return false
}
