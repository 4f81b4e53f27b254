package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	apperrors "koebot/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Env        string
	StatusPort string

	// Discord
	DiscordBotToken string
	BotPrefix       string

	// LLM (OpenAI-compatible chat completions endpoint)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModelID string

	// Speech synthesis
	TTSBaseURL       string
	DefaultSpeakerID int
	TempAudioDir     string

	// Personas
	DefaultPersonaID string
	PersonaFile      string // optional JSON file overriding the built-in table
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("ENV", "development"),
		StatusPort:       getEnv("STATUS_PORT", "8090"),
		DiscordBotToken:  getEnv("DISCORD_BOT_TOKEN", ""),
		BotPrefix:        getEnv("BOT_PREFIX", "!vbot-"),
		LLMBaseURL:       getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModelID:       getEnv("LLM_MODEL_ID", "gemini/gemini-1.5-flash-latest"),
		TTSBaseURL:       getEnv("TTS_BASE_URL", "http://127.0.0.1:50021"),
		DefaultSpeakerID: getEnvInt("DEFAULT_SPEAKER_ID", 0),
		TempAudioDir:     getEnv("TEMP_AUDIO_DIR", "temp_audio"),
		DefaultPersonaID: getEnv("DEFAULT_PERSONA_ID", "metan"),
		PersonaFile:      getEnv("PERSONA_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.LLMBaseURL == "" {
		return apperrors.NewConfigMissingRequired("LLM_BASE_URL")
	}
	if c.LLMModelID == "" {
		return apperrors.NewConfigMissingRequired("LLM_MODEL_ID")
	}
	if c.TTSBaseURL == "" {
		return apperrors.NewConfigMissingRequired("TTS_BASE_URL")
	}
	if c.BotPrefix == "" {
		return apperrors.NewConfigMissingRequired("BOT_PREFIX")
	}
	// Discord token is validated at startup so tests can load config without one
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
