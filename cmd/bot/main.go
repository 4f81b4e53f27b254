package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"koebot/internal/discord"
	"koebot/internal/llm"
	"koebot/internal/persona"
	"koebot/internal/status"
	"koebot/internal/tts"
	"koebot/internal/voice"
	"koebot/pkg/config"
	"koebot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting voice chat bot...")

	if cfg.DiscordBotToken == "" {
		log.Fatal("DISCORD_BOT_TOKEN is required")
	}

	// Load the persona table
	personaTable := persona.Defaults()
	if cfg.PersonaFile != "" {
		personaTable, err = persona.LoadFile(cfg.PersonaFile)
		if err != nil {
			log.Fatal("Failed to load persona file", zap.Error(err))
		}
		log.Info("Loaded persona table from file",
			zap.String("path", cfg.PersonaFile),
			zap.Int("count", len(personaTable)),
		)
	}
	personas, err := persona.NewRegistry(personaTable, cfg.DefaultPersonaID, cfg.DefaultSpeakerID)
	if err != nil {
		log.Fatal("Invalid persona table", zap.Error(err))
	}
	log.Info("Persona registry ready",
		zap.Int("personas", len(personas.List())),
		zap.String("default", personas.DefaultID()),
	)

	// Initialize dependencies
	ttsClient := tts.NewClient(cfg.TTSBaseURL, cfg.TempAudioDir, log)
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModelID, personas, log)
	sessions := voice.NewRegistry(personas.DefaultID(), log)
	orch := voice.NewOrchestrator(sessions, ttsClient, personas, log)
	router := discord.NewRouter(cfg.BotPrefix, sessions, orch, llmClient, personas, log)

	// Create Discord session
	dg, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		log.Fatal("Failed to create Discord session", zap.Error(err))
	}

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		router.HandleMessage(s, m)
	})
	dg.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		router.HandleVoiceStateUpdate(s, v)
	})
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		log.Info("Logged in",
			zap.String("username", r.User.Username),
			zap.Int("guilds", len(r.Guilds)),
		)
	})

	// Voice connections need guild and voice state intents on top of
	// guild messages.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildVoiceStates | discordgo.IntentsMessageContent

	if err := dg.Open(); err != nil {
		log.Fatal("Failed to open Discord connection", zap.Error(err))
	}

	statusSrv := status.NewServer(":"+cfg.StatusPort, sessions, cfg.IsProduction(), log)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(statusSrv.Run)
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info("Received shutdown signal", zap.String("signal", s.String()))
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Status server shutdown failed", zap.Error(err))
		}
		return nil
	})

	log.Info("Bot is running. Press CTRL-C to exit.",
		zap.String("prefix", cfg.BotPrefix),
		zap.String("status_port", cfg.StatusPort),
	)

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Shutting down...")
	sessions.DestroyAll()
	llmClient.ClearAllHistory()
	if err := dg.Close(); err != nil {
		log.Warn("Failed to close Discord session", zap.Error(err))
	}
}
