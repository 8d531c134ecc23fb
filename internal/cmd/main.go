package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/goalmate/realtime/internal/models"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := loadConfig(getEnv("REALTIME_CONFIG", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Fatal().Msg("AUTH_TOKEN environment variable is required")
	}

	log.Info().
		Str("api_base_url", config.API.BaseURL).
		Str("transport", config.Transport.Kind).
		Msg("starting realtime client")

	services, err := setupServices(config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup services")
	}
	defer services.Coordinator.Close()

	services.Sessions.SetSession(models.Session{
		Identity: models.Identity{
			UserID:      getEnvAsInt64("USER_ID", 0),
			Username:    getEnv("USERNAME", ""),
			ChatEnabled: getEnvAsBool("CHAT_ENABLED", true),
		},
		Token: token,
	})

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	services.Sessions.Clear()

	// Give the teardown a moment to close the push channel
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("realtime client shutdown complete")
}
