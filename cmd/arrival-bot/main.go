package main

import (
	"context"
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/config"
	"github.com/spb-transit/arrival-bot/internal/engine"
)

func main() {
	// A local .env is a convenience for development; absence is normal.
	_ = godotenv.Load()

	configFile := flag.String("config", "", "path to YAML configuration file")
	dataDir := flag.String("data-dir", "", "subscription database directory")
	serverAddr := flag.String("addr", "", "ops server listen address")
	logLevel := flag.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *serverAddr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading configuration failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	eng, err := engine.CreateEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Creating engine failed")
	}

	// A nil context makes the engine own SIGINT/SIGTERM handling.
	if err := eng.Start(nil); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}
