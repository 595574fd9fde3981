package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshpool/internal/config"
	"github.com/websoft9/sshpool/internal/hooks"
	"github.com/websoft9/sshpool/internal/server"

	_ "github.com/websoft9/sshpool/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)
	log.Info().Str("version", cfg.Version).Str("env", cfg.Env).Msg("Starting sshpool session host")

	app := pocketbase.New()
	host := server.New(app, cfg)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		host.Register(se)
		return se.Next()
	})

	hooks.Register(app)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		host.Pool.StartHealthSweep(context.Background())
		host.Worker.Start()
		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		host.Shutdown()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal().Err(err).Msg("sshpool session host exited with error")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
