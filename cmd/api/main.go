package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/config"
	httpHandlers "github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/http"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/logging"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/service"
)

func main() {
	pflag.String("api-addr", ":8080", "listen address")
	pflag.String("db-dsn", "", "postgres DSN; empty runs on the in-memory store")
	pflag.String("log-level", "info", "log level")
	pflag.Bool("log-pretty", false, "human readable logs")
	pflag.Parse()

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := config.BindFlags(pflag.CommandLine); err != nil {
		log.Fatal().Err(err).Msg("flag binding failed")
	}
	cfg := config.Get()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := service.OpenStore(ctx, cfg.DBDSN, cfg.DBMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer closeStore()

	ext, err := service.Connect(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("external adapters failed")
	}
	defer ext.Close()

	svcs := service.New(store, cfg, ext, nil)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	httpHandlers.Register(app, svcs)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down api")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	addr := cfg.APIAddr
	if addr == "" {
		addr = ":8080"
	}
	log.Info().Str("addr", addr).Msg("api listening")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server exit")
	}
}
