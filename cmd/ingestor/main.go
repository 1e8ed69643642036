package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/config"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/feed"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/ingest"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/logging"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/service"
)

func main() {
	pflag.String("mqtt-url", "", "telemetry broker URL")
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

	ext, err := service.ConnectCloud(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("external adapters failed")
	}
	defer ext.Close()

	svcs := service.New(store, cfg, ext, nil)

	var session *feed.Session
	if cfg.Feed.URL != "" {
		dial := feed.PahoDialer(feed.PahoOptions{
			URL:            cfg.Feed.URL,
			ClientID:       cfg.Feed.ClientID,
			Username:       cfg.Feed.Username,
			Password:       cfg.Feed.Password,
			ConnectTimeout: cfg.Feed.ConnectTimeout,
		})
		session = feed.NewSession(dial, svcs.Ingest.IngestTopic, feed.Options{
			Topic:            ingest.SubscriptionTopic(svcs.Ingest.TopicRoot()),
			ReconnectInitial: cfg.Feed.ReconnectInitial,
			ReconnectMax:     cfg.Feed.ReconnectMax,
			Status:           svcs.Ingest.FeedStatus(),
		})
		session.Start(ctx)
	} else {
		log.Warn().Msg("MQTT_URL empty, telemetry feed disabled")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("worker", name).Msg("worker started")
			fn(ctx)
			log.Info().Str("worker", name).Msg("worker stopped")
		}()
	}
	if cfg.Alerts.Enabled {
		run("alerts", svcs.Alerts.Run)
	}
	if cfg.Push.HealthCheckEnabled {
		run("push-selftest", svcs.Notify.RunSelfTests)
	}
	if svcs.History != nil {
		run("history-export", svcs.History.Run)
	}

	log.Info().Msg("ingestor running; Ctrl+C to stop")
	<-ctx.Done()
	if session != nil {
		session.Stop()
	}
	wg.Wait()
	log.Info().Msg("ingestor stopped")
}
