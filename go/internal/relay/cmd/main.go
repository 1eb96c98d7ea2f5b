package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/activity"
	"github.com/mcdev12/studysync/go/internal/config"
	"github.com/mcdev12/studysync/go/internal/groupsync"
	"github.com/mcdev12/studysync/go/internal/journal"
	"github.com/mcdev12/studysync/go/internal/metrics"
	"github.com/mcdev12/studysync/go/internal/relay"
	"github.com/mcdev12/studysync/go/internal/session"
	"github.com/mcdev12/studysync/go/internal/studyapi"
)

const reconnectBackoff = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("STUDYSYNC_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(registry)

	api := studyapi.NewClient(cfg.API.BaseURL)
	if cfg.API.Token != "" {
		api.SetToken(cfg.API.Token)
	}
	api.SetTimeout(cfg.API.Timeout)

	groupIDs, err := resolveGroups(ctx, cfg, api)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve groups")
	}

	channel := setupChannel(cfg, groupIDs, clock, collector)
	if err := channel.Connect(ctx, cfg.UserID); err != nil {
		log.Fatal().Err(err).Str("transport", cfg.Transport).Msg("failed to connect push channel")
	}
	go keepConnected(ctx, channel, cfg.UserID, clock, reconnectBackoff)

	log.Info().
		Str("user_id", cfg.UserID).
		Str("transport", cfg.Transport).
		Strs("groups", groupIDs).
		Str("addr", cfg.Relay.Addr).
		Msg("starting presence relay")

	// Journal
	sink := journal.Open(ctx, cfg.Journal.DatabaseURL)
	log.Info().Str("mode", journal.Mode(sink)).Str("reason", journal.NoopReason(sink)).Msg("presence journal ready")
	journalWriter := journal.NewWriter(sink, journal.DefaultQueueSize)

	// Sessions and activity. Ticks start with Resume, after the relay exists.
	var handler *relay.Handler
	sessions := session.NewManager(api, channel, clock, func(elapsed int64) {
		handler.Connections().BroadcastSessionTick(elapsed)
	})
	monitor := activity.NewMonitor(channel, clock, cfg.Activity.IdleAfter)

	// Group views
	manager := groupsync.NewManager(cfg.UserID, channel, api, clock, collector)
	handler = relay.NewHandler(manager, sessions, monitor, relay.DefaultConnectionConfig(), registry)
	manager.OnChange(journalWriter.Observe)
	manager.OnChange(handler.Connections().Broadcast)
	for _, id := range groupIDs {
		manager.Watch(id)
	}

	if _, err := sessions.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("could not resume running session")
	}
	monitor.Start()

	go handler.Connections().Start(ctx)

	server := relay.NewServer(cfg.Relay.Addr, handler, cfg.Relay.AllowedOrigins)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	monitor.Stop()
	sessions.Close()
	manager.Close()
	cancel()
	if err := channel.Disconnect(); err != nil {
		log.Error().Err(err).Msg("push channel disconnect failed")
	}
	journalWriter.Close()

	log.Info().Msg("presence relay shutdown complete")
}

func setupLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// resolveGroups returns the configured groups, or every group the user belongs to.
func resolveGroups(ctx context.Context, cfg *config.Config, api *studyapi.Client) ([]string, error) {
	if len(cfg.Groups) > 0 {
		return cfg.Groups, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
	defer cancel()

	groups, err := api.ListGroups(lookupCtx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}
