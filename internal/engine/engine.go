// Package engine assembles the polling pipeline and runs its components
// under one lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/api"
	"github.com/spb-transit/arrival-bot/internal/bot"
	"github.com/spb-transit/arrival-bot/internal/config"
	"github.com/spb-transit/arrival-bot/internal/diff"
	"github.com/spb-transit/arrival-bot/internal/dispatch"
	"github.com/spb-transit/arrival-bot/internal/fetcher"
	"github.com/spb-transit/arrival-bot/internal/gtfs"
	"github.com/spb-transit/arrival-bot/internal/logging"
	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/internal/registry"
	"github.com/spb-transit/arrival-bot/internal/scheduler"
	"github.com/spb-transit/arrival-bot/internal/snapshot"
	"github.com/spb-transit/arrival-bot/internal/telemetry"
	"github.com/spb-transit/arrival-bot/pkg/transit"
	"golang.org/x/sync/errgroup"
)

// Engine coordinates the feed store, poll scheduler, dispatcher, and ops
// server.
type Engine struct {
	config      *config.Config
	registry    *registry.Store
	feed        *gtfs.Store
	scheduler   *scheduler.Scheduler
	dispatcher  *dispatch.Dispatcher
	apiServer   *api.Server
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error
}

// CreateEngine builds all components from the configuration.
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.Registry.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	reg, err := registry.Open(registry.Config{DataDir: cfg.Registry.DataDir})
	if err != nil {
		return nil, fmt.Errorf("opening subscription registry: %w", err)
	}

	feed, err := gtfs.NewStore(gtfs.Config{
		FeedURL:         cfg.Feed.FeedURL,
		RefreshInterval: time.Duration(cfg.Feed.RefreshIntervalHours) * time.Hour,
		DownloadTimeout: time.Duration(cfg.Feed.DownloadTimeoutSeconds) * time.Second,
		NameCacheSize:   cfg.Feed.NameCacheSize,
	})
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("creating feed store: %w", err)
	}

	fetch := fetcher.New(fetcher.Config{
		ForecastURL: cfg.Fetcher.ForecastURL,
		Timeout:     time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second,
	})

	sender := bot.NewClient(bot.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: time.Duration(cfg.Telegram.TimeoutSeconds) * time.Second,
	})

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		SendsPerSecond: cfg.Dispatcher.SendsPerSecond,
		Burst:          cfg.Dispatcher.Burst,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Dispatcher.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.Dispatcher.MaxBackoffSeconds) * time.Second,
		QueueSize:      cfg.Dispatcher.QueueSize,
		IdleTimeout:    time.Duration(cfg.Dispatcher.IdleTimeoutSeconds) * time.Second,
	}, sender, dispatch.NewRenderer(feed))

	// A chat that permanently rejects delivery takes its saved routes
	// with it; polling for a gone subscriber is wasted work.
	dispatcher.OnDrop(func(task dispatch.Task, err error) {
		if dispatch.ClassOf(err) != dispatch.SendPermanent {
			return
		}
		pruneChat(reg, task.ChatID)
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval:      time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		RefreshInterval:   time.Duration(cfg.Scheduler.RefreshIntervalSeconds) * time.Second,
		DegradedThreshold: cfg.Scheduler.DegradedThreshold,
		InitialBackoff:    time.Duration(cfg.Scheduler.InitialBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Scheduler.MaxBackoffSeconds) * time.Second,
	}, scheduler.Deps{
		Fetcher:    fetch,
		Snapshots:  snapshot.NewStore(),
		Diff: diff.NewEngine(diff.Config{
			MatchTolerance: time.Duration(cfg.Diff.MatchToleranceSeconds) * time.Second,
			DelayThreshold: time.Duration(cfg.Diff.DelayThresholdSeconds) * time.Second,
		}),
		Registry:   reg,
		Dispatcher: dispatcher,
		Timetable:  feed,
	})

	apiServer := api.NewServer(api.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	}, sched, feed)

	return &Engine{
		config:     cfg,
		registry:   reg,
		feed:       feed,
		scheduler:  sched,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		logger:     log.With().Str("component", "engine").Logger(),
		metrics:    metrics.GetMetrics(),
	}, nil
}

// pruneChat removes every saved route of a chat that can no longer be
// reached.
func pruneChat(reg *registry.Store, chatID transit.ChatID) {
	subs, err := reg.ListByChat(chatID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", int64(chatID)).Msg("Pruning unreachable chat failed")
		return
	}
	for _, sub := range subs {
		if err := reg.Remove(chatID, sub.ID); err != nil {
			log.Error().Err(err).
				Int64("chat_id", int64(chatID)).
				Str("subscription_id", sub.ID).
				Msg("Removing subscription of unreachable chat failed")
		}
	}
	log.Info().Int64("chat_id", int64(chatID)).Int("removed", len(subs)).
		Msg("Pruned subscriptions of unreachable chat")
}

// Start runs all components until the context is canceled or a component
// fails. A nil context installs SIGINT/SIGTERM handling.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting arrival bot engine")

	if err := logging.Setup(logging.Config{
		Level:             e.config.Logging.Level,
		Format:            logging.LogFormat(e.config.Logging.Format),
		IncludeCaller:     e.config.Logging.IncludeCaller,
		IncludeStacktrace: true,
		GlobalFields:      e.config.Logging.GlobalFields,
	}); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			e.logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
			cancel()
		}()
	}

	telShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       e.config.Telemetry.Enabled,
		ServiceName:   e.config.Telemetry.ServiceName,
		Endpoint:      e.config.Telemetry.Endpoint,
		SamplingRatio: e.config.Telemetry.SamplingRatio,
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Telemetry setup failed, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.feed.Run(ctx)
	})
	g.Go(func() error {
		return e.dispatcher.Start(ctx)
	})
	g.Go(func() error {
		return e.scheduler.Start(ctx)
	})
	g.Go(func() error {
		return e.apiServer.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running engine: %w", err)
	}

	e.logger.Info().Msg("Arrival bot engine shut down")
	return nil
}

// Shutdown releases resources held outside the Start lifecycle.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down arrival bot engine")

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Telemetry shutdown failed")
		}
	}

	if err := e.registry.Close(); err != nil {
		return fmt.Errorf("closing registry: %w", err)
	}
	return nil
}

// Registry exposes the subscription store for frontends built on top of
// the engine.
func (e *Engine) Registry() *registry.Store {
	return e.registry
}
