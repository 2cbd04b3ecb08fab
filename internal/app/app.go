// Package app initializes and holds the long-lived services of a sweep and
// wires them into the run controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"curpsweep/internal/aggregator"
	"curpsweep/internal/api"
	"curpsweep/internal/checkpoint"
	"curpsweep/internal/combi"
	"curpsweep/internal/config"
	"curpsweep/internal/curp"
	"curpsweep/internal/gobmx"
	"curpsweep/internal/metrics"
	"curpsweep/internal/notify"
	"curpsweep/internal/runner"
	"curpsweep/internal/sink"
	"curpsweep/internal/throttle"
	"curpsweep/internal/worker"
)

// App holds the shared services behind one sweep run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	space        *combi.Space
	store        *checkpoint.Store
	sessions     *gobmx.Factory
	sink         curp.ResultSink
	notifier     curp.Notifier
	pubsubClient *pubsub.Client
	runner       *runner.Runner
	apiServer    *api.Server
}

// New builds every service from configuration, failing fast when any cannot
// be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	metrics.Init()

	start, err := combi.ParseBound(cfg.Space.Start)
	if err != nil {
		return nil, fmt.Errorf("space.start: %w", err)
	}
	end, err := combi.ParseBound(cfg.Space.End)
	if err != nil {
		return nil, fmt.Errorf("space.end: %w", err)
	}
	a.space, err = combi.New(start, end)
	if err != nil {
		return nil, fmt.Errorf("build combination space: %w", err)
	}
	logger.Info("combination space built",
		zap.Int64("size", a.space.Size()),
		zap.String("config_hash", a.space.ConfigHash()))

	a.store, err = checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store init failed: %w", err)
	}

	a.sessions = gobmx.NewFactory(gobmx.Config{
		Headless:   cfg.Browser.Headless,
		UserAgent:  cfg.Browser.UserAgent,
		NavTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
	}, logger.Named("gobmx"))

	if a.sink, err = setupSink(cfg.Sink); err != nil {
		return nil, err
	}
	if a.notifier, err = setupNotifier(ctx, a); err != nil {
		return nil, err
	}

	a.runner = runner.New(
		runner.Config{
			PoolSize:          cfg.Run.PoolSize,
			PersonParallelism: cfg.Run.PersonParallelism,
			Worker: worker.Config{
				QueryTimeout:        cfg.QueryTimeout(),
				RestartSessionAfter: cfg.Run.RestartSessionAfter,
				StartStagger:        time.Duration(cfg.Run.StartStaggerMs) * time.Millisecond,
			},
			Aggregator: aggregator.Config{
				BatchSize:      cfg.Run.BatchSize,
				FlushInterval:  cfg.FlushInterval(),
				PersistBackoff: cfg.PersistBackoff(),
				NotifyTopic:    cfg.PubSub.TopicName,
				Logger:         logger.Named("aggregator"),
			},
		},
		a.space,
		a.store,
		a.sessions,
		throttle.New(throttle.Config{
			MinDelay:        time.Duration(cfg.Throttle.MinDelayMs) * time.Millisecond,
			MaxDelay:        time.Duration(cfg.Throttle.MaxDelayMs) * time.Millisecond,
			CooldownEvery:   cfg.Throttle.CooldownEvery,
			Cooldown:        time.Duration(cfg.Throttle.CooldownSec) * time.Second,
			EscalateAfter:   cfg.Throttle.EscalateAfter,
			BackoffFactor:   cfg.Throttle.BackoffFactor,
			MaxBackoffScale: cfg.Throttle.MaxBackoffScale,
			GlobalRPS:       cfg.Throttle.GlobalRPS,
			GlobalBurst:     cfg.Throttle.GlobalBurst,
		}),
		curp.NewRetryPolicy(
			cfg.Retry.MaxRetries,
			time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond,
			time.Duration(cfg.Retry.MaxDelaySec)*time.Second,
		),
		a.sink,
		a.notifier,
		logger.Named("runner"),
	)
	a.apiServer = api.NewServer(a.runner, logger.Named("api"))
	return a, nil
}

// Runner exposes the run controller, mainly for inspection commands.
func (a *App) Runner() *runner.Runner {
	return a.runner
}

// Space exposes the active combination space.
func (a *App) Space() *combi.Space {
	return a.space
}

// Run executes the sweep over tasks and blocks until it drains. SIGINT and
// SIGTERM start a drain; SIGUSR1 toggles pause.
func (a *App) Run(ctx context.Context, tasks []curp.PersonTask) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	stopSignals := make(chan struct{})
	defer close(stopSignals)
	go func() {
		for {
			select {
			case sig := <-signals:
				switch sig {
				case syscall.SIGUSR1:
					a.logger.Info("pause toggle requested")
					a.runner.TogglePause()
				default:
					a.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
					a.runner.Drain()
				}
			case <-stopSignals:
				signal.Stop(signals)
				return
			}
		}
	}()

	runErr := a.runner.Run(ctx, tasks)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown error", zap.Error(err))
	}
	return runErr
}

// Close releases external resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func setupSink(cfg config.SinkConfig) (curp.ResultSink, error) {
	switch cfg.Provider {
	case "csv":
		s, err := sink.NewCSV(cfg.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("csv sink init failed: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sink.NewSQLite(cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("sqlite sink init failed: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := sink.NewPostgres(context.Background(), sink.PostgresConfig{DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("postgres sink init failed: %w", err)
		}
		return s, nil
	case "memory":
		return sink.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown sink provider: %s", cfg.Provider)
	}
}

func setupNotifier(ctx context.Context, a *App) (curp.Notifier, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no pub/sub topic configured, match notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("pub/sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return notify.NewPubSub(client.Publisher(a.cfg.PubSub.TopicName)), nil
}
