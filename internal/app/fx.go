// Package app builds the refresher service from configuration and runs
// it until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trendkeeper/trendkeeper/internal/api"
	cachememory "github.com/trendkeeper/trendkeeper/internal/cache/memory"
	cacheredis "github.com/trendkeeper/trendkeeper/internal/cache/redis"
	"github.com/trendkeeper/trendkeeper/internal/config"
	"github.com/trendkeeper/trendkeeper/internal/dataset"
	datasetpg "github.com/trendkeeper/trendkeeper/internal/dataset/postgres"
	collyfetcher "github.com/trendkeeper/trendkeeper/internal/fetch/colly"
	"github.com/trendkeeper/trendkeeper/internal/gate"
	"github.com/trendkeeper/trendkeeper/internal/logging"
	"github.com/trendkeeper/trendkeeper/internal/metrics"
	memorypublisher "github.com/trendkeeper/trendkeeper/internal/publisher/memory"
	gcppublisher "github.com/trendkeeper/trendkeeper/internal/publisher/pubsub"
	"github.com/trendkeeper/trendkeeper/internal/refresher"
	"github.com/trendkeeper/trendkeeper/internal/scheduler"
	"github.com/trendkeeper/trendkeeper/internal/selector"
	"github.com/trendkeeper/trendkeeper/internal/storage"
	gcsstorage "github.com/trendkeeper/trendkeeper/internal/storage/gcs"
	localstorage "github.com/trendkeeper/trendkeeper/internal/storage/local"
)

const shutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	sched     *scheduler.Scheduler

	pgStore   *datasetpg.Store
	gcsMirror *gcsstorage.Provider
	redis     *cacheredis.Cache
	pubsub    *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies")

	subjects, err := cfg.Universe.ResolveSubjects()
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, errors.New("universe is empty: set universe.subjects or universe.subjects_file")
	}
	sel := selector.New(subjects, cfg.Universe.Regions)

	store, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}

	cache, err := setupCache(app)
	if err != nil {
		return nil, err
	}

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:     cfg.Fetch.BaseURL,
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.Timeout(),
		KeyTTL:      cfg.Fetch.KeyTTL(),
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BackoffInitial(),
		MaxDelay:    cfg.Fetch.BackoffMax(),
	}, cache, logger.Named("fetch"))
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	g := gate.New(gate.Config{
		MinInterval:    cfg.Gate.MinInterval(),
		MaxConcurrent:  cfg.Gate.MaxConcurrent,
		ReservoirSize:  cfg.Gate.ReservoirSize,
		RefillAmount:   cfg.Gate.RefillAmount,
		RefillInterval: cfg.Gate.RefillInterval(),
		MaxJitter:      cfg.Gate.MaxJitter(),
	}, nil)

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	topic := ""
	if publisher != nil {
		topic = cfg.PubSub.Topic
	}

	app.sched = scheduler.New(
		store,
		sel,
		g,
		fetcher,
		nil,
		publisher,
		nil,
		scheduler.Config{
			Tunables:     tunablesFromConfig(cfg.Refresher),
			StartupDelay: cfg.Refresher.StartupDelay(),
			CycleBreak:   cfg.Refresher.CycleBreak(),
			PausePoll:    cfg.Refresher.PausePoll(),
			PublishTopic: topic,
		},
		logger.Named("refresher"),
	)

	app.apiServer = api.NewServer(app.sched, g, cfg, logger.Named("api"))
	return app, nil
}

// Run starts the refresh loop and HTTP server, then blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, msg := a.sched.Start()
	a.logger.Info("refresher autostart", zap.Bool("ok", ok), zap.String("message", msg))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the scheduler, then releases infrastructure clients. The
// scheduler goes first so its final save still has a live store.
func (a *App) Close(_ context.Context) error {
	if a.sched != nil {
		_, msg := a.sched.Stop()
		a.logger.Info("refresher shutdown", zap.String("message", msg))
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcsMirror != nil {
		if err := a.gcsMirror.Close(); err != nil {
			a.logger.Warn("gcs mirror close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Logger exposes the application logger for command-level wiring.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler exposes the refresh scheduler for command-level wiring.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// ApplyTunables pushes the safe knobs from a reloaded config into the
// running scheduler. Its signature matches config.Watch's callback.
func (a *App) ApplyTunables(cfg config.Config) {
	a.sched.UpdateTunables(tunablesFromConfig(cfg.Refresher))
}

func tunablesFromConfig(rc config.RefresherConfig) scheduler.Tunables {
	return scheduler.Tunables{
		StaleThreshold: rc.StaleThreshold(),
		PacingMin:      rc.PacingMin(),
		PacingMax:      rc.PacingMax(),
		BlockCooldown:  rc.BlockCooldown(),
		ErrorCooldown:  rc.ErrorCooldown(),
		SaveEvery:      rc.SaveEvery,
	}
}

func setupStore(ctx context.Context, app *App) (dataset.Store, error) {
	switch app.cfg.Store.Backend {
	case "postgres":
		app.logger.Info("using postgres dataset store")
		pg, err := datasetpg.New(ctx, datasetpg.Config{
			DSN:      app.cfg.Store.DSN,
			MaxConns: int32(app.cfg.Store.MaxConns),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.pgStore = pg
		return pg, nil
	case "file":
		mirror, err := setupMirror(ctx, app)
		if err != nil {
			return nil, err
		}
		app.logger.Info("using file dataset store", zap.String("path", app.cfg.Store.Path))
		fs, err := dataset.NewFileStore(app.cfg.Store.Path, mirror, app.logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("file store init failed: %w", err)
		}
		return fs, nil
	default:
		app.logger.Info("using in-memory dataset store")
		return dataset.NewMemoryStore(), nil
	}
}

func setupMirror(ctx context.Context, app *App) (storage.Provider, error) {
	switch app.cfg.Store.Mirror.Backend {
	case "gcs":
		app.logger.Info("mirroring snapshots to gcs", zap.String("bucket", app.cfg.Store.Mirror.Bucket))
		p, err := gcsstorage.New(ctx, app.cfg.Store.Mirror.Bucket, app.logger.Named("mirror"))
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		app.gcsMirror = p
		return p, nil
	case "local":
		app.logger.Info("mirroring snapshots locally", zap.String("dir", app.cfg.Store.Mirror.Dir))
		p, err := localstorage.New(app.cfg.Store.Mirror.Dir)
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		return p, nil
	default:
		return &storage.NoOpProvider{}, nil
	}
}

func setupCache(app *App) (refresher.Cache, error) {
	switch app.cfg.Cache.Backend {
	case "redis":
		app.logger.Info("using redis series-key cache")
		c, err := cacheredis.New(app.cfg.Cache.Addr, app.cfg.Cache.Prefix)
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		app.redis = c
		return c, nil
	default:
		return cachememory.New(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (refresher.Publisher, error) {
	switch app.cfg.PubSub.Backend {
	case "pubsub":
		app.logger.Info(
			"publishing refresh events to pubsub",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.Topic),
		)
		p, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsub = p
		return p, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}
