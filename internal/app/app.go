// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. NewApp is the single place where
// configuration is turned into wired components; everything downstream
// receives interfaces.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/api"
	"github.com/stepbatch/stepbatch/internal/clock/system"
	"github.com/stepbatch/stepbatch/internal/config"
	"github.com/stepbatch/stepbatch/internal/dispatcher"
	"github.com/stepbatch/stepbatch/internal/executor"
	"github.com/stepbatch/stepbatch/internal/hash/sha256"
	"github.com/stepbatch/stepbatch/internal/metrics"
	"github.com/stepbatch/stepbatch/internal/policy/ratelimit"
	"github.com/stepbatch/stepbatch/internal/policy/static"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/progress/sinks"
	"github.com/stepbatch/stepbatch/internal/publisher"
	pubmemory "github.com/stepbatch/stepbatch/internal/publisher/memory"
	pubgcp "github.com/stepbatch/stepbatch/internal/publisher/pubsub"
	"github.com/stepbatch/stepbatch/internal/remote"
	"github.com/stepbatch/stepbatch/internal/storage"
	"github.com/stepbatch/stepbatch/internal/storage/gcs"
	"github.com/stepbatch/stepbatch/internal/storage/local"
	"github.com/stepbatch/stepbatch/internal/storage/memory"
	"github.com/stepbatch/stepbatch/internal/storage/postgres"
	redisstore "github.com/stepbatch/stepbatch/internal/storage/redis"
	"github.com/stepbatch/stepbatch/internal/store"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and torn down with Close.
type App struct {
	logger   *zap.Logger
	cfg      config.Config
	server   *api.Server
	hub      *progress.Hub
	sessions store.SessionStore
	progress store.ProgressStore

	closers []func(context.Context) error
}

// NewApp wires every service from the configuration. It fails fast: any
// provider named in the config that cannot be initialized aborts startup.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	metrics.Init()

	a := &App{logger: logger, cfg: cfg}

	progressStore := a.buildProgressStore()
	a.progress = progressStore

	sessions, err := a.buildSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	a.sessions = sessions

	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}

	events, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("register progress collectors: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("hub")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	a.hub = hub
	a.closers = append(a.closers, func(ctx context.Context) error {
		return hub.Close(ctx)
	})

	limiter := ratelimit.New(cfg.Remote.RateLimit)
	limiter.OnDelay(metrics.ObserveRateLimitDelay)

	caller, err := remote.NewHTTPCaller(remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("init executor client: %w", err)
	}

	pol := static.New(cfg.Policy)
	exec := executor.NewRemote(caller, pol, logger.Named("executor"))
	runner := dispatcher.New(exec, pol, progressStore, hub, system.New(), logger.Named("dispatcher"))

	a.server = api.NewServer(api.Deps{
		Logger:    logger.Named("api"),
		Sessions:  sessions,
		Runner:    runner,
		Executor:  exec,
		Hub:       hub,
		Progress:  progressStore,
		Archive:   archive,
		Hasher:    sha256.New(),
		Publisher: events,
		Cfg:       cfg,
	})

	logger.Info("application services initialized",
		zap.String("session_provider", cfg.Session.Provider),
		zap.String("archive_provider", cfg.Archive.Provider),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

// Server exposes the wired HTTP layer.
func (a *App) Server() *api.Server {
	return a.server
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close releases every service in reverse initialization order. It keeps
// going past individual failures and returns the first error seen.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildProgressStore layers the distributed store over the in-process
// fallback. Without a Redis address the fallback serves alone, which is the
// single-replica development setup.
func (a *App) buildProgressStore() store.ProgressStore {
	fallback := memory.NewProgressStore(a.cfg.ProgressTTL())
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("redis not configured, using in-process progress store")
		return storage.NewFailoverProgressStore(nil, fallback, a.logger.Named("progress-store"))
	}
	primary := redisstore.New(redisstore.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		TTL:      a.cfg.ProgressTTL(),
	})
	a.closers = append(a.closers, func(context.Context) error {
		return primary.Close()
	})
	return storage.NewFailoverProgressStore(primary, fallback, a.logger.Named("progress-store"))
}

func (a *App) buildSessionStore(ctx context.Context) (store.SessionStore, error) {
	switch a.cfg.Session.Provider {
	case "postgres":
		ss, err := postgres.NewSessionStore(ctx, postgres.SessionStoreConfig{
			DSN:      a.cfg.DB.DSN,
			Expiry:   a.cfg.SessionExpiry(),
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres session store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			ss.Close()
			return nil
		})
		return ss, nil
	case "memory", "":
		return memory.NewSessionStore(a.cfg.SessionExpiry()), nil
	default:
		return nil, fmt.Errorf("unknown session provider %q", a.cfg.Session.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (store.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			return client.Close()
		})
		bs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return bs, nil
	case "local":
		bs, err := local.New(a.cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return bs, nil
	case "memory", "":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (publisher.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return pubmemory.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubgcp.New(client.Topic(a.cfg.PubSub.TopicName))
	a.closers = append(a.closers, func(context.Context) error {
		pub.Stop()
		return client.Close()
	})
	return pub, nil
}
