package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"schemapilot/internal/bootstrap/config"
	"schemapilot/internal/bootstrap/database"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/bootstrap/tracing"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	cacheinfra "schemapilot/internal/infrastructure/cache"
	sqliterepo "schemapilot/internal/infrastructure/persistence/sqlite/repository"
	sqliteuow "schemapilot/internal/infrastructure/persistence/sqlite/uow"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/approval"
	"schemapilot/internal/usecase/deployment"
	"schemapilot/internal/usecase/feedback"
	"schemapilot/internal/usecase/impact"
	"schemapilot/internal/usecase/pipeline"
	"schemapilot/internal/usecase/replay"
	"schemapilot/internal/usecase/sandbox"
)

var errUnsupportedDriver = errors.New("unsupported driver")

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideRegistry),
	fx.Provide(provideMetrics),
	fx.Provide(
		fx.Annotate(
			sqliterepo.NewPipelineRepository,
			fx.As(new(ports.PipelineRepository)),
		),
	),
	fx.Provide(
		fx.Annotate(
			sqliteuow.NewUnitOfWork,
			fx.As(new(ports.UnitOfWork)),
		),
	),
	fx.Provide(provideCache),
	fx.Provide(provideCollaborators),
	fx.Provide(provideProfile),
	fx.Provide(provideService),
	fx.Provide(provideApp),
	fx.Invoke(registerTracing),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.fx"))
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *observability.Metrics {
	return observability.NewMetrics(reg)
}

func provideCache(lc fx.Lifecycle, ctx context.Context, cfg config.Config, db *gorm.DB) (ports.Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Driver)) {
	case "", "sqlite":
		return cacheinfra.NewSQLiteCache(db), nil
	case "redis":
		client, err := cacheinfra.NewRedisClient(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return nil, errs.Wrap(err, "connect redis")
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		return cacheinfra.NewRedisCache(client, cfg.Cache.KeyPrefix), nil
	default:
		return nil, errs.Wrapf(errUnsupportedDriver, "cache.driver %q", cfg.Cache.Driver)
	}
}

func provideProfile(cfg config.Config) (impact.Profile, error) {
	profile, err := impact.LoadProfile(cfg.Pipeline.RiskProfile)
	if err != nil {
		return impact.Profile{}, errs.Wrap(err, "load risk profile")
	}
	return profile, nil
}

type serviceParams struct {
	fx.In

	Config        config.Config
	Repo          ports.PipelineRepository
	UoW           ports.UnitOfWork
	Collaborators Collaborators
	Profile       impact.Profile
	Metrics       *observability.Metrics
}

func provideService(p serviceParams) (*pipeline.Service, error) {
	cfg := p.Config
	c := p.Collaborators

	router, err := approval.NewRouter(p.Profile.Policies())
	if err != nil {
		return nil, errs.Wrap(err, "create approval router")
	}

	var sandboxes *sandbox.Manager
	if c.Provisioner != nil {
		sandboxes = sandbox.NewManager(c.Provisioner, sandbox.Config{
			PoolSize:       cfg.Sandbox.PoolSize,
			AcquireTimeout: cfg.Sandbox.AcquireTimeout,
			MaxAttempts:    cfg.Sandbox.MaxAttempts,
			InitialBackoff: cfg.Sandbox.InitialBackoff,
			MaxBackoff:     cfg.Sandbox.MaxBackoff,
		}, p.Metrics)
	}

	var replayer *replay.Engine
	if c.Executor != nil {
		replayer = replay.NewEngine(c.Executor, replay.Config{
			Concurrency:  cfg.Replay.Concurrency,
			Timeout:      cfg.Replay.Timeout,
			QueryTimeout: cfg.Replay.QueryTimeout,
			QPS:          cfg.Replay.QPS,
		}, p.Metrics)
	}

	var trafficRouter ports.TrafficRouter
	if c.Router != nil {
		trafficRouter = c.Router
	}
	deployer := deployment.NewOrchestrator(p.Repo, c.Health, c.Compiler, trafficRouter, c.Migration, deployment.Config{
		Stages:         cfg.Deployment.Stages,
		Dwell:          cfg.Deployment.Dwell,
		SampleInterval: cfg.Deployment.SampleInterval,
		BaselineWindow: cfg.Deployment.BaselineWindow,
		Tolerance: domain.Tolerance{
			ErrorRate: cfg.Deployment.ErrorRateTolerance,
			Latency:   cfg.Deployment.LatencyTolerance,
		},
	}, p.Metrics)

	collector := feedback.NewCollector(c.Health, feedback.Config{
		Delay:                cfg.Feedback.Delay,
		MinRecords:           cfg.Feedback.MinRecords,
		MissedIssueErrorRate: cfg.Feedback.MissedIssueErrorRate,
		AccuracyTolerance:    cfg.Feedback.AccuracyTolerance,
	})

	return pipeline.NewService(pipeline.Config{
		MaxConcurrentSimulations: cfg.Pipeline.MaxConcurrentSimulations,
		ApprovalTimeout:          cfg.Pipeline.ApprovalTimeout,
		SnapshotRef:              cfg.Sandbox.SnapshotRef,
		TopN:                     cfg.Replay.TopN,
		RandomN:                  cfg.Replay.RandomN,
		Seed:                     cfg.Replay.Seed,
		NotificationBatch:        cfg.Pipeline.NotificationBatch,
		LeaseTTL:                 cfg.Pipeline.LeaseTTL,
		NotifyInitialBackoff:     cfg.Notify.RetryInitialBackoff,
		NotifyMaxBackoff:         cfg.Notify.RetryMaxBackoff,
		SeedWeights:              p.Profile.Weights,
	}, pipeline.Deps{
		Repo:      p.Repo,
		UoW:       p.UoW,
		Traffic:   c.Traffic,
		Sandboxes: sandboxes,
		Replayer:  replayer,
		Analyzer:  impact.NewAnalyzer(p.Profile, p.Metrics),
		Router:    router,
		Deployer:  deployer,
		Collector: collector,
		Notifier:  c.Notifier,
		Metrics:   p.Metrics,
	}), nil
}

func registerTracing(lc fx.Lifecycle, ctx context.Context, cfg config.Config) error {
	shutdown, err := tracing.Setup(ctx, cfg.Tracing, cfg.App.Name, os.Stderr)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: shutdown,
	})
	return nil
}

func provideApp(cfg config.Config, db *gorm.DB, reg *prometheus.Registry, collaborators Collaborators) *App {
	return &App{
		Config:        cfg,
		DB:            db,
		Registry:      reg,
		Collaborators: collaborators,
	}
}
