package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"go.uber.org/fx"

	"schemapilot/internal/bootstrap/config"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	cacheinfra "schemapilot/internal/infrastructure/cache"
	"schemapilot/internal/infrastructure/compiler"
	"schemapilot/internal/infrastructure/graph"
	"schemapilot/internal/infrastructure/notify"
	"schemapilot/internal/infrastructure/telemetry"
	"schemapilot/internal/ports"
)

// Collaborators are the adapters to systems outside the pipeline store.
// A field is nil when its system is not configured or not reachable.
type Collaborators struct {
	Provisioner ports.SandboxProvisioner
	Executor    ports.QueryExecutor
	Migration   ports.MigrationRunner
	Traffic     ports.TrafficSource
	Health      ports.HealthSource
	Compiler    ports.SchemaCompiler
	Router      *cacheinfra.TrafficRouter
	Notifier    ports.Notifier
}

// Missing names the collaborators the pipeline loop cannot run without.
func (c Collaborators) Missing() []string {
	var missing []string
	if c.Provisioner == nil {
		missing = append(missing, "sandbox provisioner (neo4j.uri)")
	}
	if c.Executor == nil {
		missing = append(missing, "query executor (neo4j.uri)")
	}
	if c.Traffic == nil {
		missing = append(missing, "traffic source (telemetry.traffic_dir)")
	}
	if c.Health == nil {
		missing = append(missing, "health source (telemetry.health_driver)")
	}
	if c.Compiler == nil {
		missing = append(missing, "schema compiler (compiler.program)")
	}
	if c.Router == nil {
		missing = append(missing, "traffic router (cache.driver)")
	}
	if c.Notifier == nil {
		missing = append(missing, "notifier (notify.driver)")
	}
	return missing
}

type collaboratorParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Ctx       context.Context
	Config    config.Config
	Cache     ports.Cache
}

func provideCollaborators(p collaboratorParams) (Collaborators, error) {
	logCtx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.collaborators"))
	cfg := p.Config
	var out Collaborators

	if strings.TrimSpace(cfg.Neo4j.URI) != "" {
		client, err := graph.NewClient(p.Ctx, graph.Options{
			URI:         cfg.Neo4j.URI,
			User:        cfg.Neo4j.User,
			Password:    cfg.Neo4j.Password,
			Database:    cfg.Neo4j.Database,
			MaxPoolSize: cfg.Neo4j.MaxPoolSize,
			Timeout:     cfg.Neo4j.Timeout,
		})
		if err != nil {
			// Read-only commands still work without the graph.
			logging.Warn(logCtx, "neo4j unavailable, sandbox collaborators disabled", slog.Any("err", errs.Loggable(err)))
		} else {
			p.Lifecycle.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return client.Close(ctx)
				},
			})
			out.Provisioner = graph.NewSandboxProvisioner(client, cfg.Sandbox.ReadyTimeout)
			out.Executor = graph.NewQueryExecutor(client)
			out.Migration = graph.NewMigrationRunner(client)
		}
	}

	if strings.TrimSpace(cfg.Telemetry.TrafficDir) != "" {
		out.Traffic = telemetry.NewJSONLTrafficSource(cfg.Telemetry.TrafficDir, cfg.Sandbox.SampleSize)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.HealthDriver)) {
	case "influx":
		health, err := telemetry.NewInfluxHealthSource(telemetry.InfluxOptions{
			URL:         cfg.Telemetry.InfluxURL,
			Token:       cfg.Telemetry.InfluxToken,
			Org:         cfg.Telemetry.InfluxOrg,
			Bucket:      cfg.Telemetry.InfluxBucket,
			Measurement: cfg.Telemetry.Measurement,
		})
		if err != nil {
			return Collaborators{}, errs.Wrap(err, "create influx health source")
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				health.Close()
				return nil
			},
		})
		out.Health = health
	case "", "none":
	default:
		return Collaborators{}, errs.Wrapf(errUnsupportedDriver, "telemetry.health_driver %q", cfg.Telemetry.HealthDriver)
	}

	if strings.TrimSpace(cfg.Compiler.Program) != "" {
		execCompiler, err := compiler.NewExecCompiler(compiler.Options{
			Program: cfg.Compiler.Program,
			Args:    cfg.Compiler.Args,
			Timeout: cfg.Compiler.Timeout,
			WorkDir: cfg.Compiler.WorkDir,
		})
		if err != nil {
			return Collaborators{}, errs.Wrap(err, "create schema compiler")
		}
		out.Compiler = execCompiler
	}

	out.Router = cacheinfra.NewTrafficRouter(p.Cache)

	switch strings.ToLower(strings.TrimSpace(cfg.Notify.Driver)) {
	case "nats":
		nats, err := notify.NewNatsNotifier(p.Ctx, notify.NatsOptions{
			URL:           cfg.Notify.NatsURL,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
			Stream:        cfg.Notify.Stream,
		})
		if err != nil {
			logging.Warn(logCtx, "nats unavailable, notifications stay queued", slog.Any("err", errs.Loggable(err)))
			break
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				nats.Close()
				return nil
			},
		})
		out.Notifier = nats
	case "", "log":
		out.Notifier = notify.LogNotifier{}
	default:
		return Collaborators{}, errs.Wrapf(errUnsupportedDriver, "notify.driver %q", cfg.Notify.Driver)
	}

	logging.Info(logCtx, "collaborators ready", slog.Any("missing", out.Missing()))
	return out, nil
}
