package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Compiler   CompilerConfig   `mapstructure:"compiler"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CacheConfig struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type PipelineConfig struct {
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentSimulations int           `mapstructure:"max_concurrent_simulations"`
	ApprovalTimeout          time.Duration `mapstructure:"approval_timeout"`
	RiskProfile              string        `mapstructure:"risk_profile"`
	NotificationBatch        int           `mapstructure:"notification_batch"`
	// LeaseTTL is how long the runner lease survives without a heartbeat.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type SandboxConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	SnapshotRef    string        `mapstructure:"snapshot_ref"`
	SampleSize     int           `mapstructure:"sample_size"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
}

type ReplayConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	QPS          float64       `mapstructure:"qps"`
	TopN         int           `mapstructure:"top_n"`
	RandomN      int           `mapstructure:"random_n"`
	Seed         uint64        `mapstructure:"seed"`
}

type DeploymentConfig struct {
	Stages             []int         `mapstructure:"stages"`
	Dwell              time.Duration `mapstructure:"dwell"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	BaselineWindow     time.Duration `mapstructure:"baseline_window"`
	ErrorRateTolerance float64       `mapstructure:"error_rate_tolerance"`
	LatencyTolerance   float64       `mapstructure:"latency_tolerance"`
}

type FeedbackConfig struct {
	Delay                time.Duration `mapstructure:"delay"`
	MinRecords           int           `mapstructure:"min_records"`
	MissedIssueErrorRate float64       `mapstructure:"missed_issue_error_rate"`
	AccuracyTolerance    float64       `mapstructure:"accuracy_tolerance"`
}

type Neo4jConfig struct {
	URI         string        `mapstructure:"uri"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	MaxPoolSize int           `mapstructure:"max_pool_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	TrafficDir   string `mapstructure:"traffic_dir"`
	HealthDriver string `mapstructure:"health_driver"`
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	Measurement  string `mapstructure:"measurement"`
}

type CompilerConfig struct {
	Program string        `mapstructure:"program"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
	WorkDir string        `mapstructure:"work_dir"`
}

type NotifyConfig struct {
	Driver        string `mapstructure:"driver"`
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Stream        string `mapstructure:"stream"`

	// Failed deliveries are retried with exponential backoff between these bounds.
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.config"))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errs.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
			// Keep default and env-backed config when no file is present.
			logging.Warn(logCtx, "config file not found, fallback to defaults and env", slog.String("path", configFile))
		default:
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("cache_driver", cfg.Cache.Driver),
		slog.String("notify_driver", cfg.Notify.Driver),
	)

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	if c.Sandbox.PoolSize <= 0 {
		return errors.New("sandbox.pool_size must be positive")
	}
	if c.Replay.Concurrency <= 0 {
		return errors.New("replay.concurrency must be positive")
	}
	if len(c.Deployment.Stages) == 0 {
		return errors.New("deployment.stages is required")
	}
	prev := 0
	for _, stage := range c.Deployment.Stages {
		if stage <= prev || stage > 100 {
			return fmt.Errorf("deployment.stages must be strictly increasing within (0,100]: %v", c.Deployment.Stages)
		}
		prev = stage
	}
	if prev != 100 {
		return fmt.Errorf("deployment.stages must end at 100: %v", c.Deployment.Stages)
	}
	if c.Deployment.SampleInterval <= 0 || c.Deployment.Dwell < c.Deployment.SampleInterval {
		return errors.New("deployment.dwell must be at least one deployment.sample_interval")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "schemapilot")
	v.SetDefault("app.env", "local")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".schemapilot/state/pipeline.sqlite")

	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "schemapilot:")

	v.SetDefault("pipeline.poll_interval", 5*time.Second)
	v.SetDefault("pipeline.max_concurrent_simulations", 4)
	v.SetDefault("pipeline.approval_timeout", 48*time.Hour)
	v.SetDefault("pipeline.risk_profile", "")
	v.SetDefault("pipeline.notification_batch", 50)
	v.SetDefault("pipeline.lease_ttl", 30*time.Second)

	v.SetDefault("sandbox.pool_size", 2)
	v.SetDefault("sandbox.acquire_timeout", 60*time.Second)
	v.SetDefault("sandbox.max_attempts", 3)
	v.SetDefault("sandbox.initial_backoff", 2*time.Second)
	v.SetDefault("sandbox.max_backoff", 30*time.Second)
	v.SetDefault("sandbox.snapshot_ref", "")
	v.SetDefault("sandbox.sample_size", 1000)
	v.SetDefault("sandbox.ready_timeout", 60*time.Second)

	v.SetDefault("replay.concurrency", 8)
	v.SetDefault("replay.timeout", 5*time.Minute)
	v.SetDefault("replay.query_timeout", 10*time.Second)
	v.SetDefault("replay.qps", 0)
	v.SetDefault("replay.top_n", 50)
	v.SetDefault("replay.random_n", 200)
	v.SetDefault("replay.seed", 1)

	v.SetDefault("deployment.stages", []int{5, 25, 50, 100})
	v.SetDefault("deployment.dwell", 5*time.Minute)
	v.SetDefault("deployment.sample_interval", 30*time.Second)
	v.SetDefault("deployment.baseline_window", 15*time.Minute)
	v.SetDefault("deployment.error_rate_tolerance", 0.01)
	v.SetDefault("deployment.latency_tolerance", 0.20)

	v.SetDefault("feedback.delay", 7*24*time.Hour)
	v.SetDefault("feedback.min_records", 10)
	v.SetDefault("feedback.missed_issue_error_rate", 0.05)
	v.SetDefault("feedback.accuracy_tolerance", 0.10)

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.timeout", 10*time.Second)

	v.SetDefault("telemetry.traffic_dir", ".schemapilot/traffic")
	v.SetDefault("telemetry.health_driver", "influx")
	v.SetDefault("telemetry.influx_url", "http://localhost:8086")
	v.SetDefault("telemetry.influx_org", "schemapilot")
	v.SetDefault("telemetry.influx_bucket", "schema_health")
	v.SetDefault("telemetry.measurement", "schema_health")

	v.SetDefault("compiler.program", "")
	v.SetDefault("compiler.timeout", 10*time.Minute)
	v.SetDefault("compiler.work_dir", ".")

	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.subject_prefix", "schemapilot")
	v.SetDefault("notify.stream", "SCHEMAPILOT")
	v.SetDefault("notify.retry_initial_backoff", 5*time.Second)
	v.SetDefault("notify.retry_max_backoff", 10*time.Minute)

	v.SetDefault("http.addr", ":8090")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}
