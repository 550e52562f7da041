package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/bootstrap/tracing"
	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
)

// Side names the sandbox variant a replay ran against.
type Side string

const (
	SideBaseline Side = "baseline"
	SideProposed Side = "proposed"
)

type Config struct {
	Concurrency  int
	Timeout      time.Duration
	QueryTimeout time.Duration
	// QPS caps query starts per second. Zero disables the limiter.
	QPS float64
}

// QueryResult is the outcome of one replayed query.
type QueryResult struct {
	PatternHash    string
	Query          string
	Weight         int
	OK             bool
	Error          string
	ShapeSignature string
	Latency        time.Duration
}

// Result holds one entry per sample query, in sample order.
type Result struct {
	Side     Side
	Results  []QueryResult
	Duration time.Duration
}

func (r Result) Failed() int {
	n := 0
	for _, q := range r.Results {
		if !q.OK {
			n++
		}
	}
	return n
}

type Engine struct {
	executor ports.QueryExecutor
	cfg      Config
	metrics  *observability.Metrics
}

func NewEngine(executor ports.QueryExecutor, cfg Config, metrics *observability.Metrics) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Engine{executor: executor, cfg: cfg, metrics: metrics}
}

// Replay executes every query of sample against the sandbox. Individual query
// failures are recorded on their result; only the overall timeout fails the
// batch, with an error wrapping pipeline.ErrReplayTimeout.
func (e *Engine) Replay(ctx context.Context, handle ports.SandboxHandle, sample []ports.RecordedQuery, side Side) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errs.Wrap(err, "check context")
	}
	if e.executor == nil {
		return Result{}, errors.New("query executor is required")
	}

	ctx, span := tracing.Start(ctx, "replay.run",
		attribute.String("side", string(side)),
		attribute.String("sandbox_id", handle.ID),
		attribute.Int("queries", len(sample)),
	)
	defer span.End()
	logCtx := logging.WithAttrs(logging.WithSpan(ctx),
		slog.String("component", "usecase.replay"),
		slog.String("side", string(side)),
		slog.String("sandbox_id", handle.ID),
	)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var limiter *rate.Limiter
	if e.cfg.QPS > 0 {
		burst := int(e.cfg.QPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(e.cfg.QPS), burst)
	}

	started := time.Now()
	results := make([]QueryResult, len(sample))
	for i, q := range sample {
		results[i] = QueryResult{
			PatternHash: pipeline.PatternHash(q.Query),
			Query:       q.Query,
			Weight:      weightOf(q),
			Error:       "not executed",
		}
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for i := range sample {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := e.runOne(runCtx, limiter, handle, sample[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[i].Error = err.Error()
				e.metrics.ObserveReplay(string(side), false)
				return nil
			}
			results[i].OK = true
			results[i].Error = ""
			results[i].ShapeSignature = outcome.ShapeSignature
			results[i].Latency = outcome.Latency
			e.metrics.ObserveReplay(string(side), true)
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Side: side, Results: results, Duration: time.Since(started)}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logging.Warn(logCtx, "replay timed out", slog.Duration("timeout", e.cfg.Timeout))
		return result, fmt.Errorf("%w: %s replay exceeded %s", pipeline.ErrReplayTimeout, side, e.cfg.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return result, errs.Wrap(err, "replay")
	}

	logging.Info(logCtx, "replay finished",
		slog.Int("queries", len(results)),
		slog.Int("failed", result.Failed()),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *Engine) runOne(ctx context.Context, limiter *rate.Limiter, handle ports.SandboxHandle, q ports.RecordedQuery) (ports.QueryOutcome, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return ports.QueryOutcome{}, errs.Wrap(err, "wait replay rate limit")
		}
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	started := time.Now()
	outcome, err := e.executor.Execute(qctx, handle, q)
	if err != nil {
		return ports.QueryOutcome{}, err
	}
	if outcome.Latency <= 0 {
		outcome.Latency = time.Since(started)
	}
	return outcome, nil
}

// ReplayWithRetry repeats a replay once when the first attempt hits the
// overall timeout. A second timeout is returned to the caller.
func (e *Engine) ReplayWithRetry(ctx context.Context, handle ports.SandboxHandle, sample []ports.RecordedQuery, side Side) (Result, error) {
	result, err := e.Replay(ctx, handle, sample, side)
	if err == nil || !errors.Is(err, pipeline.ErrReplayTimeout) {
		return result, err
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.replay"), slog.String("side", string(side)))
	logging.Warn(logCtx, "retrying replay after timeout", slog.Any("err", errs.Loggable(err)))
	return e.Replay(ctx, handle, sample, side)
}

func weightOf(q ports.RecordedQuery) int {
	if q.Count > 0 {
		return q.Count
	}
	return 1
}
