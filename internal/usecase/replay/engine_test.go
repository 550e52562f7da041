package replay

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
)

type fakeExecutor struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	delay       time.Duration
	// slowUntilCall delays the first calls past the overall timeout.
	slowUntilCall int32
}

func (f *fakeExecutor) Execute(ctx context.Context, _ ports.SandboxHandle, q ports.RecordedQuery) (ports.QueryOutcome, error) {
	call := f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	delay := f.delay
	if call <= f.slowUntilCall {
		delay = time.Second
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ports.QueryOutcome{}, ctx.Err()
	}

	if strings.Contains(q.Query, "FAIL") {
		return ports.QueryOutcome{}, errors.New("syntax error")
	}
	return ports.QueryOutcome{ShapeSignature: "n:node", Rows: 1, Latency: 5 * time.Millisecond}, nil
}

func sampleQueries(n int) []ports.RecordedQuery {
	out := make([]ports.RecordedQuery, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ports.RecordedQuery{Query: "MATCH (n:Person {id: 1}) RETURN n"})
	}
	return out
}

func TestReplayRecordsPerQueryFailures(t *testing.T) {
	exec := &fakeExecutor{delay: time.Millisecond}
	engine := NewEngine(exec, Config{Concurrency: 2, Timeout: time.Second, QueryTimeout: 100 * time.Millisecond}, nil)

	sample := []ports.RecordedQuery{
		{Query: "MATCH (n) RETURN n", Count: 3},
		{Query: "FAIL ME"},
	}
	result, err := engine.Replay(context.Background(), ports.SandboxHandle{ID: "sb"}, sample, SideBaseline)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.True(t, result.Results[0].OK)
	assert.Equal(t, 3, result.Results[0].Weight)
	assert.Equal(t, "n:node", result.Results[0].ShapeSignature)
	assert.Equal(t, 5*time.Millisecond, result.Results[0].Latency)
	assert.False(t, result.Results[1].OK)
	assert.Contains(t, result.Results[1].Error, "syntax error")
	assert.Equal(t, 1, result.Failed())
}

func TestReplayRespectsConcurrencyLimit(t *testing.T) {
	exec := &fakeExecutor{delay: 5 * time.Millisecond}
	engine := NewEngine(exec, Config{Concurrency: 3, Timeout: 5 * time.Second, QueryTimeout: time.Second}, nil)

	_, err := engine.Replay(context.Background(), ports.SandboxHandle{ID: "sb"}, sampleQueries(20), SideProposed)
	require.NoError(t, err)
	assert.LessOrEqual(t, exec.maxInFlight.Load(), int32(3))
	assert.Equal(t, int32(20), exec.calls.Load())
}

func TestReplayTimeoutWrapsTaxonomyError(t *testing.T) {
	exec := &fakeExecutor{slowUntilCall: 100}
	engine := NewEngine(exec, Config{Concurrency: 2, Timeout: 30 * time.Millisecond, QueryTimeout: time.Second}, nil)

	_, err := engine.Replay(context.Background(), ports.SandboxHandle{ID: "sb"}, sampleQueries(4), SideBaseline)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrReplayTimeout)
}

func TestReplayWithRetryRecoversAfterOneTimeout(t *testing.T) {
	exec := &fakeExecutor{delay: time.Millisecond, slowUntilCall: 1}
	engine := NewEngine(exec, Config{Concurrency: 1, Timeout: 50 * time.Millisecond, QueryTimeout: time.Second}, nil)

	result, err := engine.ReplayWithRetry(context.Background(), ports.SandboxHandle{ID: "sb"}, sampleQueries(1), SideBaseline)
	require.NoError(t, err)
	assert.True(t, result.Results[0].OK)
}

func TestReplayWithRetrySurfacesSecondTimeout(t *testing.T) {
	exec := &fakeExecutor{slowUntilCall: 100}
	engine := NewEngine(exec, Config{Concurrency: 1, Timeout: 20 * time.Millisecond, QueryTimeout: time.Second}, nil)

	_, err := engine.ReplayWithRetry(context.Background(), ports.SandboxHandle{ID: "sb"}, sampleQueries(1), SideBaseline)
	assert.ErrorIs(t, err, pipeline.ErrReplayTimeout)
	assert.Equal(t, int32(2), exec.calls.Load())
}

func TestReplayRateLimited(t *testing.T) {
	exec := &fakeExecutor{}
	engine := NewEngine(exec, Config{Concurrency: 4, Timeout: 5 * time.Second, QueryTimeout: time.Second, QPS: 50}, nil)

	started := time.Now()
	_, err := engine.Replay(context.Background(), ports.SandboxHandle{ID: "sb"}, sampleQueries(60), SideBaseline)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)
}
