package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
)

type fakeProvisioner struct {
	mu             sync.Mutex
	seq            int
	failFirst      int
	torndown       []string
	applied        [][]string
	teardownCtxErr error
}

func (f *fakeProvisioner) Provision(ctx context.Context, snapshotRef string) (ports.SandboxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return ports.SandboxHandle{}, errors.New("neo4j unavailable")
	}
	f.seq++
	return ports.SandboxHandle{ID: fmt.Sprintf("sb-%d", f.seq), SnapshotRef: snapshotRef, CreatedAt: time.Now()}, nil
}

func (f *fakeProvisioner) Apply(_ context.Context, _ ports.SandboxHandle, statements []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, statements)
	return nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, handle ports.SandboxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownCtxErr = ctx.Err()
	f.torndown = append(f.torndown, handle.ID)
	return nil
}

func testConfig() Config {
	return Config{
		PoolSize:       1,
		AcquireTimeout: 20 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestAcquireAndRelease(t *testing.T) {
	prov := &fakeProvisioner{}
	m := NewManager(prov, testConfig(), nil)
	ctx := context.Background()

	handle, err := m.Acquire(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", handle.SnapshotRef)
	assert.Equal(t, 1, m.InUse())

	require.NoError(t, m.Apply(ctx, handle, pipeline.Proposal{ID: "p-1", Payload: pipeline.Payload{Statements: []string{"CREATE INDEX"}}}))
	require.NoError(t, m.Release(ctx, handle))
	require.NoError(t, m.Release(ctx, handle))

	assert.Equal(t, 0, m.InUse())
	assert.Equal(t, []string{handle.ID}, prov.torndown)
	assert.Equal(t, [][]string{{"CREATE INDEX"}}, prov.applied)
}

func TestAcquireExhaustedPoolReturnsProvisionError(t *testing.T) {
	prov := &fakeProvisioner{}
	m := NewManager(prov, testConfig(), nil)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "snap")
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, held) }()

	_, err = m.Acquire(ctx, "snap")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrSandboxProvision)
	assert.ErrorIs(t, err, errPoolExhausted)
	assert.Contains(t, err.Error(), "2 attempts")
}

func TestAcquireRetriesTransientProvisionFailure(t *testing.T) {
	prov := &fakeProvisioner{failFirst: 1}
	m := NewManager(prov, testConfig(), nil)

	handle, err := m.Acquire(context.Background(), "snap")
	require.NoError(t, err)
	assert.Equal(t, "sb-1", handle.ID)
	assert.Equal(t, 1, m.InUse())
}

func TestReleaseTearsDownAfterCancel(t *testing.T) {
	prov := &fakeProvisioner{}
	m := NewManager(prov, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := m.Acquire(ctx, "snap")
	require.NoError(t, err)
	cancel()

	require.NoError(t, m.Release(ctx, handle))
	assert.NoError(t, prov.teardownCtxErr)
	assert.Equal(t, 0, m.InUse())
}

func TestApplyRejectsUnknownHandle(t *testing.T) {
	m := NewManager(&fakeProvisioner{}, testConfig(), nil)
	err := m.Apply(context.Background(), ports.SandboxHandle{ID: "nope"}, pipeline.Proposal{})
	assert.Error(t, err)
}
