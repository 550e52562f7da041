package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemapilot/internal/domain/pipeline"
)

const proposalYAML = `target_version: v1
kind: add-index
payload:
  entity: Person
  field: email
  statements:
    - CREATE INDEX person_email IF NOT EXISTS FOR (p:Person) ON (p.email)
provenance:
  produced_by: usage-analyzer
  produced_via: heuristic
`

type recordingSubmitter struct {
	mu     sync.Mutex
	inputs []pipeline.ProposalInput
}

func (s *recordingSubmitter) Submit(_ context.Context, input pipeline.ProposalInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	input.Normalize()
	if err := input.Validate(); err != nil {
		return "", err
	}
	s.inputs = append(s.inputs, input)
	return "p-" + string(rune('0'+len(s.inputs))), nil
}

func TestDecodeDocument(t *testing.T) {
	in, err := DecodeDocument("a.yaml", []byte(proposalYAML))
	require.NoError(t, err)
	assert.Equal(t, pipeline.KindAddIndex, in.Kind)
	assert.Equal(t, "usage-analyzer", in.Provenance.ProducedBy)

	_, err = DecodeDocument("a.yaml", []byte("target_version: v1\nkindd: add-index\n"))
	assert.ErrorIs(t, err, pipeline.ErrInvalidProposal)

	in, err = DecodeDocument("a.json", []byte(`{"target_version":"v2","kind":"add-index","payload":{"statements":["X"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "v2", in.TargetVersion)

	_, err = DecodeDocument("a.json", []byte(`{"target":"v2"}`))
	assert.ErrorIs(t, err, pipeline.ErrInvalidProposal)
}

func TestScanArchivesDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, processedDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, failedDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(proposalYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("target_version: v1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	sub := &recordingSubmitter{}
	results, err := NewWatcher(dir, sub, 0, nil).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "bad.yml", results[0].File)
	assert.True(t, errors.Is(results[0].Err, pipeline.ErrInvalidProposal))
	assert.FileExists(t, filepath.Join(dir, failedDir, "bad.yml"))
	assert.FileExists(t, filepath.Join(dir, failedDir, "bad.yml.error"))

	assert.Equal(t, "good.yaml", results[1].File)
	require.NoError(t, results[1].Err)
	assert.FileExists(t, filepath.Join(dir, processedDir, "good.p-1.yaml"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.Len(t, sub.inputs, 1)
}

func TestRunSubmitsNewFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan Result, 1)
	w := NewWatcher(dir, &recordingSubmitter{}, 20*time.Millisecond, func(r Result) { got <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, processedDir))
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.yaml"), []byte(proposalYAML), 0o644))

	select {
	case r := <-got:
		assert.Equal(t, "new.yaml", r.File)
		assert.NoError(t, r.Err)
		assert.Equal(t, "p-1", r.ProposalID)
	case <-time.After(3 * time.Second):
		t.Fatal("inbox document was not submitted")
	}
}
