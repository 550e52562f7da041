package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestSampleReadsSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, filepath.Join(dir, "v1.jsonl"),
		`{"query":"MATCH (p:Person) RETURN p","latency_ms":3.5,"count":12}`,
		``,
		`not json`,
		`{"query":"MATCH (c:Company {id: $id}) RETURN c","params":{"id":7}}`,
	)

	sample, err := NewJSONLTrafficSource(dir, 0).Sample(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, 12, sample[0].Count)
	assert.Equal(t, 1, sample[1].Count)
	assert.Equal(t, float64(7), sample[1].Params["id"])
}

func TestSampleReadsDirectoryInNameOrderAndKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, filepath.Join(dir, "v2", "b.jsonl"), `{"query":"Q3"}`)
	writeLog(t, filepath.Join(dir, "v2", "a.jsonl"), `{"query":"Q1"}`, `{"query":"Q2"}`)

	sample, err := NewJSONLTrafficSource(dir, 2).Sample(context.Background(), "v2")
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, "Q2", sample[0].Query)
	assert.Equal(t, "Q3", sample[1].Query)
}

func TestSampleRejectsMissingAndUnsafeVersions(t *testing.T) {
	src := NewJSONLTrafficSource(t.TempDir(), 0)
	_, err := src.Sample(context.Background(), "v9")
	assert.Error(t, err)
	_, err = src.Sample(context.Background(), "../etc")
	assert.Error(t, err)
}

func TestWindowQuery(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q := windowQuery("health", "schema_health", "v1", from, from.Add(15*time.Minute))

	assert.Contains(t, q, `from(bucket: "health")`)
	assert.Contains(t, q, `range(start: 2026-03-01T10:00:00Z, stop: 2026-03-01T10:15:00Z)`)
	assert.Contains(t, q, `r.schema_version == "v1"`)
	assert.Contains(t, q, `r._field == "error_rate" or r._field == "p95_ms"`)
	assert.True(t, strings.HasSuffix(q, "mean()"))
}

func TestNewInfluxHealthSourceValidates(t *testing.T) {
	_, err := NewInfluxHealthSource(InfluxOptions{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewInfluxHealthSource(InfluxOptions{URL: "http://localhost:8086"})
	assert.Error(t, err)

	src, err := NewInfluxHealthSource(InfluxOptions{URL: "http://localhost:8086", Bucket: "b"})
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "schema_health", src.measurement)
}
