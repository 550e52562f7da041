package graph

import (
	"context"
	"errors"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// QueryExecutor replays recorded queries against a sandbox database.
type QueryExecutor struct {
	client *Client
}

var _ ports.QueryExecutor = (*QueryExecutor)(nil)

func NewQueryExecutor(client *Client) *QueryExecutor {
	return &QueryExecutor{client: client}
}

func (e *QueryExecutor) Execute(ctx context.Context, handle ports.SandboxHandle, query ports.RecordedQuery) (ports.QueryOutcome, error) {
	if ctx == nil {
		return ports.QueryOutcome{}, errors.New("context is required")
	}
	if e.client == nil || e.client.Driver == nil {
		return ports.QueryOutcome{}, errors.New("neo4j client is required")
	}
	if handle.Database == "" {
		return ports.QueryOutcome{}, errors.New("sandbox database is required")
	}

	session := e.client.session(ctx, handle.Database, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	started := time.Now()
	result, err := session.Run(ctx, query.Query, query.Params)
	if err != nil {
		return ports.QueryOutcome{}, errs.Wrap(err, "run query")
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return ports.QueryOutcome{}, errs.Wrap(err, "collect query result")
	}
	latency := time.Since(started)

	keys, err := result.Keys()
	if err != nil {
		return ports.QueryOutcome{}, errs.Wrap(err, "read result keys")
	}
	rows := make([][]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.Values)
	}
	return ports.QueryOutcome{
		ShapeSignature: ShapeSignature(keys, rows),
		Rows:           len(records),
		Latency:        latency,
	}, nil
}
