package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

const systemDatabase = "system"

var databaseNamePattern = regexp.MustCompile(`^[a-z][a-z0-9.-]{2,62}$`)

// SandboxProvisioner creates one Neo4j database per sandbox, seeded from a
// backup URI when a snapshot ref is given.
type SandboxProvisioner struct {
	client       *Client
	readyTimeout time.Duration
	now          func() time.Time
}

var _ ports.SandboxProvisioner = (*SandboxProvisioner)(nil)

func NewSandboxProvisioner(client *Client, readyTimeout time.Duration) *SandboxProvisioner {
	if readyTimeout <= 0 {
		readyTimeout = time.Minute
	}
	return &SandboxProvisioner{client: client, readyTimeout: readyTimeout, now: time.Now}
}

func (p *SandboxProvisioner) Provision(ctx context.Context, snapshotRef string) (ports.SandboxHandle, error) {
	if err := p.check(ctx); err != nil {
		return ports.SandboxHandle{}, err
	}

	name := sandboxDatabaseName(uuid.NewString())
	statement := createDatabaseStatement(name, snapshotRef, p.readyTimeout)
	if _, err := p.client.run(ctx, systemDatabase, statement, nil); err != nil {
		return ports.SandboxHandle{}, errs.Wrapf(err, "create sandbox database %s", name)
	}

	logging.Info(
		logging.WithAttrs(ctx, slog.String("component", "infrastructure.graph")),
		"sandbox database created",
		slog.String("database", name),
		slog.String("snapshot_ref", snapshotRef),
	)
	return ports.SandboxHandle{ID: name, Database: name, SnapshotRef: snapshotRef, CreatedAt: p.now()}, nil
}

// Apply runs each statement in its own auto-commit transaction; schema
// commands cannot share a transaction with data writes.
func (p *SandboxProvisioner) Apply(ctx context.Context, handle ports.SandboxHandle, statements []string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if handle.Database == "" {
		return errors.New("sandbox database is required")
	}
	for i, statement := range statements {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := p.client.run(ctx, handle.Database, statement, nil); err != nil {
			return errs.Wrapf(err, "apply statement %d", i+1)
		}
	}
	return nil
}

func (p *SandboxProvisioner) Teardown(ctx context.Context, handle ports.SandboxHandle) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if !databaseNamePattern.MatchString(handle.Database) {
		return fmt.Errorf("refusing to drop database %q", handle.Database)
	}
	statement := fmt.Sprintf("DROP DATABASE `%s` IF EXISTS WAIT", handle.Database)
	if _, err := p.client.run(ctx, systemDatabase, statement, nil); err != nil {
		return errs.Wrapf(err, "drop sandbox database %s", handle.Database)
	}
	return nil
}

func (p *SandboxProvisioner) check(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}
	if p.client == nil || p.client.Driver == nil {
		return errors.New("neo4j client is required")
	}
	return nil
}

func sandboxDatabaseName(id string) string {
	compact := strings.ReplaceAll(strings.ToLower(id), "-", "")
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return "sandbox-" + compact
}

func createDatabaseStatement(name string, snapshotRef string, wait time.Duration) string {
	seconds := int(wait.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	ref := strings.TrimSpace(snapshotRef)
	if ref == "" {
		return fmt.Sprintf("CREATE DATABASE `%s` IF NOT EXISTS WAIT %d SECONDS", name, seconds)
	}
	return fmt.Sprintf(
		"CREATE DATABASE `%s` IF NOT EXISTS OPTIONS {existingData: 'use', seedURI: '%s'} WAIT %d SECONDS",
		name, strings.ReplaceAll(ref, "'", "\\'"), seconds,
	)
}
