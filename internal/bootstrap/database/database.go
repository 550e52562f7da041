package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"schemapilot/internal/bootstrap/config"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
)

func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.database"))
	gormCfg := &gorm.Config{Logger: newGormLogger(log.New(os.Stderr, "\r\n", log.LstdFlags))}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3", "":
		if err := ensureSQLiteDirectory(logCtx, cfg.DSN); err != nil {
			return nil, errs.Wrap(err, "ensure sqlite directory")
		}

		db, err := gorm.Open(gormsqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, errs.Wrap(err, "open sqlite db")
		}
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY under concurrent ticks.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errs.Wrap(err, "get sql db")
		}
		sqlDB.SetMaxOpenConns(1)

		logging.Info(logCtx, "database opened", slog.String("driver", "sqlite"), slog.String("dsn", cfg.DSN))
		return db, nil
	case "postgres", "postgresql":
		db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, errs.Wrap(err, "open postgres db")
		}
		logging.Info(logCtx, "database opened", slog.String("driver", "postgres"))
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// newGormLogger logs warnings and slow queries. Lookups that expect a miss
// (pending aborts, latest weights) are not reported.
func newGormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func ensureSQLiteDirectory(ctx context.Context, dsn string) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	candidate := strings.TrimSpace(dsn)
	if candidate == "" || candidate == ":memory:" {
		return nil
	}

	if strings.HasPrefix(strings.ToLower(candidate), "file:") {
		candidate = strings.TrimPrefix(candidate, "file:")
	}
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}
	if candidate == "" || strings.HasPrefix(candidate, ":memory:") {
		return nil
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrapf(err, "create sqlite directory %q", dir)
	}

	logging.Info(ctx, "sqlite directory ensured", slog.String("dir", dir))
	return nil
}
