package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"schemapilot/internal/bootstrap/config"
	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
)

// App is what commands get besides the pipeline service.
type App struct {
	Config   config.Config
	DB       *gorm.DB
	Registry *prometheus.Registry
	// Unconfigured collaborators are nil.
	Collaborators Collaborators
}

// InitSchema creates or migrates every pipeline table.
func (a *App) InitSchema(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.app"))
	logging.Info(logCtx, "start schema migration", slog.Int("tables", len(model.All())))

	if err := a.DB.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return errs.Wrap(err, "auto migrate schema")
	}

	logging.Info(logCtx, "schema migration completed")
	return nil
}
