package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"schemapilot/internal/bootstrap/config"
	"schemapilot/internal/bootstrap/database"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
)

func TestInitSchemaCreatesPipelineTables(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "pipeline.sqlite"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	app := &App{DB: db}
	if err := app.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	// Migrating twice is a no-op.
	if err := app.InitSchema(ctx); err != nil {
		t.Fatalf("second InitSchema() error = %v", err)
	}

	for _, table := range []string{"proposals", "lifecycles", "notifications", "pipeline_kv"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("table %s missing after InitSchema", table)
		}
	}
	if len(model.All()) == 0 {
		t.Fatal("model.All() is empty")
	}
}
