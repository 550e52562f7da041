package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

type SQLiteCache struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ports.Cache = (*SQLiteCache)(nil)

func NewSQLiteCache(db *gorm.DB) *SQLiteCache {
	return &SQLiteCache{db: db, now: time.Now}
}

func checkKey(ctx context.Context, key string) (string, error) {
	if ctx == nil {
		return "", errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(err, "check context")
	}

	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return "", errors.New("key is required")
	}
	return trimmedKey, nil
}

// Get treats an expired row as missing. Expired rows are overwritten by the next Set.
func (c *SQLiteCache) Get(ctx context.Context, key string) (string, bool, error) {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return "", false, err
	}

	var row model.PipelineKV
	if err := c.db.WithContext(ctx).Where("key = ?", trimmedKey).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, errs.Wrap(err, "query cache by key")
	}
	if row.ExpiresAt != nil && *row.ExpiresAt <= ports.FormatTime(c.now()) {
		return "", false, nil
	}

	return row.Value, true, nil
}

// Set upserts the key. A ttl of zero keeps the value until deleted.
func (c *SQLiteCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return err
	}

	now := c.now()
	row := model.PipelineKV{
		Key:       trimmedKey,
		Value:     value,
		UpdatedAt: ports.FormatTime(now),
	}
	if ttl > 0 {
		expiresAt := ports.FormatTime(now.Add(ttl))
		row.ExpiresAt = &expiresAt
	}

	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      row.Value,
			"expires_at": row.ExpiresAt,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error; err != nil {
		return errs.Wrap(err, "upsert cache key")
	}

	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return err
	}

	if err := c.db.WithContext(ctx).Where("key = ?", trimmedKey).Delete(&model.PipelineKV{}).Error; err != nil {
		return errs.Wrap(err, "delete cache key")
	}
	return nil
}
