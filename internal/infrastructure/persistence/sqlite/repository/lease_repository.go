package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm/clause"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

// AcquireLease stores leases as rows of the kv table: value is the owner,
// expires_at the heartbeat deadline. The insert and the conditional update
// each touch at most one row, so two claimants never both win.
func (r *PipelineRepository) AcquireLease(ctx context.Context, claim ports.LeaseClaim) (bool, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return false, err
	}
	key := strings.TrimSpace(claim.Key)
	owner := strings.TrimSpace(claim.Owner)
	if key == "" || owner == "" {
		return false, errors.New("lease key and owner are required")
	}

	expiresAt := claim.ExpiresAt
	inserted := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.PipelineKV{
		Key:       key,
		Value:     owner,
		ExpiresAt: &expiresAt,
		UpdatedAt: claim.Now,
	})
	if inserted.Error != nil {
		return false, errs.Wrap(inserted.Error, "insert lease")
	}
	if inserted.RowsAffected == 1 {
		return true, nil
	}

	updated := db.Model(&model.PipelineKV{}).
		Where("key = ?", key).
		Where("value = ? OR expires_at IS NULL OR expires_at <= ?", owner, claim.Now).
		Updates(map[string]any{
			"value":      owner,
			"expires_at": expiresAt,
			"updated_at": claim.Now,
		})
	if updated.Error != nil {
		return false, errs.Wrap(updated.Error, "renew lease")
	}
	return updated.RowsAffected == 1, nil
}

// ReleaseLease drops the lease when owner still holds it.
func (r *PipelineRepository) ReleaseLease(ctx context.Context, key string, owner string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}
	if err := db.Where("key = ? AND value = ?", strings.TrimSpace(key), strings.TrimSpace(owner)).
		Delete(&model.PipelineKV{}).Error; err != nil {
		return errs.Wrap(err, "release lease")
	}
	return nil
}
