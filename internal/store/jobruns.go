package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// RecordJobRun persists the outcome of a refresh or batch run
func RecordJobRun(ctx context.Context, db *gorm.DB, run *JobRun) error {
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return Wrap(run.Supermarket, "failed to record job run", err)
	}
	return nil
}

// LastSuccess returns when job last finished successfully for a supermarket
func LastSuccess(ctx context.Context, db *gorm.DB, supermarket, job string) (*time.Time, error) {
	var run JobRun
	err := db.WithContext(ctx).
		Where("supermarket = ? AND job = ? AND succeeded = ?", supermarket, job, true).
		Order("finished_at DESC, id DESC").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Wrap(supermarket, "failed to load last job run", err)
	}
	finished := run.FinishedAt
	return &finished, nil
}
