// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the dead
// -letter store: the terminal sink for events that exhausted their retry
// budget or failed normalization outright.
//
// Entry status transitions are guarded in SQL (WHERE status = ?) so two
// operators replaying the same entry concurrently cannot both win.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

// DeadLetterFilter narrows a dead-letter listing. Zero values mean "any".
type DeadLetterFilter struct {
	Status   string
	Provider string
	From     time.Time
	To       time.Time
}

// CreateDeadLetter records a terminally failed event. The entry starts in
// the failed state and carries the full event material so replay is always
// possible from the entry alone.
func CreateDeadLetter(ctx context.Context, db *gorm.DB, e *domain.DeadLetterEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.DeadLetterFailed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(e).Error
}

// GetDeadLetter fetches one entry by ID, or ErrNotFound.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	err := db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListDeadLetters returns a page of entries matching the filter, newest
// first, along with the total match count for pagination.
func ListDeadLetters(ctx context.Context, db *gorm.DB, f DeadLetterFilter, offset, limit int) ([]domain.DeadLetterEntry, int64, error) {
	q := db.WithContext(ctx).Model(&domain.DeadLetterEntry{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.DeadLetterEntry{}, 0, nil
	}

	var entries []domain.DeadLetterEntry
	err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, total, err
}

// TransitionDeadLetter moves an entry from one status to another. The
// from-status guard makes the transition first-writer-wins; callers must
// treat changed=false as "someone else got here first", not an error.
func TransitionDeadLetter(ctx context.Context, db *gorm.DB, id, from, to string) (changed bool, err error) {
	res := db.WithContext(ctx).Model(&domain.DeadLetterEntry{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkDeadLetterReplayed finalizes a successful replay.
func MarkDeadLetterReplayed(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.DeadLetterEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      domain.DeadLetterReplayed,
			"replayed_at": at,
		}).Error
}

// MarkDeadLetterFailed reverts a replaying entry to failed with a fresh
// failure reason.
func MarkDeadLetterFailed(ctx context.Context, db *gorm.DB, id, reason string) error {
	return db.WithContext(ctx).Model(&domain.DeadLetterEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         domain.DeadLetterFailed,
			"failure_reason": reason,
		}).Error
}
