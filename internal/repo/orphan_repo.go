// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the orphaned
// -event queue: events recorded before their enrollment exists.
//
// Durability note: the queue lives in the same relational store as the
// events and enrollments. When the store is unreachable the enqueue fails
// loudly; entries are never parked in process memory where a restart would
// silently drop them.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

// EnqueueOrphan durably stores a retry entry for an event whose enrollment
// was not found. The unique index on event_id makes a second enqueue of the
// same event (e.g. a racing replay) return ErrDuplicate instead of creating
// a competing entry.
func EnqueueOrphan(ctx context.Context, db *gorm.DB, eventID, enrollmentKey string, nextRetryAt time.Time) (*domain.OrphanedEvent, error) {
	now := time.Now().UTC()
	o := &domain.OrphanedEvent{
		ID:            uuid.NewString(),
		EventID:       eventID,
		EnrollmentKey: enrollmentKey,
		EnqueuedAt:    now,
		NextRetryAt:   nextRetryAt,
		Attempts:      0,
		CreatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return o, nil
}

// DueOrphans returns up to limit entries whose retry time has come, oldest
// first. The bound keeps a single scheduler tick's work finite and protects
// the resolver from load spikes after downtime.
func DueOrphans(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.OrphanedEvent, error) {
	var entries []domain.OrphanedEvent
	err := db.WithContext(ctx).
		Where("next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// RescheduleOrphan records a failed attempt: bumps the attempt count, sets
// the next retry time, and keeps the latest error for operator inspection.
func RescheduleOrphan(ctx context.Context, db *gorm.DB, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	res := db.WithContext(ctx).Model(&domain.OrphanedEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
			"last_error":    lastError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrphan removes a queue entry, either because a retry resolved it or
// because it moved to the dead-letter store.
func DeleteOrphan(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Delete(&domain.OrphanedEvent{}, "id = ?", id).Error
}

// GetOrphanByEventID fetches the queue entry for an event, or ErrNotFound.
func GetOrphanByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.OrphanedEvent, error) {
	var o domain.OrphanedEvent
	err := db.WithContext(ctx).First(&o, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OrphanStats returns the current queue depth and the enqueue time of the
// oldest entry. When the queue is empty, oldest is nil.
func OrphanStats(ctx context.Context, db *gorm.DB) (depth int64, oldest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.OrphanedEvent{})
	if err = q.Count(&depth).Error; err != nil {
		return 0, nil, err
	}
	if depth == 0 {
		return 0, nil, nil
	}
	var row struct {
		EnqueuedAt time.Time
	}
	if err = q.Select("enqueued_at").Order("enqueued_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return depth, &row.EnqueuedAt, nil
}
