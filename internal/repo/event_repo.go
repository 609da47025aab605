// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the WebhookEvent
// model, which doubles as the durable deduplication gate and the audit log.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

// ErrDuplicate indicates that an event with the same
// (provider, provider_event_id) pair was already recorded.
var ErrDuplicate = errors.New("duplicate")

// ErrNotFound is returned when a requested record does not exist.
//
// It aliases gorm.ErrRecordNotFound so callers can use errors.Is with either.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateEvent durably records a canonical event. The insert itself is the
// idempotency claim: uniqueness of (provider, provider_event_id) is enforced
// by the database index and a violation is returned as ErrDuplicate. There
// is deliberately no existence check before the insert; a check-then-insert
// pair is exactly the race this table exists to close.
func CreateEvent(ctx context.Context, db *gorm.DB, e *domain.WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetEvent fetches a canonical event by ID, or ErrNotFound.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEventByProviderID fetches a canonical event by its durable dedup key,
// or ErrNotFound.
func GetEventByProviderID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := db.WithContext(ctx).
		First(&e, "provider = ? AND provider_event_id = ?", provider, providerEventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkEventApplied claims the right to apply an event's effects. The guard
// (applied_at IS NULL) makes the claim exactly-once: when two paths race,
// for example an operator replay against a late organic retry, only one
// observes claimed=true and proceeds to mutate the enrollment.
//
// Must be called on the same transaction handle as the enrollment updates so
// the claim and the effects commit or roll back together.
func MarkEventApplied(tx *gorm.DB, eventID string, at time.Time) (claimed bool, err error) {
	res := tx.Model(&domain.WebhookEvent{}).
		Where("id = ? AND applied_at IS NULL", eventID).
		Update("applied_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// IncrementEventAttempts bumps the per-event attempt counter kept for
// audit alongside the orphan queue's own bookkeeping.
func IncrementEventAttempts(ctx context.Context, db *gorm.DB, eventID string) error {
	return db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ?", eventID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations,
// so the gorm sentinel alone is not enough.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
