// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Enrollment
// model.
//
// The repository follows a "thin" approach: it performs persistence and simple
// query composition, leaving the reconciliation rules to the services package.
//
// Write discipline:
//   - Counter columns are only ever mutated with SQL increment expressions
//     (col = col + 1) executed under the enclosing transaction's row lock.
//     Reading a value, adding one in Go, and writing it back loses updates
//     under concurrent webhook delivery and is never done here.
//   - Status advances through a guarded UPDATE (WHERE status_rank < ?), so
//     out-of-order deliveries cannot downgrade the status and terminal
//     statuses stay frozen without any application-level locking.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

// CreateEnrollment inserts an enrollment row. Enrollments are normally
// created by the external enrollment workflow; this helper exists for that
// collaborator and for tests. The enrollment key must be unique.
func CreateEnrollment(ctx context.Context, db *gorm.DB, campaignInstanceID, contactIdentifier, enrollmentKey string) (*domain.Enrollment, error) {
	now := time.Now().UTC()
	e := &domain.Enrollment{
		ID:                 uuid.NewString(),
		CampaignInstanceID: campaignInstanceID,
		ContactIdentifier:  contactIdentifier,
		EnrollmentKey:      enrollmentKey,
		Status:             domain.StatusPending,
		StatusRank:         domain.StatusRank(domain.StatusPending),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return e, nil
}

// GetEnrollmentByKey resolves an enrollment by its key, or ErrNotFound.
// A miss is an expected, transient outcome: the enrollment workflow may
// still be writing the row when the provider's callback arrives.
func GetEnrollmentByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := db.WithContext(ctx).First(&e, "enrollment_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEnrollment fetches an enrollment by ID, or ErrNotFound.
func GetEnrollment(ctx context.Context, db *gorm.DB, id string) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// lastEventExpr advances last_event_at without ever moving it backwards,
// so a late out-of-order delivery cannot rewind the column.
func lastEventExpr(at time.Time) clause.Expr {
	return gorm.Expr("MAX(COALESCE(last_event_at, ?), ?)", at, at)
}

// IncrementCounter atomically bumps one enrollment counter column and
// refreshes last_event_at. The column name must come from
// domain.CounterColumn; it is interpolated, not bound, so it is never
// accepted from request input.
func IncrementCounter(tx *gorm.DB, enrollmentID, column string, at time.Time) error {
	return tx.Model(&domain.Enrollment{}).
		Where("id = ?", enrollmentID).
		Updates(map[string]any{
			column:          gorm.Expr(column + " + 1"),
			"last_event_at": lastEventExpr(at),
		}).Error
}

// AdvanceStatus moves an enrollment to a higher-ranked status. The rank
// guard in the WHERE clause enforces the forward-only rule in the database:
// a stale or out-of-order event simply matches zero rows. Returns whether
// the status actually advanced.
func AdvanceStatus(tx *gorm.DB, enrollmentID, status string, rank int, at time.Time) (advanced bool, err error) {
	res := tx.Model(&domain.Enrollment{}).
		Where("id = ? AND status_rank < ?", enrollmentID, rank).
		Updates(map[string]any{
			"status":        status,
			"status_rank":   rank,
			"last_event_at": lastEventExpr(at),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TouchLastEvent refreshes last_event_at only, for events that carry
// neither a counter nor a status advance (e.g. a duplicate-typed terminal
// event on an already-terminal enrollment).
func TouchLastEvent(tx *gorm.DB, enrollmentID string, at time.Time) error {
	return tx.Model(&domain.Enrollment{}).
		Where("id = ?", enrollmentID).
		Update("last_event_at", lastEventExpr(at)).Error
}
