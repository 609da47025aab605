// Package services – Reconciler
//
// The reconciler is the single writer for enrollment status and counters.
// Each event is applied inside one database transaction that performs three
// guarded writes:
//
//  1. Claim the event (applied_at IS NULL). Losing the claim means another
//     path (a replay racing an organic retry, or a concurrent duplicate
//     delivery that slipped past an earlier crash) already applied the
//     event; the whole transaction becomes a no-op.
//  2. Increment the event type's counter column with a SQL expression
//     (col = col + 1) under the row lock. Never read-add-write in Go.
//  3. Advance the status through a rank-guarded UPDATE. Out-of-order
//     deliveries match zero rows instead of downgrading; terminal statuses
//     (bounced, unsubscribed) hold the top rank and are therefore frozen,
//     while counters and the event audit log keep recording.
//
// Because all three writes commit together, a concurrent reader never sees
// a counter bumped without its status transition or vice versa.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
)

// Reconciler applies canonical events to enrollments.
type Reconciler struct {
	DB *gorm.DB
}

// Apply reconciles one event onto one resolved enrollment. Returns
// applied=false with a nil error when the event was already applied by
// another path; that outcome is a success for the caller.
//
// A non-nil error means the transaction did not commit: no counter moved,
// no status changed, and the event remains unclaimed. Callers route such
// events back through the retry queue instead of reporting success, so an
// infrastructure failure can never masquerade as a durable write.
func (r *Reconciler) Apply(ctx context.Context, enrollmentID string, evt *domain.WebhookEvent) (applied bool, err error) {
	tr := otel.Tracer("services/Reconciler")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.type", evt.EventType),
			attribute.String("enrollment.id", enrollmentID),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := repo.MarkEventApplied(tx, evt.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		if col := domain.CounterColumn(evt.EventType); col != "" {
			if err := repo.IncrementCounter(tx, enrollmentID, col, evt.OccurredAt); err != nil {
				return err
			}
		} else {
			// Terminal events carry no counter; still record activity.
			if err := repo.TouchLastEvent(tx, enrollmentID, evt.OccurredAt); err != nil {
				return err
			}
		}

		if status, rank := domain.StatusForEvent(evt.EventType); rank > 0 {
			if _, err := repo.AdvanceStatus(tx, enrollmentID, status, rank, evt.OccurredAt); err != nil {
				return err
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
