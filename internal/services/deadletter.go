// Package services – DeadLetterService
//
// Operator-facing operations over the dead-letter store: inspection,
// replay, and ignore. Replay re-enters the pipeline at the enrollment
// resolver and is subject to the same applied-at claim as any other path,
// so replaying an event that a late organic retry already applied is a
// safe no-op rather than a double count.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/events"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
)

// DeadLetterService exposes the dead-letter administrative surface.
type DeadLetterService struct {
	DB        *gorm.DB
	Processor *Processor
}

// NewDeadLetterService constructs the service over the shared processor.
func NewDeadLetterService(db *gorm.DB, p *Processor) *DeadLetterService {
	return &DeadLetterService{DB: db, Processor: p}
}

// List returns a page of entries matching the filter, newest first, with
// the total match count. Page and pageSize get sane defaults when out of
// range.
func (s *DeadLetterService) List(ctx context.Context, f repo.DeadLetterFilter, page, pageSize int) ([]domain.DeadLetterEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize
	return repo.ListDeadLetters(ctx, s.DB, f, offset, pageSize)
}

// Replay re-injects one failed entry into the pipeline.
//
// Lifecycle: failed → replaying → replayed on success, or back to failed
// with a fresh failure reason. Only entries currently in the failed state
// are replayable; a concurrent replay loses the guarded transition and
// gets ErrDeadLetterNotReplayable.
func (s *DeadLetterService) Replay(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	tr := otel.Tracer("services/DeadLetterService")
	ctx, span := tr.Start(ctx, "Replay",
		trace.WithAttributes(attribute.String("dead_letter.id", id)),
	)
	defer span.End()

	entry, err := repo.GetDeadLetter(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}

	changed, err := repo.TransitionDeadLetter(ctx, s.DB, id, domain.DeadLetterFailed, domain.DeadLetterReplaying)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrDeadLetterNotReplayable
	}

	if replayErr := s.reprocess(ctx, entry); replayErr != nil {
		if err := repo.MarkDeadLetterFailed(ctx, s.DB, id, replayErr.Error()); err != nil {
			return nil, err
		}
		log.Warn().Err(replayErr).Str("dead_letter_id", id).Msg("dead letter replay failed")
		return repo.GetDeadLetter(ctx, s.DB, id)
	}

	if err := repo.MarkDeadLetterReplayed(ctx, s.DB, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	log.Info().Str("dead_letter_id", id).Msg("dead letter replayed")
	return repo.GetDeadLetter(ctx, s.DB, id)
}

// Ignore marks a failed entry as operator-judged noise. Ignored entries
// are never reprocessed.
func (s *DeadLetterService) Ignore(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	if _, err := repo.GetDeadLetter(ctx, s.DB, id); errors.Is(err, repo.ErrNotFound) {
		return nil, ErrDeadLetterNotFound
	} else if err != nil {
		return nil, err
	}

	changed, err := repo.TransitionDeadLetter(ctx, s.DB, id, domain.DeadLetterFailed, domain.DeadLetterIgnored)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrDeadLetterNotReplayable
	}
	return repo.GetDeadLetter(ctx, s.DB, id)
}

// reprocess runs the entry's event back through resolve-and-apply.
//
// Entries from retry exhaustion reference a recorded event row; entries
// from malformed payloads do not, so the raw payload is normalized again
// (an operator may be replaying after a normalizer fix) and recorded
// through the regular dedup gate first.
func (s *DeadLetterService) reprocess(ctx context.Context, entry *domain.DeadLetterEntry) error {
	var evt *domain.WebhookEvent

	if entry.EventID != nil {
		var err error
		evt, err = repo.GetEvent(ctx, s.DB, *entry.EventID)
		if err != nil {
			return err
		}
	} else {
		var err error
		evt, err = events.Normalize(entry.Provider, entry.Payload)
		if err != nil {
			return err
		}
		if err := repo.CreateEvent(ctx, s.DB, evt); err != nil {
			if !errors.Is(err, repo.ErrDuplicate) {
				return err
			}
			// Recorded by another path already; reconcile that row so the
			// applied-at claim decides whether anything is left to do.
			evt, err = repo.GetEventByProviderID(ctx, s.DB, evt.Provider, evt.ProviderEventID)
			if err != nil {
				return err
			}
		}
	}

	enrollment, err := repo.GetEnrollmentByKey(ctx, s.DB, evt.EnrollmentKey)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrEnrollmentNotFound
	}
	if err != nil {
		return err
	}

	// The applied-at claim inside Apply makes a replay of an already
	// -applied event a no-op, not an error.
	_, err = s.Processor.Reconciler.Apply(ctx, enrollment.ID, evt)
	return err
}
