// Package services – Processor
//
// The processor is the single entry point into the pipeline. Ingestion,
// orphan retries, and dead-letter replays all converge on the same resolve
// -and-apply path, so every route is subject to the same deduplication and
// the same exactly-once claim.
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
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/observability"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
)

// Ingestion outcomes. The webhook handler maps these to HTTP statuses.
const (
	// OutcomeApplied: enrollment resolved, effects committed.
	OutcomeApplied = "applied"
	// OutcomeDuplicate: dedup gate hit; treated as success, nothing done.
	OutcomeDuplicate = "duplicate"
	// OutcomeQueued: enrollment not found yet; event parked for retry.
	OutcomeQueued = "queued"
	// OutcomeMalformed: payload failed normalization; sent to dead letter.
	OutcomeMalformed = "malformed"
)

// FailureReasonExhausted marks dead-letter entries created when the retry
// budget ran out. The dead-letter list filter and tests key off it.
const FailureReasonExhausted = "retries exhausted"

// Processor runs events through normalize → dedup → resolve → reconcile,
// parking unresolvable events in the orphan queue.
type Processor struct {
	DB         *gorm.DB
	Reconciler *Reconciler

	// InitialDelay is how long a fresh orphan waits before its first
	// retry, giving the enrollment workflow time to land its row.
	InitialDelay time.Duration
}

// NewProcessor constructs a Processor with its reconciler.
func NewProcessor(db *gorm.DB, initialDelay time.Duration) *Processor {
	return &Processor{
		DB:           db,
		Reconciler:   &Reconciler{DB: db},
		InitialDelay: initialDelay,
	}
}

// Ingest accepts one provider payload and returns the pipeline outcome.
//
// Error contract: a non-nil error is only returned when nothing durable
// could be recorded (storage unavailable). Malformed payloads return
// OutcomeMalformed with a *events.MalformedEventError after being recorded
// to the dead-letter store; duplicates and orphans are successes.
func (p *Processor) Ingest(ctx context.Context, provider string, payload []byte) (string, error) {
	tr := otel.Tracer("services/Processor")
	ctx, span := tr.Start(ctx, "Ingest",
		trace.WithAttributes(attribute.String("event.provider", provider)),
	)
	defer span.End()

	observability.EventsReceived.WithLabelValues(provider).Inc()

	evt, err := events.Normalize(provider, payload)
	if err != nil {
		var malformed *events.MalformedEventError
		if errors.As(err, &malformed) {
			observability.EventsMalformed.WithLabelValues(provider).Inc()
			if dlqErr := p.deadLetterMalformed(ctx, provider, payload, malformed); dlqErr != nil {
				return "", dlqErr
			}
			return OutcomeMalformed, err
		}
		return "", err
	}

	if err := repo.CreateEvent(ctx, p.DB, evt); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			observability.EventsDuplicate.WithLabelValues(provider).Inc()
			log.Debug().
				Str("provider", evt.Provider).
				Str("provider_event_id", evt.ProviderEventID).
				Msg("duplicate event ignored")
			return OutcomeDuplicate, nil
		}
		// The event was not recorded anywhere durable. Fail loudly so the
		// provider redelivers; never fall back to process memory.
		return "", err
	}

	return p.resolveAndApply(ctx, evt)
}

// resolveAndApply looks up the event's enrollment and either applies the
// event or parks it in the orphan queue. Shared by ingestion and replay.
func (p *Processor) resolveAndApply(ctx context.Context, evt *domain.WebhookEvent) (string, error) {
	enrollment, err := repo.GetEnrollmentByKey(ctx, p.DB, evt.EnrollmentKey)
	switch {
	case err == nil:
		applied, err := p.Reconciler.Apply(ctx, enrollment.ID, evt)
		if err != nil {
			// The transaction failed for infrastructure reasons. The event
			// is recorded but unapplied; retry it like an orphan rather
			// than dropping the effects.
			log.Error().Err(err).
				Str("event_id", evt.ID).
				Str("enrollment_id", enrollment.ID).
				Msg("reconcile failed, queueing event for retry")
			return p.enqueueOrphan(ctx, evt, "reconcile failed: "+err.Error())
		}
		if !applied {
			// Another path claimed the event first; same end state.
			observability.EventsDuplicate.WithLabelValues(evt.Provider).Inc()
			return OutcomeDuplicate, nil
		}
		observability.EventsApplied.WithLabelValues(evt.Provider).Inc()
		return OutcomeApplied, nil

	case errors.Is(err, repo.ErrNotFound):
		return p.enqueueOrphan(ctx, evt, "")

	default:
		return "", err
	}
}

// enqueueOrphan parks an event for scheduled retry. Enqueue must be durable
// or fail; if the queue insert errors the caller sees it and the provider
// will redeliver.
func (p *Processor) enqueueOrphan(ctx context.Context, evt *domain.WebhookEvent, lastError string) (string, error) {
	nextRetry := time.Now().UTC().Add(p.InitialDelay)
	o, err := repo.EnqueueOrphan(ctx, p.DB, evt.ID, evt.EnrollmentKey, nextRetry)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Already queued by a concurrent path; the scheduler owns it.
			return OutcomeQueued, nil
		}
		return "", err
	}
	if lastError != "" {
		_ = repo.RescheduleOrphan(ctx, p.DB, o.ID, 0, nextRetry, lastError)
	}
	observability.EventsOrphaned.WithLabelValues(evt.Provider).Inc()
	log.Info().
		Str("event_id", evt.ID).
		Str("enrollment_key", evt.EnrollmentKey).
		Time("next_retry_at", nextRetry).
		Msg("event queued as orphan")
	return OutcomeQueued, nil
}

// deadLetterMalformed records a payload that failed normalization. Such
// events skip the retry queue entirely; a structurally broken payload does
// not get better with time.
func (p *Processor) deadLetterMalformed(ctx context.Context, provider string, payload []byte, cause *events.MalformedEventError) error {
	entry := &domain.DeadLetterEntry{
		Provider:      provider,
		Payload:       payload,
		FailureReason: cause.Error(),
		Status:        domain.DeadLetterFailed,
	}
	if err := repo.CreateDeadLetter(ctx, p.DB, entry); err != nil {
		return err
	}
	observability.EventsDeadLettered.WithLabelValues(provider, "malformed").Inc()
	log.Warn().
		Str("provider", provider).
		Str("dead_letter_id", entry.ID).
		Str("reason", cause.Reason).
		Msg("malformed event dead-lettered")
	return nil
}
