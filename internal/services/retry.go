// Package services – RetryScheduler
//
// The scheduler drains the orphaned-event queue: events recorded before
// their enrollment existed. It runs a single cooperative timer loop; a
// compare-and-swap guard keeps at most one tick's batch in flight, so a
// slow batch causes the next tick to be skipped rather than run
// concurrently against the same queue.
//
// Retry delays grow exponentially from the policy's initial delay up to its
// ceiling, with additive upward jitter so entries enqueued together do not
// retry in lockstep. Once the attempt budget is exhausted the entry moves
// to the dead-letter store and leaves the queue.
package services

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/config"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/observability"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
)

// TickStats summarizes one scheduler tick for logging and tests.
type TickStats struct {
	Skipped      bool // previous tick's batch still in flight
	Due          int  // entries selected this tick
	Resolved     int  // entries applied and removed
	Rescheduled  int  // entries pushed to a later retry
	DeadLettered int  // entries moved to the dead-letter store
}

// RetryScheduler owns the orphan queue's timer loop.
type RetryScheduler struct {
	DB        *gorm.DB
	Processor *Processor
	Policy    config.RetryConfig

	inFlight atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRetryScheduler constructs a scheduler over the given processor.
func NewRetryScheduler(db *gorm.DB, p *Processor, policy config.RetryConfig) *RetryScheduler {
	return &RetryScheduler{DB: db, Processor: p, Policy: policy}
}

// Start launches the timer loop. The loop suspends between ticks and exits
// when ctx is cancelled or Stop is called.
func (s *RetryScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Policy.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if stats, err := s.Tick(ctx); err != nil {
					log.Error().Err(err).Msg("orphan retry tick failed")
				} else if stats.Skipped {
					log.Debug().Msg("orphan retry tick skipped, previous batch in flight")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight batch to finish.
func (s *RetryScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick processes one batch of due entries. Exported so tests and operators
// can drive the queue without waiting for the timer.
func (s *RetryScheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	if !s.inFlight.CompareAndSwap(false, true) {
		stats.Skipped = true
		return stats, nil
	}
	defer s.inFlight.Store(false)

	tr := otel.Tracer("services/RetryScheduler")
	ctx, span := tr.Start(ctx, "Tick")
	defer span.End()

	now := time.Now().UTC()
	due, err := repo.DueOrphans(ctx, s.DB, now, s.Policy.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s.retryOne(ctx, &due[i], &stats)
	}

	if depth, _, err := repo.OrphanStats(ctx, s.DB); err == nil {
		observability.OrphanQueueDepth.Set(float64(depth))
	}

	span.SetAttributes(
		attribute.Int("orphans.due", stats.Due),
		attribute.Int("orphans.resolved", stats.Resolved),
		attribute.Int("orphans.dead_lettered", stats.DeadLettered),
	)
	return stats, nil
}

// retryOne re-resolves a single queue entry and settles its fate:
// resolved, rescheduled, or dead-lettered.
func (s *RetryScheduler) retryOne(ctx context.Context, o *domain.OrphanedEvent, stats *TickStats) {
	evt, err := repo.GetEvent(ctx, s.DB, o.EventID)
	if errors.Is(err, repo.ErrNotFound) {
		// Queue entry without its event row; nothing to replay, drop it.
		log.Error().Str("event_id", o.EventID).Msg("orphan entry has no event, removing")
		_ = repo.DeleteOrphan(ctx, s.DB, o.ID)
		return
	}
	if err != nil {
		// Transient store failure; keep the entry for the next tick.
		log.Error().Err(err).Str("event_id", o.EventID).Msg("failed to load event for orphan retry")
		return
	}

	enrollment, err := repo.GetEnrollmentByKey(ctx, s.DB, o.EnrollmentKey)
	if err == nil {
		if _, err := s.Processor.Reconciler.Apply(ctx, enrollment.ID, evt); err != nil {
			s.recordFailure(ctx, o, evt, "reconcile failed: "+err.Error(), stats)
			return
		}
		if err := repo.DeleteOrphan(ctx, s.DB, o.ID); err != nil {
			log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to remove resolved orphan")
			return
		}
		observability.EventsApplied.WithLabelValues(evt.Provider).Inc()
		observability.OrphanResolutionSeconds.Observe(time.Since(o.EnqueuedAt).Seconds())
		stats.Resolved++
		log.Info().
			Str("event_id", evt.ID).
			Str("enrollment_id", enrollment.ID).
			Int("attempts", o.Attempts).
			Msg("orphaned event resolved")
		return
	}
	if !errors.Is(err, repo.ErrNotFound) {
		s.recordFailure(ctx, o, evt, "resolver error: "+err.Error(), stats)
		return
	}
	s.recordFailure(ctx, o, evt, ErrEnrollmentNotFound.Error(), stats)
}

// recordFailure books one failed attempt: reschedule with backoff, or move
// to the dead-letter store once the budget is spent.
func (s *RetryScheduler) recordFailure(ctx context.Context, o *domain.OrphanedEvent, evt *domain.WebhookEvent, reason string, stats *TickStats) {
	attempts := o.Attempts + 1
	_ = repo.IncrementEventAttempts(ctx, s.DB, evt.ID)

	if attempts >= s.Policy.MaxAttempts {
		s.deadLetterExhausted(ctx, o, evt, attempts)
		stats.DeadLettered++
		return
	}

	next := time.Now().UTC().Add(s.backoffDelay(attempts))
	if err := repo.RescheduleOrphan(ctx, s.DB, o.ID, attempts, next, reason); err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to reschedule orphan")
		return
	}
	stats.Rescheduled++
	log.Debug().
		Str("event_id", evt.ID).
		Int("attempts", attempts).
		Time("next_retry_at", next).
		Msg("orphaned event rescheduled")
}

// deadLetterExhausted moves an entry out of the queue after its final
// failed attempt.
func (s *RetryScheduler) deadLetterExhausted(ctx context.Context, o *domain.OrphanedEvent, evt *domain.WebhookEvent, attempts int) {
	entry := &domain.DeadLetterEntry{
		EventID:         &evt.ID,
		Provider:        evt.Provider,
		ProviderEventID: evt.ProviderEventID,
		EventType:       evt.EventType,
		EnrollmentKey:   evt.EnrollmentKey,
		Payload:         evt.Payload,
		FailureReason:   FailureReasonExhausted,
		Attempts:        attempts,
	}
	if err := repo.CreateDeadLetter(ctx, s.DB, entry); err != nil {
		// Keep the queue entry; better a stale orphan than a lost event.
		log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to dead-letter exhausted orphan")
		return
	}
	if err := repo.DeleteOrphan(ctx, s.DB, o.ID); err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("failed to remove exhausted orphan")
		return
	}
	observability.EventsDeadLettered.WithLabelValues(evt.Provider, "retries_exhausted").Inc()
	log.Warn().
		Str("event_id", evt.ID).
		Str("dead_letter_id", entry.ID).
		Str("enrollment_key", evt.EnrollmentKey).
		Int("attempts", attempts).
		Msg("orphaned event exhausted retries, moved to dead letter")
}

// backoffDelay computes the wait before retry number attempts+1. The base
// delay grows by the policy factor per attempt and is capped at MaxDelay;
// jitter adds up to Jitter*delay on top, never subtracts, so the delay
// sequence stays non-decreasing.
func (s *RetryScheduler) backoffDelay(attempts int) time.Duration {
	base := float64(s.Policy.InitialDelay) * math.Pow(s.Policy.BackoffFactor, float64(attempts-1))
	if capped := float64(s.Policy.MaxDelay); base > capped {
		base = capped
	}
	jitter := rand.Float64() * s.Policy.Jitter * base
	return time.Duration(base + jitter)
}
