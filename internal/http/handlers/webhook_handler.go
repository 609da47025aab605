// Webhook HTTP handlers.
//
// This file exposes the provider-facing ingestion endpoint:
//   - POST /webhooks/{provider}  (receive one event delivery)
//
// Handlers are transport-thin: they read the raw payload, delegate to the
// event processor, and translate the pipeline outcome into an HTTP status.
// The contract with providers is intentionally coarse: any outcome the
// pipeline has durably recorded is acknowledged with a 2xx so the provider
// stops redelivering; only payloads rejected before any state was written
// (malformed JSON the normalizer refused, oversized bodies) get a 4xx.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/events"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/http/middleware"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/services"
)

//
// Service contracts (context-aware)
//

// EventProcessor runs one raw delivery through normalize → dedup →
// resolve → reconcile and reports the outcome. Implementations must be
// safe for concurrent use.
type EventProcessor interface {
	Ingest(ctx context.Context, provider string, payload []byte) (string, error)
}

// DeadLetterAdmin exposes the operator surface over the dead-letter store.
type DeadLetterAdmin interface {
	List(ctx context.Context, f repo.DeadLetterFilter, page, pageSize int) ([]domain.DeadLetterEntry, int64, error)
	Replay(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	Ignore(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
}

// OrphanStatsFn reports the orphan queue depth and its oldest entry.
type OrphanStatsFn func(ctx context.Context) (depth int64, oldest *time.Time, err error)

// Handlers groups the HTTP endpoints for webhook ingestion and the
// operator API. It depends on abstract contracts to keep transport
// concerns separate from pipeline logic.
type Handlers struct {
	processor   EventProcessor
	deadLetters DeadLetterAdmin
	orphanStats OrphanStatsFn
}

// New constructs a Handlers instance bound to the given services.
func New(p EventProcessor, dl DeadLetterAdmin, stats OrphanStatsFn) *Handlers {
	return &Handlers{processor: p, deadLetters: dl, orphanStats: stats}
}

// WebhookAck is the JSON body acknowledging a webhook delivery.
type WebhookAck struct {
	// Outcome is one of: applied, duplicate, queued.
	Outcome string `json:"outcome"`
}

// ReceiveWebhook handles POST /webhooks/{provider}.
//
// Status mapping:
//   - 202 applied   — the event changed enrollment state
//   - 202 queued    — the enrollment is not known yet; the event is parked
//     for retry and the provider must not redeliver
//   - 200 duplicate — the delivery was seen before; nothing changed
//   - 400           — the payload is malformed and was dead-lettered
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		// MaxBytesReader triggers this for oversized bodies.
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "payload too large")
		return
	}
	if len(payload) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty payload")
		return
	}

	outcome, err := h.processor.Ingest(c.Request.Context(), provider, payload)
	switch outcome {
	case services.OutcomeApplied, services.OutcomeQueued:
		ok(c, http.StatusAccepted, WebhookAck{Outcome: outcome})
	case services.OutcomeDuplicate:
		ok(c, http.StatusOK, WebhookAck{Outcome: outcome})
	case services.OutcomeMalformed:
		var malformed *events.MalformedEventError
		if errors.As(err, &malformed) {
			fail(c, http.StatusBadRequest, ErrCodeMalformedEvent, malformed.Reason)
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeMalformedEvent, "event payload rejected")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Str("provider", provider).Msg("webhook ingestion failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to ingest event")
	}
}
