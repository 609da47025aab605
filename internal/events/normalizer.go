// Package events translates provider-specific webhook payloads into the
// canonical event form used by the rest of the pipeline.
//
// Normalization is a pure function: no clock reads beyond a fallback
// timestamp, no storage, no provider calls. Retries and replays re-invoke it
// on the stored raw payload and must get the identical result.
//
// Authentication (signature verification, replay windows, IP filtering) is
// performed upstream; payloads reaching this package are assumed to have
// passed that gate already.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

// MalformedEventError reports a payload that cannot be normalized: required
// fields (event type, event identifier, enrollment key material) are absent
// or unparseable. Malformed payloads are never retried; retrying a
// structurally broken payload cannot help.
type MalformedEventError struct {
	Provider string
	Reason   string
}

// Error implements the error interface.
func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Provider, e.Reason)
}

// dialect describes how one provider names the canonical fields. Field name
// lists are tried in order; the first present, non-empty value wins.
type dialect struct {
	typeFields []string
	idFields   []string
	keyFields  []string
	timeFields []string
	// typeAliases maps the provider's event-type vocabulary onto the
	// canonical set. Lookup is case-insensitive.
	typeAliases map[string]string
}

// dialects covers the outreach providers the platform integrates:
// smartlead (email), heyreach (LinkedIn), sendspark (video). Unknown
// providers fall back to the generic dialect, which accepts the canonical
// field names plus common aliases.
var dialects = map[string]dialect{
	"smartlead": {
		typeFields: []string{"event_type"},
		idFields:   []string{"event_id", "stats_id"},
		keyFields:  []string{"campaign_lead_map_id", "lead_map_id"},
		timeFields: []string{"event_timestamp", "time_sent"},
		typeAliases: map[string]string{
			"email_sent":        domain.EventSent,
			"email_delivered":   domain.EventDelivered,
			"email_open":        domain.EventOpened,
			"email_link_click":  domain.EventClicked,
			"email_reply":       domain.EventReplied,
			"email_bounce":      domain.EventBounced,
			"lead_unsubscribed": domain.EventUnsubscribed,
		},
	},
	"heyreach": {
		typeFields: []string{"event", "event_type"},
		idFields:   []string{"event_id", "webhook_event_id"},
		keyFields:  []string{"campaign_contact_id", "lead_id"},
		timeFields: []string{"timestamp", "occurred_at"},
		typeAliases: map[string]string{
			"message_sent":      domain.EventSent,
			"message_delivered": domain.EventDelivered,
			"message_seen":      domain.EventOpened,
			"link_clicked":      domain.EventClicked,
			"message_replied":   domain.EventReplied,
			"inmail_bounced":    domain.EventBounced,
			"contact_opted_out": domain.EventUnsubscribed,
		},
	},
	"sendspark": {
		typeFields: []string{"type", "event_type"},
		idFields:   []string{"id", "event_id"},
		keyFields:  []string{"share_id", "recipient_id"},
		timeFields: []string{"created_at", "timestamp"},
		typeAliases: map[string]string{
			"video_sent":    domain.EventSent,
			"video_played":  domain.EventOpened,
			"video_watched": domain.EventOpened,
			"cta_clicked":   domain.EventClicked,
			"video_replied": domain.EventReplied,
		},
	},
}

// generic accepts canonical names plus the aliases shared by most webhook
// shapes in the wild.
var generic = dialect{
	typeFields: []string{"event_type", "type", "event"},
	idFields:   []string{"event_id", "id", "message_id"},
	keyFields:  []string{"enrollment_key", "enrollment_id", "lead_id"},
	timeFields: []string{"occurred_at", "timestamp", "event_timestamp"},
}

// Normalize converts a provider payload into a canonical WebhookEvent.
// The returned event has no ID yet; persistence assigns one. Attempts start
// at zero and the raw payload is carried verbatim for audit and replay.
func Normalize(provider string, payload []byte) (*domain.WebhookEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, &MalformedEventError{Provider: "unknown", Reason: "provider name is empty"}
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &MalformedEventError{Provider: provider, Reason: "payload is not a JSON object"}
	}

	d, ok := dialects[provider]
	if !ok {
		d = generic
	}

	rawType := firstString(fields, d.typeFields)
	if rawType == "" {
		return nil, &MalformedEventError{Provider: provider, Reason: "event type is missing"}
	}
	eventType := canonicalType(d, rawType)
	if eventType == "" {
		return nil, &MalformedEventError{Provider: provider, Reason: fmt.Sprintf("unknown event type %q", rawType)}
	}

	eventID := firstString(fields, d.idFields)
	if eventID == "" {
		return nil, &MalformedEventError{Provider: provider, Reason: "event identifier is missing"}
	}

	key := firstString(fields, d.keyFields)
	if key == "" {
		return nil, &MalformedEventError{Provider: provider, Reason: "enrollment key material is missing"}
	}

	// Zero when the payload carries no parseable timestamp; the persistence
	// layer pins a receipt time so repeated normalization stays deterministic.
	occurredAt := firstTime(fields, d.timeFields)

	return &domain.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		EnrollmentKey:   key,
		OccurredAt:      occurredAt,
		Payload:         json.RawMessage(payload),
	}, nil
}

// canonicalType resolves a provider's event-type name to the canonical set.
// Canonical names pass through for every dialect, so stored events can be
// re-normalized during replay regardless of which dialect produced them.
func canonicalType(d dialect, raw string) string {
	low := strings.ToLower(strings.TrimSpace(raw))
	if domain.IsCanonicalEventType(low) {
		return low
	}
	if d.typeAliases != nil {
		return d.typeAliases[low]
	}
	return ""
}

// firstString returns the first non-empty string (or stringified number)
// among the named fields.
func firstString(fields map[string]any, names []string) string {
	for _, n := range names {
		switch v := fields[n].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			// JSON numbers used as identifiers (e.g. numeric lead IDs).
			if v == float64(int64(v)) {
				return fmt.Sprintf("%d", int64(v))
			}
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// firstTime parses the first usable timestamp among the named fields.
// Accepts RFC 3339 strings and unix epoch seconds.
func firstTime(fields map[string]any, names []string) time.Time {
	for _, n := range names {
		switch v := fields[n].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				return t.UTC()
			}
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC()
			}
		}
	}
	return time.Time{}
}
