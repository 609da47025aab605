// Package domain defines the persistence models for webhook events,
// enrollments, the orphaned-event queue, and the dead-letter store.
package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the canonical, provider-agnostic form of a webhook
// notification. A row in this table serves three purposes at once:
//
//   - Deduplication gate: the composite unique index on
//     (provider, provider_event_id) is the durable idempotency constraint.
//     Insertion is the claim; a unique violation is the duplicate signal.
//   - Audit log: every accepted event stays recorded, including events
//     arriving after the enrollment already reached a terminal status.
//   - Exactly-once effects: AppliedAt is set via a guarded UPDATE
//     (WHERE applied_at IS NULL) inside the reconciliation transaction, so
//     a replay racing an organic retry can never apply effects twice.
//
// Rows are immutable after creation except Attempts and AppliedAt.
type WebhookEvent struct {
	ID              string          `json:"id"                gorm:"type:char(36);primaryKey"`
	Provider        string          `json:"provider"          gorm:"type:varchar(64);not null;uniqueIndex:ux_provider_event,priority:1"`
	ProviderEventID string          `json:"provider_event_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_provider_event,priority:2"`
	EventType       string          `json:"event_type"        gorm:"type:varchar(32);not null"`
	EnrollmentKey   string          `json:"enrollment_key"    gorm:"type:varchar(128);not null;index"`
	OccurredAt      time.Time       `json:"occurred_at"       gorm:"type:DATETIME;not null"`
	Payload         json.RawMessage `json:"payload"           gorm:"type:text"`
	Attempts        int             `json:"attempts"          gorm:"not null;default:0"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty" gorm:"type:DATETIME"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// Applied reports whether the event's effects were already reconciled.
func (e *WebhookEvent) Applied() bool { return e.AppliedAt != nil }

// Enrollment tracks a contact's progress through one campaign instance.
// Enrollments are created by the external enrollment workflow; this
// subsystem only ever reads them and mutates status/counters through the
// reconciler.
//
// Status and StatusRank are updated together inside a guarded UPDATE
// (WHERE status_rank < new rank), so the status only ever advances through
// the fixed progression and terminal statuses are sticky. Counter columns
// are incremented with SQL expressions (col = col + 1), never via
// read-modify-write in application code.
type Enrollment struct {
	ID                 string     `json:"id"                   gorm:"type:char(36);primaryKey"`
	CampaignInstanceID string     `json:"campaign_instance_id" gorm:"type:char(36);not null;index"`
	ContactIdentifier  string     `json:"contact_identifier"   gorm:"type:varchar(255);not null;index"`
	EnrollmentKey      string     `json:"enrollment_key"       gorm:"type:varchar(128);not null;uniqueIndex:ux_enrollment_key"`
	Status             string     `json:"status"               gorm:"type:varchar(16);not null;default:'pending'"`
	StatusRank         int        `json:"-"                    gorm:"not null;default:1"`
	SentCount          int64      `json:"sent_count"           gorm:"not null;default:0"`
	DeliveredCount     int64      `json:"delivered_count"      gorm:"not null;default:0"`
	OpenedCount        int64      `json:"opened_count"         gorm:"not null;default:0"`
	ClickedCount       int64      `json:"clicked_count"        gorm:"not null;default:0"`
	RepliedCount       int64      `json:"replied_count"        gorm:"not null;default:0"`
	LastEventAt        *time.Time `json:"last_event_at,omitempty" gorm:"type:DATETIME"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Enrollment.
func (Enrollment) TableName() string { return "enrollments" }

// OrphanedEvent is a durable retry entry for an event whose enrollment did
// not exist at processing time. Entries are owned exclusively by the retry
// scheduler: removed when a retry resolves, or moved to the dead-letter
// store once the attempt budget is exhausted.
type OrphanedEvent struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	EventID       string    `json:"event_id"       gorm:"type:char(36);not null;uniqueIndex:ux_orphan_event"`
	EnrollmentKey string    `json:"enrollment_key" gorm:"type:varchar(128);not null;index"`
	EnqueuedAt    time.Time `json:"enqueued_at"    gorm:"type:DATETIME;not null"`
	NextRetryAt   time.Time `json:"next_retry_at"  gorm:"type:DATETIME;not null;index"`
	Attempts      int       `json:"attempts"       gorm:"not null;default:0"`
	LastError     string    `json:"last_error"     gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`

	// Event is the canonical event awaiting its enrollment. Queue entries
	// are cascade-deleted if the event row is removed.
	Event WebhookEvent `json:"-" gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for OrphanedEvent.
func (OrphanedEvent) TableName() string { return "orphaned_events" }

// Dead-letter entry lifecycle states.
const (
	DeadLetterFailed    = "failed"
	DeadLetterReplaying = "replaying"
	DeadLetterReplayed  = "replayed"
	DeadLetterIgnored   = "ignored"
)

// DeadLetterEntry is the terminal sink for events that could not be
// applied: retry-budget exhaustion or a payload that failed normalization.
// The entry carries the full event material (provider identifiers, type,
// key, raw payload) so an operator replay never depends on the original
// delivery still being reconstructable elsewhere.
type DeadLetterEntry struct {
	ID              string          `json:"id"                gorm:"type:char(36);primaryKey"`
	EventID         *string         `json:"event_id,omitempty" gorm:"type:char(36);index"`
	Provider        string          `json:"provider"          gorm:"type:varchar(64);not null;index"`
	ProviderEventID string          `json:"provider_event_id" gorm:"type:varchar(128)"`
	EventType       string          `json:"event_type"        gorm:"type:varchar(32)"`
	EnrollmentKey   string          `json:"enrollment_key"    gorm:"type:varchar(128);index"`
	Payload         json.RawMessage `json:"payload"           gorm:"type:text"`
	FailureReason   string          `json:"failure_reason"    gorm:"type:text;not null"`
	Attempts        int             `json:"attempts"          gorm:"not null;default:0"`
	Status          string          `json:"status"            gorm:"type:varchar(16);not null;default:'failed';index"`
	CreatedAt       time.Time       `json:"created_at"        gorm:"index"`
	ReplayedAt      *time.Time      `json:"replayed_at,omitempty" gorm:"type:DATETIME"`
}

// TableName returns the database table name for DeadLetterEntry.
func (DeadLetterEntry) TableName() string { return "dead_letter_entries" }
