// Package domain defines the persistence models for webhook events,
// enrollments, the orphaned-event queue, and the dead-letter store. These
// types are mapped with GORM and form the core data layer of the
// reconciliation service.
//
// This file defines the enrollment status machine. Statuses carry a fixed
// numeric rank and only ever advance to a strictly higher rank; terminal
// statuses (bounced, unsubscribed) share the highest rank and are therefore
// sticky. The rank is persisted alongside the status string so the forward
// -only rule can be enforced in a single guarded SQL UPDATE rather than an
// application-level read-then-write.
package domain

// Enrollment status values, ordered by rank.
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusDelivered    = "delivered"
	StatusOpened       = "opened"
	StatusClicked      = "clicked"
	StatusReplied      = "replied"
	StatusBounced      = "bounced"
	StatusUnsubscribed = "unsubscribed"
)

// Canonical webhook event types. Providers report these under various
// dialect-specific names; the events package normalizes them to this set.
const (
	EventSent         = "sent"
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventReplied      = "replied"
	EventBounced      = "bounced"
	EventUnsubscribed = "unsubscribed"
)

// TerminalRank is the rank shared by bounced and unsubscribed. Nothing
// outranks it, so once reached the status can never change again.
const TerminalRank = 7

// statusRanks maps each status to its position in the progression.
// replied doubles as "completed" for reporting purposes.
var statusRanks = map[string]int{
	StatusPending:      1,
	StatusSent:         2,
	StatusDelivered:    3,
	StatusOpened:       4,
	StatusClicked:      5,
	StatusReplied:      6,
	StatusBounced:      TerminalRank,
	StatusUnsubscribed: TerminalRank,
}

// eventStatus maps a canonical event type to the enrollment status it
// implies. Every canonical event type has an entry; unknown types rank 0.
var eventStatus = map[string]string{
	EventSent:         StatusSent,
	EventDelivered:    StatusDelivered,
	EventOpened:       StatusOpened,
	EventClicked:      StatusClicked,
	EventReplied:      StatusReplied,
	EventBounced:      StatusBounced,
	EventUnsubscribed: StatusUnsubscribed,
}

// counterColumns maps a canonical event type to the enrollment counter
// column it increments. Terminal events carry no counter of their own.
var counterColumns = map[string]string{
	EventSent:      "sent_count",
	EventDelivered: "delivered_count",
	EventOpened:    "opened_count",
	EventClicked:   "clicked_count",
	EventReplied:   "replied_count",
}

// StatusRank returns the rank of a status, or 0 if the status is unknown.
func StatusRank(status string) int { return statusRanks[status] }

// IsTerminalStatus reports whether a status freezes further transitions.
func IsTerminalStatus(status string) bool { return statusRanks[status] == TerminalRank }

// StatusForEvent returns the enrollment status implied by a canonical event
// type together with its rank. Unknown event types return ("", 0).
func StatusForEvent(eventType string) (status string, rank int) {
	s, ok := eventStatus[eventType]
	if !ok {
		return "", 0
	}
	return s, statusRanks[s]
}

// CounterColumn returns the enrollment counter column incremented by a
// canonical event type, or "" when the event type carries no counter
// (bounced and unsubscribed record status only).
func CounterColumn(eventType string) string { return counterColumns[eventType] }

// IsCanonicalEventType reports whether t belongs to the canonical event set.
func IsCanonicalEventType(t string) bool {
	_, ok := eventStatus[t]
	return ok
}
