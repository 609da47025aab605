package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique in-memory database per test; busy_timeout in the DSN so every
	// pooled connection waits out writer contention instead of erroring.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedEvent(t *testing.T, db *gorm.DB, provider, providerEventID, eventType, key string) *domain.WebhookEvent {
	t.Helper()
	e := &domain.WebhookEvent{
		Provider:        provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		EnrollmentKey:   key,
		OccurredAt:      time.Now().UTC(),
		Payload:         []byte(`{}`),
	}
	if err := CreateEvent(context.Background(), db, e); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return e
}

func TestCreateEvent_PinsMissingOccurredAt(t *testing.T) {
	db := newRepoDB(t)
	e := &domain.WebhookEvent{
		Provider:        "acme",
		ProviderEventID: "evt-nots",
		EventType:       domain.EventSent,
		EnrollmentKey:   "k",
		Payload:         []byte(`{}`),
	}
	if err := CreateEvent(context.Background(), db, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.OccurredAt.IsZero() || !e.OccurredAt.Equal(e.CreatedAt) {
		t.Fatalf("occurred_at = %v, want pinned to receipt time %v", e.OccurredAt, e.CreatedAt)
	}
}

func TestCreateEvent_DuplicateKeyRejected(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	seedEvent(t, db, "smartlead", "evt-1", domain.EventSent, "enroll-A")

	dup := &domain.WebhookEvent{
		Provider:        "smartlead",
		ProviderEventID: "evt-1",
		EventType:       domain.EventSent,
		EnrollmentKey:   "enroll-A",
		OccurredAt:      time.Now().UTC(),
	}
	if err := CreateEvent(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same provider event ID under a different provider is a new event.
	other := &domain.WebhookEvent{
		Provider:        "heyreach",
		ProviderEventID: "evt-1",
		EventType:       domain.EventSent,
		EnrollmentKey:   "enroll-A",
		OccurredAt:      time.Now().UTC(),
	}
	if err := CreateEvent(ctx, db, other); err != nil {
		t.Fatalf("distinct provider should insert: %v", err)
	}
}

func TestCreateEvent_ConcurrentDuplicates_ExactlyOneWins(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &domain.WebhookEvent{
				Provider:        "smartlead",
				ProviderEventID: "race-evt",
				EventType:       domain.EventSent,
				EnrollmentKey:   "enroll-A",
				OccurredAt:      time.Now().UTC(),
			}
			errs[i] = CreateEvent(ctx, db, e)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Fatalf("want exactly 1 insert and %d duplicates, got %d/%d", n-1, ok, dup)
	}

	var count int64
	db.Model(&domain.WebhookEvent{}).Where("provider_event_id = ?", "race-evt").Count(&count)
	if count != 1 {
		t.Fatalf("durable rows = %d, want 1", count)
	}
}

func TestMarkEventApplied_ClaimIsExactlyOnce(t *testing.T) {
	db := newRepoDB(t)
	e := seedEvent(t, db, "smartlead", "evt-claim", domain.EventOpened, "enroll-A")

	now := time.Now().UTC()
	claimed, err := MarkEventApplied(db, e.ID, now)
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = MarkEventApplied(db, e.ID, now.Add(time.Second))
	if err != nil || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", claimed, err)
	}

	got, err := GetEvent(context.Background(), db, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !got.Applied() {
		t.Fatalf("event should report applied")
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	db := newRepoDB(t)
	if _, err := GetEvent(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetEventByProviderID(t *testing.T) {
	db := newRepoDB(t)
	e := seedEvent(t, db, "heyreach", "hr-9", domain.EventReplied, "enroll-B")

	got, err := GetEventByProviderID(context.Background(), db, "heyreach", "hr-9")
	if err != nil {
		t.Fatalf("GetEventByProviderID: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("got ID %s, want %s", got.ID, e.ID)
	}
	if _, err := GetEventByProviderID(context.Background(), db, "heyreach", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIncrementEventAttempts(t *testing.T) {
	db := newRepoDB(t)
	e := seedEvent(t, db, "smartlead", "evt-att", domain.EventSent, "enroll-A")

	for i := 0; i < 3; i++ {
		if err := IncrementEventAttempts(context.Background(), db, e.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	got, _ := GetEvent(context.Background(), db, e.ID)
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
}
