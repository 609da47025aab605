package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
)

func TestCreateEnrollment_And_GetByKey(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	e, err := CreateEnrollment(ctx, db, "camp-1", "lead@example.com", "enroll-A")
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}
	if e.Status != domain.StatusPending || e.StatusRank != 1 {
		t.Fatalf("fresh enrollment status = %s/%d, want pending/1", e.Status, e.StatusRank)
	}

	got, err := GetEnrollmentByKey(ctx, db, "enroll-A")
	if err != nil {
		t.Fatalf("GetEnrollmentByKey: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("resolved wrong enrollment: %s", got.ID)
	}

	if _, err := GetEnrollmentByKey(ctx, db, "enroll-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for missing key, got %v", err)
	}

	if _, err := CreateEnrollment(ctx, db, "camp-2", "other@example.com", "enroll-A"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate key should return ErrDuplicate, got %v", err)
	}
}

func TestIncrementCounter_NoLostUpdatesUnderContention(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	e, err := CreateEnrollment(ctx, db, "camp-1", "lead@example.com", "enroll-A")
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	const n = 200
	at := time.Now().UTC()
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := IncrementCounter(db, e.ID, "sent_count", at); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("IncrementCounter: %v", err)
	}

	got, err := GetEnrollment(ctx, db, e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.SentCount != n {
		t.Fatalf("sent_count = %d, want %d (lost updates)", got.SentCount, n)
	}
	if got.LastEventAt == nil {
		t.Fatalf("last_event_at should be set")
	}
}

func TestLastEventAt_NeverMovesBackwards(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	e, _ := CreateEnrollment(ctx, db, "camp-1", "lead@example.com", "enroll-A")

	now := time.Now().UTC().Truncate(time.Second)
	earlier := now.Add(-time.Hour)

	if err := IncrementCounter(db, e.ID, "opened_count", now); err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}

	// A late out-of-order delivery bumps its counter but must not rewind
	// last_event_at.
	if err := IncrementCounter(db, e.ID, "sent_count", earlier); err != nil {
		t.Fatalf("IncrementCounter(late): %v", err)
	}
	if err := TouchLastEvent(db, e.ID, earlier); err != nil {
		t.Fatalf("TouchLastEvent(late): %v", err)
	}
	if _, err := AdvanceStatus(db, e.ID, domain.StatusReplied, domain.StatusRank(domain.StatusReplied), earlier); err != nil {
		t.Fatalf("AdvanceStatus(late): %v", err)
	}

	got, _ := GetEnrollment(ctx, db, e.ID)
	if got.LastEventAt == nil || got.LastEventAt.Before(now) {
		t.Fatalf("last_event_at = %v, want >= %v", got.LastEventAt, now)
	}
	if got.SentCount != 1 || got.OpenedCount != 1 || got.Status != domain.StatusReplied {
		t.Fatalf("late event effects lost: %+v", got)
	}
}

func TestAdvanceStatus_ForwardOnly(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	e, _ := CreateEnrollment(ctx, db, "camp-1", "lead@example.com", "enroll-A")
	at := time.Now().UTC()

	advanced, err := AdvanceStatus(db, e.ID, domain.StatusReplied, domain.StatusRank(domain.StatusReplied), at)
	if err != nil || !advanced {
		t.Fatalf("advance to replied = (%v, %v)", advanced, err)
	}

	// Lower-ranked update matches zero rows.
	advanced, err = AdvanceStatus(db, e.ID, domain.StatusOpened, domain.StatusRank(domain.StatusOpened), at)
	if err != nil || advanced {
		t.Fatalf("downgrade should not advance, got (%v, %v)", advanced, err)
	}

	got, _ := GetEnrollment(ctx, db, e.ID)
	if got.Status != domain.StatusReplied {
		t.Fatalf("status = %s, want replied", got.Status)
	}
}

func TestAdvanceStatus_TerminalIsSticky(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	e, _ := CreateEnrollment(ctx, db, "camp-1", "lead@example.com", "enroll-A")
	at := time.Now().UTC()

	if advanced, err := AdvanceStatus(db, e.ID, domain.StatusBounced, domain.TerminalRank, at); err != nil || !advanced {
		t.Fatalf("advance to bounced = (%v, %v)", advanced, err)
	}

	// Neither another terminal nor a progression event moves a terminal status.
	if advanced, _ := AdvanceStatus(db, e.ID, domain.StatusUnsubscribed, domain.TerminalRank, at); advanced {
		t.Fatalf("terminal status must not change to another terminal")
	}
	if advanced, _ := AdvanceStatus(db, e.ID, domain.StatusReplied, domain.StatusRank(domain.StatusReplied), at); advanced {
		t.Fatalf("terminal status must not regress")
	}

	// Counters keep recording after a terminal status.
	if err := IncrementCounter(db, e.ID, "opened_count", at); err != nil {
		t.Fatalf("IncrementCounter after terminal: %v", err)
	}
	got, _ := GetEnrollment(ctx, db, e.ID)
	if got.Status != domain.StatusBounced || got.OpenedCount != 1 {
		t.Fatalf("got status=%s opened=%d, want bounced/1", got.Status, got.OpenedCount)
	}
}
