package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/services"
)

func adminRouter(dl DeadLetterAdmin, stats OrphanStatsFn) *gin.Engine {
	r := gin.New()
	if stats == nil {
		stats = func(context.Context) (int64, *time.Time, error) { return 0, nil, nil }
	}
	h := New(&fakeProcessor{}, dl, stats)
	r.GET("/api/v1/dead-letters", h.ListDeadLetters)
	r.POST("/api/v1/dead-letters/:id/replay", h.ReplayDeadLetter)
	r.POST("/api/v1/dead-letters/:id/ignore", h.IgnoreDeadLetter)
	r.GET("/api/v1/orphans/stats", h.GetOrphanStats)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListDeadLetters_EnvelopeAndDefaults(t *testing.T) {
	dl := &fakeDeadLetters{
		entries: []domain.DeadLetterEntry{{ID: "dl-1", Provider: "acme", Status: domain.DeadLetterFailed}},
		total:   7,
	}
	w := get(adminRouter(dl, nil), "/api/v1/dead-letters")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}

	var resp DeadLetterListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.Page != 1 || resp.Pagination.PageSize != 20 || resp.Pagination.TotalItems != 7 {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "dl-1" {
		t.Fatalf("items = %+v", resp.Items)
	}
}

func TestListDeadLetters_EmptyListIsNotNull(t *testing.T) {
	w := get(adminRouter(&fakeDeadLetters{}, nil), "/api/v1/dead-letters")
	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Fatalf("body = %s, want empty array", w.Body.String())
	}
}

func TestListDeadLetters_BadTimeFilter(t *testing.T) {
	w := get(adminRouter(&fakeDeadLetters{}, nil), "/api/v1/dead-letters?from=yesterday")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad from = %d, want 400", w.Code)
	}
	w = get(adminRouter(&fakeDeadLetters{}, nil), "/api/v1/dead-letters?to=2026-13-99")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad to = %d, want 400", w.Code)
	}
}

func TestReplayDeadLetter_ErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{services.ErrDeadLetterNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrDeadLetterNotReplayable, http.StatusConflict, ErrCodeNotReplayable},
	}
	for _, tc := range cases {
		r := adminRouter(&fakeDeadLetters{err: tc.err}, nil)
		w := post(r, "/api/v1/dead-letters/dl-1/replay", "")
		if w.Code != tc.wantStatus {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.wantStatus)
		}
		if !strings.Contains(w.Body.String(), tc.wantCode) {
			t.Fatalf("%v: body = %s", tc.err, w.Body.String())
		}
	}
}

func TestReplayDeadLetter_ReturnsRefreshedEntry(t *testing.T) {
	now := time.Now().UTC()
	dl := &fakeDeadLetters{entry: &domain.DeadLetterEntry{
		ID:         "dl-1",
		Status:     domain.DeadLetterReplayed,
		ReplayedAt: &now,
	}}
	w := post(adminRouter(dl, nil), "/api/v1/dead-letters/dl-1/replay", "")
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"replayed"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestIgnoreDeadLetter(t *testing.T) {
	dl := &fakeDeadLetters{entry: &domain.DeadLetterEntry{ID: "dl-1", Status: domain.DeadLetterIgnored}}
	w := post(adminRouter(dl, nil), "/api/v1/dead-letters/dl-1/ignore", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ignored"`) {
		t.Fatalf("ignore = %d, body %s", w.Code, w.Body.String())
	}
}

func TestGetOrphanStats(t *testing.T) {
	oldest := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	stats := func(context.Context) (int64, *time.Time, error) { return 3, &oldest, nil }
	w := get(adminRouter(&fakeDeadLetters{}, stats), "/api/v1/orphans/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var resp OrphanStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Depth != 3 || resp.OldestEnqueued == nil || !resp.OldestEnqueued.Equal(oldest) {
		t.Fatalf("resp = %+v", resp)
	}
}
