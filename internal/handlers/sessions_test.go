package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/session"
)

// newChiRequest creates an *http.Request carrying chi URL params.
func newChiRequest(method, path string, params map[string]string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func startTestSession(t *testing.T, fp *fakeProvider, reg *session.Registry) *session.Manager {
	t.Helper()
	m := session.NewManager(fp, session.Config{IdleTimeout: time.Minute})
	if err := m.Start(context.Background(), func([]byte) {}, func(session.ExitEvent) {}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	reg.Add(m)
	return m
}

func TestListSessions_Empty(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	h := NewSessions(session.NewRegistry())
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]interface{}
	json.NewDecoder(w.Body).Decode(&result)

	if count := result["count"].(float64); count != 0 {
		t.Errorf("expected count 0, got %.0f", count)
	}
	if sessions := result["sessions"].([]interface{}); len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestListSessions_ReturnsActive(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	fp := newFakeProvider()
	reg := session.NewRegistry()
	m1 := startTestSession(t, fp, reg)
	m2 := startTestSession(t, fp, reg)
	defer m1.Kill()
	defer m2.Kill()

	h := NewSessions(reg)
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]interface{}
	json.NewDecoder(w.Body).Decode(&result)

	sessions := result["sessions"].([]interface{})
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	seen := map[string]bool{}
	for _, s := range sessions {
		entry := s.(map[string]interface{})
		for _, field := range []string{"id", "state", "sandbox_name", "backend", "started_at", "last_activity"} {
			if _, ok := entry[field]; !ok {
				t.Errorf("session entry missing field %q", field)
			}
		}
		if entry["state"].(string) != "ready" {
			t.Errorf("state = %q, want ready", entry["state"])
		}
		seen[entry["id"].(string)] = true
	}
	if !seen[m1.ID] || !seen[m2.ID] {
		t.Errorf("missing session IDs, saw %v", seen)
	}
}

func TestTerminateSession_Success(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	fp := newFakeProvider()
	reg := session.NewRegistry()
	m := startTestSession(t, fp, reg)
	if err := database.CreateSessionRecord(&database.SessionRecord{SessionID: m.ID, Backend: "fake"}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	h := NewSessions(reg)
	w := httptest.NewRecorder()
	h.Terminate(w, newChiRequest("DELETE", "/api/v1/sessions/"+m.ID, map[string]string{"sessionId": m.ID}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if fp.destroys() != 1 {
		t.Errorf("destroy count = %d, want 1", fp.destroys())
	}
	if reg.Len() != 0 {
		t.Errorf("registry length = %d, want 0", reg.Len())
	}

	rec, err := database.GetSessionRecord(m.ID)
	if err != nil {
		t.Fatalf("session record: %v", err)
	}
	if rec.Status != database.SessionStatusEnded {
		t.Errorf("record status = %q, want ended", rec.Status)
	}
	if rec.ExitReason != database.ExitReasonTerminated {
		t.Errorf("exit reason = %q, want %q", rec.ExitReason, database.ExitReasonTerminated)
	}
}

func TestTerminateSession_NotFound(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	h := NewSessions(session.NewRegistry())
	w := httptest.NewRecorder()
	h.Terminate(w, newChiRequest("DELETE", "/api/v1/sessions/nope", map[string]string{"sessionId": "nope"}))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTerminateSession_MissingID(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	h := NewSessions(session.NewRegistry())
	w := httptest.NewRecorder()
	h.Terminate(w, newChiRequest("DELETE", "/api/v1/sessions/", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSessionHistory_NewestFirst(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	old := time.Now().Add(-2 * time.Hour)
	if err := database.CreateSessionRecord(&database.SessionRecord{
		SessionID: "old-sess", Backend: "docker", StartedAt: old,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	code := 0
	if err := database.FinalizeSessionRecord("old-sess", &code, database.ExitReasonExited); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := database.CreateSessionRecord(&database.SessionRecord{
		SessionID: "new-sess", Backend: "docker", StartedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := httptest.NewRecorder()
	SessionHistory(w, httptest.NewRequest("GET", "/api/v1/sessions/history", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]interface{}
	json.NewDecoder(w.Body).Decode(&result)

	records := result["records"].([]interface{})
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0].(map[string]interface{})
	if first["session_id"].(string) != "new-sess" {
		t.Errorf("first record = %q, want new-sess", first["session_id"])
	}
	if first["status"].(string) != database.SessionStatusActive {
		t.Errorf("first record status = %q, want active", first["status"])
	}
	if first["exit_code"] != nil {
		t.Errorf("active record exit_code = %v, want null", first["exit_code"])
	}

	second := records[1].(map[string]interface{})
	if second["session_id"].(string) != "old-sess" {
		t.Errorf("second record = %q, want old-sess", second["session_id"])
	}
	if second["exit_reason"].(string) != database.ExitReasonExited {
		t.Errorf("exit reason = %q", second["exit_reason"])
	}
	if second["ended_at"] == nil || second["ended_at"].(string) == "" {
		t.Error("ended record has no ended_at")
	}
	if ec := second["exit_code"].(float64); ec != 0 {
		t.Errorf("exit code = %.0f, want 0", ec)
	}
}

func TestSessionHistory_LimitParam(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := database.CreateSessionRecord(&database.SessionRecord{SessionID: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	w := httptest.NewRecorder()
	SessionHistory(w, httptest.NewRequest("GET", "/api/v1/sessions/history?limit=2", nil))
	var result map[string]interface{}
	json.NewDecoder(w.Body).Decode(&result)
	if count := result["count"].(float64); count != 2 {
		t.Errorf("count = %.0f, want 2", count)
	}

	// A garbage limit falls back to the default.
	w = httptest.NewRecorder()
	SessionHistory(w, httptest.NewRequest("GET", "/api/v1/sessions/history?limit=abc", nil))
	result = map[string]interface{}{}
	json.NewDecoder(w.Body).Decode(&result)
	if count := result["count"].(float64); count != 3 {
		t.Errorf("count = %.0f, want 3", count)
	}
}
