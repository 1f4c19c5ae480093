package handlers

import (
	"log"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/logutil"
	"github.com/shellbox-dev/shellbox/internal/session"
)

// Sessions serves the live-session endpoints backed by the injected
// registry.
type Sessions struct {
	Registry *session.Registry
}

func NewSessions(registry *session.Registry) *Sessions {
	return &Sessions{Registry: registry}
}

func (h *Sessions) List(w http.ResponseWriter, r *http.Request) {
	managers := h.Registry.List()
	infos := make([]session.Info, 0, len(managers))
	for _, m := range managers {
		infos = append(infos, m.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	})
}

// Terminate kills a live session. The audit record is finalized here
// first so the reason reads "terminated" rather than whatever exit the
// teardown produces.
func (h *Sessions) Terminate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}

	m, ok := h.Registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := database.FinalizeSessionRecord(sessionID, nil, database.ExitReasonTerminated); err != nil {
		log.Printf("WARNING: finalize session record %s: %v", logutil.SanitizeForLog(sessionID), err)
	}
	m.Kill()
	h.Registry.Remove(sessionID)

	log.Printf("Session %s terminated by %s", logutil.SanitizeForLog(sessionID), r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SessionHistory returns finished and active session audit records,
// newest first.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := database.ListSessionRecords(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list session history")
		return
	}

	type recordResponse struct {
		SessionID      string `json:"session_id"`
		SandboxName    string `json:"sandbox_name"`
		Backend        string `json:"backend"`
		StorageBackend string `json:"storage_backend,omitempty"`
		RemoteAddr     string `json:"remote_addr"`
		Status         string `json:"status"`
		ExitCode       *int   `json:"exit_code"`
		ExitReason     string `json:"exit_reason,omitempty"`
		StartedAt      string `json:"started_at"`
		EndedAt        string `json:"ended_at,omitempty"`
	}
	result := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp := recordResponse{
			SessionID:      rec.SessionID,
			SandboxName:    rec.SandboxName,
			Backend:        rec.Backend,
			StorageBackend: rec.StorageBackend,
			RemoteAddr:     rec.RemoteAddr,
			Status:         rec.Status,
			ExitCode:       rec.ExitCode,
			ExitReason:     rec.ExitReason,
			StartedAt:      formatTimestamp(rec.StartedAt),
		}
		if rec.EndedAt != nil {
			resp.EndedAt = formatTimestamp(*rec.EndedAt)
		}
		result = append(result, resp)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": result,
		"count":   len(result),
	})
}
