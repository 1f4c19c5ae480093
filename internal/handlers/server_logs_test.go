package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shellbox-dev/shellbox/internal/config"
)

func setupLogFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write log file: %v", err)
	}
	config.Cfg.LogPath = path
}

func TestGetServerLogs_Tail(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()
	setupLogFile(t, "line1\nline2\nline3\n")

	w := httptest.NewRecorder()
	GetServerLogs(w, httptest.NewRequest("GET", "/api/v1/server/logs?lines=2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result map[string]string
	json.NewDecoder(w.Body).Decode(&result)
	logs := result["logs"]
	if strings.Contains(logs, "line1") {
		t.Errorf("logs should only hold the last 2 lines, got %q", logs)
	}
	if !strings.Contains(logs, "line2") || !strings.Contains(logs, "line3") {
		t.Errorf("logs = %q, want the last 2 lines", logs)
	}
}

func TestGetServerLogs_MissingFileIsEmpty(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "does-not-exist.log")

	w := httptest.NewRecorder()
	GetServerLogs(w, httptest.NewRequest("GET", "/api/v1/server/logs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result map[string]string
	json.NewDecoder(w.Body).Decode(&result)
	if result["logs"] != "" {
		t.Errorf("logs = %q, want empty", result["logs"])
	}
}

func TestClearServerLogs(t *testing.T) {
	cleanup := setupHandlerTest(t)
	defer cleanup()
	setupLogFile(t, "old noise\n")

	w := httptest.NewRecorder()
	ClearServerLogs(w, httptest.NewRequest("DELETE", "/api/v1/server/logs", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	data, err := os.ReadFile(config.Cfg.LogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("log file still holds %d bytes", len(data))
	}
}
