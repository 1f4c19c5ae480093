package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/logutil"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
	"github.com/shellbox-dev/shellbox/internal/session"
	"github.com/shellbox-dev/shellbox/internal/storage"
)

// terminalRateLimit defines the maximum number of messages allowed per
// second per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// maxInputMessageSize is the maximum size in bytes of a single input
// message. Larger messages are dropped.
const maxInputMessageSize = 64 * 1024 // 64 KB

// maxTermCols and maxTermRows are the upper bounds for resize requests;
// anything larger is clamped.
const (
	maxTermCols uint16 = 500
	maxTermRows uint16 = 200
)

const wsWriteTimeout = 10 * time.Second

const defaultIdleTimeout = 30 * time.Minute

// recordingMaxEntries bounds the in-memory transcript of one session;
// events past the cap are dropped.
const recordingMaxEntries = 100000

// termMsg is the wire format in both directions. Clients send input and
// resize; the server sends status, ready, output, and error.
type termMsg struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// Terminal serves the WebSocket relay: one connection, one session.
type Terminal struct {
	Registry *session.Registry
}

func NewTerminal(registry *session.Registry) *Terminal {
	return &Terminal{Registry: registry}
}

// wsSender serializes all writes to one connection; the WebSocket library
// forbids concurrent writes.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) send(ctx context.Context, msg termMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// tokenBucket implements a simple token bucket rate limiter for terminal
// messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

func settingOr(key, fallback string) string {
	val, err := database.GetSetting(key)
	if err != nil || val == "" {
		return fallback
	}
	return val
}

// sessionConfig resolves a session's configuration from settings, the
// environment, and the request. The ?sandbox= query parameter attaches to
// an existing sandbox instead of provisioning a fresh one.
func sessionConfig(r *http.Request) (session.Config, error) {
	cfg := session.Config{
		AttachName:  config.Cfg.AttachSandbox,
		Image:       settingOr("sandbox_image", config.Cfg.SandboxImage),
		CPULimit:    settingOr("sandbox_cpu", config.Cfg.SandboxCPU),
		MemoryLimit: settingOr("sandbox_memory", config.Cfg.SandboxMemory),
	}
	if name := r.URL.Query().Get("sandbox"); name != "" {
		cfg.AttachName = name
	}

	idle := settingOr("idle_timeout", config.Cfg.IdleTimeout)
	timeout, err := time.ParseDuration(idle)
	if err != nil || timeout < 0 {
		log.Printf("WARNING: invalid idle_timeout %q, using %s", logutil.SanitizeForLog(idle), defaultIdleTimeout)
		timeout = defaultIdleTimeout
	}
	cfg.IdleTimeout = timeout

	if storage.Enabled() {
		backend, err := storage.LoadBackend()
		if err != nil {
			return session.Config{}, err
		}
		cfg.Storage = backend
	}
	return cfg, nil
}

// ServeWS relays one WebSocket connection to one sandbox session. The
// client sees "status" while the session comes up, then "ready", then
// "output" frames; the connection ends with a "status" (session over) or
// "error" (session never started) frame.
func (t *Terminal) ServeWS(w http.ResponseWriter, r *http.Request) {
	provider := sandbox.Get()
	if provider == nil {
		writeError(w, http.StatusServiceUnavailable, "No sandbox backend available")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	sender := &wsSender{conn: conn}

	if err := sender.send(ctx, termMsg{Type: "status", Message: "Initializing session..."}); err != nil {
		return
	}

	cfg, err := sessionConfig(r)
	if err != nil {
		log.Printf("Terminal session config rejected: %v", err)
		sender.send(ctx, termMsg{Type: "error", Message: err.Error()})
		conn.Close(4500, "invalid session configuration")
		return
	}

	m := session.NewManager(provider, cfg)
	t.Registry.Add(m)
	defer t.Registry.Remove(m.ID)

	var rec *session.Recording
	if config.Cfg.RecordingDir != "" {
		rec = session.NewRecording(recordingMaxEntries)
	}
	defer saveRecording(rec, m.ID)

	record := &database.SessionRecord{
		SessionID:  m.ID,
		Backend:    provider.BackendName(),
		RemoteAddr: r.RemoteAddr,
	}
	if cfg.Storage != nil {
		record.StorageBackend = cfg.Storage.Name()
	}
	if err := database.CreateSessionRecord(record); err != nil {
		log.Printf("WARNING: create session record %s: %v", m.ID, err)
	}

	// Gate output behind the ready frame: the pump may produce bytes
	// before Start returns, and no output may precede "ready".
	ready := make(chan struct{})
	var lastExit struct {
		mu sync.Mutex
		ev *session.ExitEvent
	}

	onOutput := func(data []byte) {
		<-ready
		if rec != nil {
			rec.RecordOutput(data)
		}
		// A send failure means the client is gone; the read loop notices
		// and tears the session down.
		sender.send(ctx, termMsg{Type: "output", Data: string(data)})
	}
	onExit := func(ev session.ExitEvent) {
		lastExit.mu.Lock()
		lastExit.ev = &ev
		lastExit.mu.Unlock()

		var msg string
		if ev.TimedOut {
			msg = fmt.Sprintf("Session timed out after %s of inactivity", cfg.IdleTimeout)
		} else {
			msg = fmt.Sprintf("Session ended (exit code %d)", ev.Code)
		}
		sender.send(ctx, termMsg{Type: "status", Message: msg})
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}

	if err := m.Start(ctx, onOutput, onExit); err != nil {
		log.Printf("Session %s: start failed: %v", m.ID, err)
		sender.send(ctx, termMsg{Type: "error", Message: err.Error()})
		conn.Close(4500, "session start failed")
		database.FinalizeSessionRecord(m.ID, nil, database.ExitReasonError)
		return
	}

	info := m.Info()
	database.DB.Model(&database.SessionRecord{}).
		Where("session_id = ?", m.ID).
		Update("sandbox_name", info.SandboxName)
	log.Printf("Session %s ready: sandbox=%s backend=%s",
		m.ID, logutil.Truncate(logutil.SanitizeForLog(info.SandboxName), 80), info.Backend)

	if err := sender.send(ctx, termMsg{Type: "ready"}); err != nil {
		close(ready)
		m.Kill()
		database.FinalizeSessionRecord(m.ID, nil, database.ExitReasonTerminated)
		return
	}
	close(ready)

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser -> PTY. Empty, malformed, oversized, and unknown messages
	// are dropped without an error frame; keepalives are not failures.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}
		if len(data) == 0 {
			continue
		}

		var msg termMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if msg.Data == "" || len(msg.Data) > maxInputMessageSize {
				continue
			}
			if rec != nil {
				rec.RecordInput([]byte(msg.Data))
			}
			m.Write([]byte(msg.Data))
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols > maxTermCols {
				cols = maxTermCols
			}
			if rows > maxTermRows {
				rows = maxTermRows
			}
			m.Resize(cols, rows)
		}
	}

	// Snapshot the exit before Kill. If the shell already ended, the read
	// loop broke because onExit closed the connection, so the event is
	// already recorded. If there is no event yet, the client disconnect is
	// the cause of the teardown, not whatever exit the pump observes later.
	lastExit.mu.Lock()
	ev := lastExit.ev
	lastExit.mu.Unlock()

	m.Kill()

	switch {
	case ev == nil:
		database.FinalizeSessionRecord(m.ID, nil, database.ExitReasonTerminated)
	case ev.TimedOut:
		database.FinalizeSessionRecord(m.ID, &ev.Code, database.ExitReasonIdle)
	default:
		database.FinalizeSessionRecord(m.ID, &ev.Code, database.ExitReasonExited)
	}

	log.Printf("Session %s closed", m.ID)
}

func saveRecording(rec *session.Recording, sessionID string) {
	if rec == nil {
		return
	}
	path, err := rec.Save(config.Cfg.RecordingDir, sessionID)
	if err != nil {
		log.Printf("WARNING: save recording for session %s: %v", sessionID, err)
		return
	}
	if path != "" {
		log.Printf("Session %s transcript saved: %s", sessionID, path)
	}
}
