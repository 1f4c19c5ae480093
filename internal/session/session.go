// Package session owns the lifecycle of one terminal session: a sandbox,
// an optional storage mount inside it, a PTY, and an idle timer. Every
// termination trigger (client disconnect, process exit, idle timeout,
// server shutdown) funnels into the same teardown path, which runs exactly
// once and attempts every step even when earlier ones fail.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellbox-dev/shellbox/internal/sandbox"
	"github.com/shellbox-dev/shellbox/internal/storage"
)

const (
	initScriptPath  = "/root/.shellbox.rc"
	teardownTimeout = 30 * time.Second

	defaultCols = 80
	defaultRows = 24
)

type State string

const (
	StateCreating        State = "creating"
	StateMountingStorage State = "mounting-storage"
	StateReady           State = "ready"
	StateTerminating     State = "terminating"
	StateDestroyed       State = "destroyed"
)

// ExitEvent is delivered exactly once per started session, after all
// preceding output. TimedOut distinguishes an idle-timeout teardown from
// the shell ending on its own.
type ExitEvent struct {
	Code     int
	TimedOut bool
}

type Config struct {
	// AttachName, when set, attaches to an existing sandbox instead of
	// provisioning a fresh one.
	AttachName  string
	Image       string
	CPULimit    string
	MemoryLimit string
	// IdleTimeout of zero disables the idle timer.
	IdleTimeout time.Duration
	// Storage, when non-nil, is mounted into the sandbox before the PTY
	// starts. Mounting requires a privileged sandbox.
	Storage storage.Backend
}

// Info is a point-in-time snapshot of a session for listings.
type Info struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	SandboxName    string    `json:"sandbox_name"`
	Backend        string    `json:"backend"`
	StorageBackend string    `json:"storage_backend,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Manager drives one session. All mutable state is guarded by mu; Start,
// Kill, and the idle timer serialize on it, so a Kill that arrives during
// Start waits for Start to finish rather than interleaving with it.
type Manager struct {
	ID       string
	provider sandbox.Provider
	cfg      Config

	mu          sync.Mutex
	state       State
	handle      *sandbox.Handle
	sandboxName string
	backendName string
	pty         *sandbox.Pty
	mounter     *storage.Mounter
	idle        *time.Timer
	killed      bool
	timedOut    bool
	startedAt   time.Time
	lastInput   time.Time
	ptyCancel   context.CancelFunc

	// done is closed when teardown has fully completed.
	done     chan struct{}
	exitOnce sync.Once
	onOutput func([]byte)
	onExit   func(ExitEvent)
}

func NewManager(provider sandbox.Provider, cfg Config) *Manager {
	return &Manager{
		ID:       uuid.New().String(),
		provider: provider,
		cfg:      cfg,
		state:    StateCreating,
		done:     make(chan struct{}),
	}
}

// Start brings the session up: sandbox, optional storage mount, init
// script, PTY, idle timer, output pump. onOutput receives PTY bytes in
// production order; onExit fires exactly once after the final output. On
// failure everything acquired so far is torn down before Start returns.
func (m *Manager) Start(ctx context.Context, onOutput func([]byte), onExit func(ExitEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killed {
		return &CreationError{Stage: "startup", Err: errors.New("session already terminated")}
	}
	m.onOutput = onOutput
	m.onExit = onExit
	m.startedAt = time.Now()
	m.lastInput = m.startedAt

	handle, err := m.acquireSandbox(ctx)
	if err != nil {
		m.killed = true
		m.teardownLocked()
		return err
	}
	m.handle = handle
	m.sandboxName = handle.Name
	m.backendName = handle.Backend

	if m.cfg.Storage != nil {
		m.state = StateMountingStorage
		m.mounter = storage.NewMounter(m.provider, handle)
		if err := m.mounter.Mount(ctx, m.cfg.Storage); err != nil {
			m.killed = true
			m.teardownLocked()
			return fmt.Errorf("mount storage: %w", err)
		}
	}

	if err := m.provider.WriteFile(ctx, handle, initScriptPath, m.initScript()); err != nil {
		m.killed = true
		m.teardownLocked()
		return &CreationError{Stage: "init script", Err: err}
	}

	ptyCtx, ptyCancel := context.WithCancel(context.Background())
	pty, err := m.provider.AttachPty(ptyCtx, handle, sandbox.PtyOptions{
		Command: []string{"/bin/bash", "--rcfile", initScriptPath, "-i"},
		Cols:    defaultCols,
		Rows:    defaultRows,
	})
	if err != nil {
		ptyCancel()
		m.killed = true
		m.teardownLocked()
		return &CreationError{Stage: "pty", Err: err}
	}
	m.pty = pty
	m.ptyCancel = ptyCancel

	if m.cfg.IdleTimeout > 0 {
		m.idle = time.AfterFunc(m.cfg.IdleTimeout, m.idleExpired)
	}
	m.state = StateReady

	go m.pump(pty)
	return nil
}

func (m *Manager) acquireSandbox(ctx context.Context) (*sandbox.Handle, error) {
	if m.cfg.AttachName != "" {
		handle, err := m.provider.Attach(ctx, m.cfg.AttachName)
		if err != nil {
			return nil, &CreationError{Stage: "attach", Err: err}
		}
		return handle, nil
	}
	handle, err := m.provider.Create(ctx, sandbox.CreateParams{
		Name:        "shellbox-" + m.ID[:8],
		Image:       m.cfg.Image,
		CPULimit:    m.cfg.CPULimit,
		MemoryLimit: m.cfg.MemoryLimit,
		Privileged:  m.cfg.Storage != nil,
	})
	if err != nil {
		return nil, &CreationError{Stage: "provision", Err: err}
	}
	return handle, nil
}

func (m *Manager) initScript() []byte {
	var b strings.Builder
	b.WriteString("export TERM=xterm-256color\n")
	b.WriteString("export LANG=C.UTF-8\n")
	b.WriteString("export SHELLBOX_SESSION=" + m.ID + "\n")
	b.WriteString(`export PS1='\u@shellbox:\w\$ '` + "\n")
	if m.mounter != nil && m.mounter.Mounted() {
		b.WriteString("cd " + storage.MountPoint + "\n")
		b.WriteString(`echo "Durable storage mounted at ` + storage.MountPoint + `"` + "\n")
	} else {
		b.WriteString("cd /root\n")
	}
	b.WriteString(`echo "Connected to sandbox $(hostname)"` + "\n")
	return []byte(b.String())
}

// pump copies PTY output to the session's sink, then delivers the exit
// event and tears the session down. It is the only deliverer of exit
// events, which keeps exit strictly after all preceding output.
func (m *Manager) pump(pty *sandbox.Pty) {
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := pty.Stdout.Read(buf)
		if n > 0 && m.onOutput != nil {
			m.onOutput(buf[:n])
		}
		if err != nil {
			readErr = err
			break
		}
	}

	code := 0
	if readErr != io.EOF {
		// The stream broke rather than ending: either the transport
		// failed or teardown closed the PTY underneath us.
		log.Printf("WARNING: session %s: %v", m.ID, &RuntimeError{Op: "pty read", Err: readErr})
		code = 1
	} else if c, err := pty.Wait(); err != nil {
		log.Printf("WARNING: session %s: %v", m.ID, &RuntimeError{Op: "pty wait", Err: err})
		code = 1
	} else {
		code = c
	}

	m.deliverExit(code)
	m.Kill()
}

func (m *Manager) deliverExit(code int) {
	m.exitOnce.Do(func() {
		m.mu.Lock()
		timedOut := m.timedOut
		onExit := m.onExit
		m.mu.Unlock()
		if onExit != nil {
			onExit(ExitEvent{Code: code, TimedOut: timedOut})
		}
	})
}

// Write forwards input bytes to the PTY and extends the idle deadline.
// Silently ignored unless the session is live.
func (m *Manager) Write(data []byte) {
	m.mu.Lock()
	if m.killed || m.pty == nil {
		m.mu.Unlock()
		return
	}
	pty := m.pty
	m.lastInput = time.Now()
	if m.idle != nil {
		m.idle.Stop()
		m.idle = time.AfterFunc(m.cfg.IdleTimeout, m.idleExpired)
	}
	m.mu.Unlock()

	// Outside the lock: PTY writes can block on backpressure, and a
	// failed write against a closing PTY is harmless.
	if _, err := pty.Stdin.Write(data); err != nil {
		log.Printf("WARNING: session %s: pty write: %v", m.ID, err)
	}
}

// Resize forwards a geometry change. Silently ignored unless the session
// is live. Resizes do not count as activity for the idle timer.
func (m *Manager) Resize(cols, rows uint16) {
	m.mu.Lock()
	if m.killed || m.pty == nil {
		m.mu.Unlock()
		return
	}
	pty := m.pty
	m.mu.Unlock()

	if err := pty.Resize(cols, rows); err != nil {
		log.Printf("WARNING: session %s: pty resize: %v", m.ID, err)
	}
}

// Kill tears the session down. It is idempotent and safe to call
// concurrently with itself, with the idle timer, with the exit watcher,
// and with an in-flight Start; later callers wait until the first
// teardown has completed.
func (m *Manager) Kill() {
	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.killed = true
	m.teardownLocked()
	m.mu.Unlock()
}

// idleExpired runs when the idle timer fires. A fire can race a Write
// that reset the timer; re-check the deadline under the lock and re-arm
// instead of killing when input arrived in the meantime.
func (m *Manager) idleExpired() {
	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		return
	}
	if remaining := m.cfg.IdleTimeout - time.Since(m.lastInput); remaining > 0 {
		m.idle = time.AfterFunc(remaining, m.idleExpired)
		m.mu.Unlock()
		return
	}
	log.Printf("session %s: idle for %s, terminating", m.ID, m.cfg.IdleTimeout)
	m.timedOut = true
	m.killed = true
	m.teardownLocked()
	m.mu.Unlock()
}

// teardownLocked runs the teardown sequence: stop the idle timer, close
// the PTY, unmount storage, destroy the sandbox, clear references. Every
// step is attempted even when earlier ones fail; failures are logged and
// swallowed. Callers must hold mu and have set killed first.
func (m *Manager) teardownLocked() {
	m.state = StateTerminating

	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}

	if m.pty != nil {
		if err := m.pty.Close(); err != nil {
			log.Printf("WARNING: session %s: close pty: %v", m.ID, err)
		}
		m.pty = nil
	}

	// The request context that started the session may be gone; teardown
	// gets its own bounded context so it always runs to completion.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if m.mounter != nil {
		m.mounter.Unmount(ctx)
		m.mounter = nil
	}

	if m.handle != nil {
		if err := m.provider.Destroy(ctx, m.handle); err != nil {
			log.Printf("WARNING: session %s: destroy sandbox %s: %v", m.ID, m.handle.Name, err)
		}
		m.handle = nil
	}

	if m.ptyCancel != nil {
		m.ptyCancel()
		m.ptyCancel = nil
	}

	m.state = StateDestroyed
	close(m.done)
}

// Done is closed once teardown has fully completed.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		ID:           m.ID,
		State:        string(m.state),
		SandboxName:  m.sandboxName,
		Backend:      m.backendName,
		StartedAt:    m.startedAt,
		LastActivity: m.lastInput,
	}
	if m.cfg.Storage != nil {
		info.StorageBackend = m.cfg.Storage.Name()
	}
	return info
}
