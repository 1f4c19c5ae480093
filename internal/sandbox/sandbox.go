package sandbox

import (
	"context"
	"io"
	"time"
)

// Handle is an opaque reference to one running sandbox. A handle is owned
// by exactly one session and destroyed exactly once.
type Handle struct {
	Name      string
	Backend   string
	Attached  bool
	CreatedAt time.Time
}

type CreateParams struct {
	Name        string
	Image       string
	CPULimit    string
	MemoryLimit string
	// Privileged is required for FUSE mounts inside the sandbox.
	Privileged bool
}

type PtyOptions struct {
	Command []string
	Cols    uint16
	Rows    uint16
}

// Pty is an interactive process stream inside a sandbox. Stdout delivers
// bytes in the order the process produced them; Wait blocks until the
// process ends and reports its exit code. Close tears the stream down and
// unblocks any pending read.
type Pty struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
	Wait   func() (int, error)
}

// Provider abstracts a sandbox backend with generic primitives: create or
// attach, exec, read/write files, interactive PTY, destroy.
type Provider interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// Lifecycle
	Create(ctx context.Context, params CreateParams) (*Handle, error)
	Attach(ctx context.Context, name string) (*Handle, error)
	Destroy(ctx context.Context, handle *Handle) error
	List(ctx context.Context) ([]Handle, error)

	// Primitives against a live sandbox
	Exec(ctx context.Context, handle *Handle, cmd []string) (stdout, stderr string, exitCode int, err error)
	WriteFile(ctx context.Context, handle *Handle, path string, data []byte) error
	ReadFile(ctx context.Context, handle *Handle, path string) ([]byte, error)
	AttachPty(ctx context.Context, handle *Handle, opts PtyOptions) (*Pty, error)
}
