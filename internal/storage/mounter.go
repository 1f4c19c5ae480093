package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
)

// azure CLI credential artifacts copied into the sandbox for delegated
// identity. Each is best-effort: a missing file is skipped, not fatal.
var azureArtifacts = []string{
	"azureProfile.json",
	"msal_token_cache.json",
	"msal_http_cache.bin",
	"service_principal_entries.json",
}

const azureSandboxDir = "/root/.azure"

// SandboxIO is the slice of the sandbox provider the Mounter drives.
type SandboxIO interface {
	Exec(ctx context.Context, handle *sandbox.Handle, cmd []string) (stdout, stderr string, exitCode int, err error)
	WriteFile(ctx context.Context, handle *sandbox.Handle, path string, data []byte) error
	ReadFile(ctx context.Context, handle *sandbox.Handle, path string) ([]byte, error)
}

// Mounter attaches and detaches one storage backend on one sandbox. It is
// owned by a single session and is not safe for concurrent use.
type Mounter struct {
	io      SandboxIO
	handle  *sandbox.Handle
	mounted bool
	active  Backend
}

func NewMounter(io SandboxIO, handle *sandbox.Handle) *Mounter {
	return &Mounter{io: io, handle: handle}
}

// Mounted reports whether storage is currently attached.
func (m *Mounter) Mounted() bool { return m.mounted }

// BackendName returns the active backend's name, or "" when not mounted.
func (m *Mounter) BackendName() string {
	if !m.mounted {
		return ""
	}
	return m.active.Name()
}

// Mount validates the backend config, writes the credential payload into
// the sandbox, runs the mount plan in order and verifies the mount took
// effect. Validation failures return before any remote command runs.
func (m *Mounter) Mount(ctx context.Context, backend Backend) error {
	if err := backend.Validate(); err != nil {
		return err
	}

	if backend.DelegatedIdentity() {
		if err := m.prepareDelegatedIdentity(ctx); err != nil {
			return err
		}
	}

	payload, err := backend.CredentialsPayload()
	if err != nil {
		return err
	}
	if err := m.io.WriteFile(ctx, m.handle, backend.CredentialsPath(), payload); err != nil {
		return &MountError{Backend: backend.Name(), Output: err.Error()}
	}

	for _, cmd := range backend.MountPlan() {
		_, stderr, code, err := m.io.Exec(ctx, m.handle, []string{"sh", "-c", cmd})
		if err != nil {
			return m.mountError(ctx, backend, cmd, err.Error())
		}
		if code != 0 {
			return m.mountError(ctx, backend, cmd, strings.TrimSpace(stderr))
		}
	}

	// The mount binary can exit zero without the filesystem actually
	// being attached (it daemonizes). Probe before trusting it.
	probe := fmt.Sprintf("mountpoint -q %s", MountPoint)
	_, _, code, err := m.io.Exec(ctx, m.handle, []string{"sh", "-c", probe})
	if err != nil {
		return m.mountError(ctx, backend, probe, err.Error())
	}
	if code != 0 {
		return m.mountError(ctx, backend, probe, "mount verification failed: not a mountpoint")
	}

	m.mounted = true
	m.active = backend
	log.Printf("Storage mounted in %s via %s", m.handle.Name, backend.Name())
	return nil
}

// prepareDelegatedIdentity verifies the az CLI inside the sandbox, copies
// the host's az credential artifacts in, and requires an authenticated
// identity.
func (m *Mounter) prepareDelegatedIdentity(ctx context.Context) error {
	_, _, code, err := m.io.Exec(ctx, m.handle, []string{"sh", "-c", "command -v az"})
	if err != nil {
		return &AuthenticationError{Reason: fmt.Sprintf("az CLI check failed: %v", err)}
	}
	if code != 0 {
		return &AuthenticationError{Reason: "az CLI not found in sandbox"}
	}

	srcDir := config.Cfg.AzureConfigDir
	if srcDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			srcDir = filepath.Join(home, ".azure")
		}
	}
	for _, name := range azureArtifacts {
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if err != nil {
			log.Printf("Skipping azure artifact %s: %v", name, err)
			continue
		}
		dst := azureSandboxDir + "/" + name
		if err := m.io.WriteFile(ctx, m.handle, dst, data); err != nil {
			log.Printf("Failed to copy azure artifact %s: %v", name, err)
		}
	}

	_, stderr, code, err := m.io.Exec(ctx, m.handle, []string{"sh", "-c", "az account show"})
	if err != nil {
		return &AuthenticationError{Reason: fmt.Sprintf("az account show failed: %v", err)}
	}
	if code != 0 {
		return &AuthenticationError{Reason: fmt.Sprintf("no authenticated az identity: %s", strings.TrimSpace(stderr))}
	}
	return nil
}

// mountError builds a MountError, pulling the backend's log tail for
// diagnostics when it can be read. Log retrieval failure is silent.
func (m *Mounter) mountError(ctx context.Context, backend Backend, cmd, output string) *MountError {
	mErr := &MountError{Backend: backend.Name(), Cmd: cmd, Output: output}
	if data, err := m.io.ReadFile(ctx, m.handle, backend.LogPath()); err == nil {
		mErr.LogTail = tailLines(string(data), 20)
	}
	return mErr
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Unmount detaches storage. It never fails: errors are logged and the
// mount state is cleared unconditionally so teardown can proceed.
func (m *Mounter) Unmount(ctx context.Context) {
	if !m.mounted {
		return
	}
	cmd := m.active.UnmountCommand()
	_, stderr, code, err := m.io.Exec(ctx, m.handle, []string{"sh", "-c", cmd})
	if err != nil {
		log.Printf("WARNING: unmount in %s failed: %v", m.handle.Name, err)
	} else if code != 0 {
		log.Printf("WARNING: unmount in %s exited %d: %s", m.handle.Name, code, strings.TrimSpace(stderr))
	}
	m.mounted = false
	m.active = nil
}
