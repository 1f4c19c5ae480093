// Package storage generates mount configuration for durable network
// storage backends and drives the mount/unmount sequence against a live
// sandbox. Descriptors are pure; only the Mounter touches the sandbox.
package storage

import "fmt"

// MountPoint is where durable storage appears inside every sandbox,
// regardless of backend.
const MountPoint = "/mnt/storage"

// Backend is one storage backend in one auth mode, carrying exactly the
// fields that mode requires. Descriptor methods are pure: they compute
// payloads and command sequences without touching the sandbox.
type Backend interface {
	Name() string

	// Validate reports a ConfigurationError when a required field is
	// missing. Nothing is attempted against the sandbox in that case.
	Validate() error

	// DelegatedIdentity is true when the backend authenticates through
	// ambient host credentials instead of key material.
	DelegatedIdentity() bool

	// CredentialsPayload is the content of the credential or config file
	// the mount binary reads.
	CredentialsPayload() ([]byte, error)
	CredentialsPath() string

	// MountPlan is the ordered command sequence that attaches the store.
	// Order matters: the credential file permission fix must precede the
	// mount invocation.
	MountPlan() []string

	// UnmountCommand detaches the store. It is safe to run when nothing
	// is mounted.
	UnmountCommand() string

	LogPath() string
}

// ConfigurationError is a missing or invalid piece of storage
// configuration. It is raised before any remote command runs.
type ConfigurationError struct {
	Backend string
	Field   string // missing field; empty when Reason applies
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("storage %s: missing required field %s", e.Backend, e.Field)
	}
	return fmt.Sprintf("storage %s: %s", e.Backend, e.Reason)
}

// AuthenticationError is a failed delegated-identity pre-check.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("storage authentication: %s", e.Reason)
}

// MountError is a failure of the mount command sequence or of the
// post-mount verification probe.
type MountError struct {
	Backend string
	Cmd     string
	Output  string
	LogTail string
}

func (e *MountError) Error() string {
	msg := fmt.Sprintf("mount %s failed", e.Backend)
	if e.Cmd != "" {
		msg += fmt.Sprintf(" at %q", e.Cmd)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.LogTail != "" {
		msg += "\nbackend log:\n" + e.LogTail
	}
	return msg
}
