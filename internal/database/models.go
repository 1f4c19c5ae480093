package database

import "time"

// Setting is a key/value row for server configuration that can change at
// runtime. Secret values are stored encrypted by the settings handlers.
type Setting struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `json:"value"`
}

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	IsAdmin      bool      `gorm:"default:false" json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionRecord is the audit trail for a terminal session. One row is
// created when the sandbox starts and finalized when it is torn down.
type SessionRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      string     `gorm:"uniqueIndex;not null" json:"session_id"`
	SandboxName    string     `json:"sandbox_name"`
	Backend        string     `json:"backend"`
	StorageBackend string     `json:"storage_backend,omitempty"`
	RemoteAddr     string     `json:"remote_addr"`
	Status         string     `gorm:"default:active" json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ExitReason     string     `json:"exit_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Session record statuses.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Exit reasons recorded when a session ends.
const (
	ExitReasonExited     = "exited"
	ExitReasonIdle       = "idle-timeout"
	ExitReasonTerminated = "terminated"
	ExitReasonError      = "error"
	ExitReasonRestart    = "server-restart"
)
