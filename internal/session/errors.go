package session

import "fmt"

// CreationError reports a failure while bringing a session up: sandbox
// provisioning or attachment, init script delivery, or PTY creation.
// Storage failures keep their own types from the storage package and are
// wrapped, so errors.As still finds them.
type CreationError struct {
	Stage string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("session creation failed during %s: %v", e.Stage, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// RuntimeError reports a PTY transport failure after the session reached
// ready. It triggers teardown and is surfaced through the exit
// notification, never as a process-level failure.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("session runtime failure during %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
