package peer

import (
	"fmt"
	"strings"
)

// Status is the state of a link.
type Status string

const (
	StatusUnconnected  Status = "unconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusSynced       Status = "synced"
	StatusDisconnected Status = "disconnected"
)

const failurePrefix = "reconnection-failure-"

// FailureStatus returns the status raised after n consecutive failed
// connection attempts.
func FailureStatus(n int) Status {
	return Status(fmt.Sprintf("%s%d", failurePrefix, n))
}

// IsFailure reports whether s is a reconnection-failure-N status.
func (s Status) IsFailure() bool {
	return strings.HasPrefix(string(s), failurePrefix)
}

// Terminal reports whether s resolves a pending ConnectEngine call.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusDisconnected || s.IsFailure()
}

// StatusEvent reports a link status change.
type StatusEvent struct {
	Network  string
	Address  string
	EngineID string
	Status   Status
}

// StatusFunc observes link status changes.
type StatusFunc func(StatusEvent)

// Result is the outcome of ConnectEngine.
type Result struct {
	Network  string
	Address  string
	EngineID string
	Status   Status
}
