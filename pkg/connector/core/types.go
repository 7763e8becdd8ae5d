// Package core defines the connector contract shared by all source
// implementations: the lifecycle interface, the runtime status model and
// the normalized message envelope.
package core

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a connector.
type Status string

const (
	// StatusStopped means the connector is idle. The initial state and
	// the state after a clean Stop.
	StatusStopped Status = "stopped"
	// StatusStarting means the connector is establishing its upstream
	// session.
	StatusStarting Status = "starting"
	// StatusRunning means the connector is actively receiving data.
	StatusRunning Status = "running"
	// StatusError means the connector gave up after exhausting its
	// reconnect budget. Terminal until an explicit restart.
	StatusError Status = "error"
)

// MessageCallback receives every normalized message a connector emits.
// Callbacks must be safe for concurrent use; connectors invoke them from
// their own goroutines.
type MessageCallback func(ctx context.Context, env *Envelope)

// Connector is a managed data source. Implementations own their
// goroutines: Start launches them and returns, Stop tears them down and
// waits for them to exit.
type Connector interface {
	// ID returns the connector's unique identifier.
	ID() string

	// Start transitions the connector to starting and begins delivering
	// messages to cb. Calling Start on a connector that is already
	// starting or running is an error.
	Start(ctx context.Context, cb MessageCallback) error

	// Stop halts message delivery and releases upstream resources. Stop
	// on a stopped connector is a no-op.
	Stop(ctx context.Context) error

	// Snapshot returns a copy of the connector's runtime state.
	Snapshot() State
}

// State is an observable snapshot of a connector's runtime counters.
type State struct {
	Status            Status     `json:"status"`
	MessageCount      int64      `json:"message_count"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	ErrorLog          []string   `json:"error_log,omitempty"`
}

// maxErrorLog caps the retained error history per connector.
const maxErrorLog = 50

// StateTracker is the concurrency-safe state holder embedded by
// connector implementations.
type StateTracker struct {
	mu                sync.RWMutex
	status            Status
	messageCount      int64
	lastMessageAt     *time.Time
	reconnectAttempts int
	lastError         string
	lastErrorAt       *time.Time
	errorLog          []string
}

// NewStateTracker returns a tracker in the stopped state.
func NewStateTracker() *StateTracker {
	return &StateTracker{status: StatusStopped}
}

// Status returns the current lifecycle status.
func (s *StateTracker) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus sets the lifecycle status.
func (s *StateTracker) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// CompareAndSetStatus sets status to next only when the current status
// equals expected, reporting whether the swap happened.
func (s *StateTracker) CompareAndSetStatus(expected, next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != expected {
		return false
	}
	s.status = next
	return true
}

// RecordMessage increments the message counter and stamps receipt time.
func (s *StateTracker) RecordMessage() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	s.lastMessageAt = &now
}

// RecordError appends err to the error log and stamps the failure time.
func (s *StateTracker) RecordError(err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.lastErrorAt = &now
	s.errorLog = append(s.errorLog, now.Format(time.RFC3339)+" "+err.Error())
	if len(s.errorLog) > maxErrorLog {
		s.errorLog = s.errorLog[len(s.errorLog)-maxErrorLog:]
	}
}

// IncrementReconnects bumps the reconnect counter and returns the new
// attempt number.
func (s *StateTracker) IncrementReconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
	return s.reconnectAttempts
}

// ReconnectAttempts returns the current reconnect attempt count.
func (s *StateTracker) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// ResetReconnects zeroes the reconnect counter. Called on a successful
// session establishment and on Stop.
func (s *StateTracker) ResetReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// Snapshot returns a copy of the tracked state.
func (s *StateTracker) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Status:            s.status,
		MessageCount:      s.messageCount,
		ReconnectAttempts: s.reconnectAttempts,
		LastError:         s.lastError,
	}
	if s.lastMessageAt != nil {
		t := *s.lastMessageAt
		st.LastMessageAt = &t
	}
	if s.lastErrorAt != nil {
		t := *s.lastErrorAt
		st.LastErrorAt = &t
	}
	if len(s.errorLog) > 0 {
		st.ErrorLog = append([]string(nil), s.errorLog...)
	}
	return st
}
