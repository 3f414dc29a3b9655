package run

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrRunActive is returned when a session already has a live run.
	ErrRunActive = errors.New("a run is already active for this session")

	// ErrNoActiveRun is returned for control operations without a live run.
	ErrNoActiveRun = errors.New("no active run for this session")

	// ErrNoPendingApproval is returned when confirming or denying with
	// nothing waiting.
	ErrNoPendingApproval = errors.New("no pending approval for this run")

	// errCancelled terminates the turn loop from a checkpoint.
	errCancelled = errors.New("run cancelled")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
	StatusExhausted       Status = "exhausted"
)

// Terminal reports whether a status ends the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusExhausted:
		return true
	}
	return false
}

// pendingApproval is one suspended tool call waiting for a decision.
type pendingApproval struct {
	id       string
	toolName string
	args     map[string]any
	decision chan bool
}

// Run is the transient execution state for one session. It exists only
// while the turn loop is live; conversation state lives in the session.
type Run struct {
	ID        string
	SessionID string

	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	paused   bool
	resumeCh chan struct{}
	approval *pendingApproval

	iterations int
	tokensUsed int
}

func newRun(sessionID string, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		cancel:    cancel,
		status:    StatusRunning,
	}
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Usage returns the iteration and token counters.
func (r *Run) Usage() (iterations, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iterations, r.tokensUsed
}

// pause parks the run at its next checkpoint. A run waiting for a tool
// approval cannot be paused; it is already suspended, and the client needs
// the waiting_approval status to resolve it.
func (r *Run) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused || r.status.Terminal() || r.status == StatusWaitingApproval {
		return false
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	r.status = StatusPaused
	return true
}

// resume releases a parked run.
func (r *Run) resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused {
		return false
	}
	r.paused = false
	close(r.resumeCh)
	r.resumeCh = nil
	r.status = StatusRunning
	return true
}

// checkpoint is called before each model call, before each tool call, and
// after each tool result. It observes cancellation immediately and parks
// while the run is paused.
func (r *Run) checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errCancelled
	default:
	}

	r.mu.Lock()
	ch := r.resumeCh
	r.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errCancelled
	}
}
