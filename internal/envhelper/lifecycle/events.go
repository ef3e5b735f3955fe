package lifecycle

import (
	"context"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
)

// Actions reported to listeners.
const (
	ActionDeclare   = "environment.declare"
	ActionUpdate    = "environment.update"
	ActionStart     = "environment.start"
	ActionStop      = "environment.stop"
	ActionRestart   = "environment.restart"
	ActionDelete    = "environment.delete"
	ActionReconcile = "environment.reconcile"
	// ActionDrift reports a runtime change nobody asked for, e.g. a
	// container that exited on its own.
	ActionDrift = "environment.drift"
)

// Results reported to listeners.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Event describes one finished operation.
type Event struct {
	Action        string
	EnvironmentID string
	// Environment is a snapshot after the operation, nil when the record is
	// gone or could not be loaded.
	Environment *environment.Environment
	Result      string
	Err         error
	Message     string
	At          time.Time
}

// Listener receives events. Implementations must not block for long; they
// run on the caller's goroutine after the environment lock is released.
type Listener interface {
	OnEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

func actionFor(target environment.DesiredState) string {
	switch target {
	case environment.DesiredRunning:
		return ActionStart
	case environment.DesiredStopped:
		return ActionStop
	case environment.DesiredAbsent:
		return ActionDelete
	}
	return ActionReconcile
}
