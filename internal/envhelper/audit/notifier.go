// Package audit records every environment operation.
//
// Each lifecycle event is written to the audit_log table. When a Matrix
// room is configured (MATRIX_AUDIT_ROOM) a short notice is also posted there
// for the events operators care about: created, started, stopped, deleted,
// drift and errors.
//
// Notices carry the trace ID of the request so the full audit entry can be
// looked up afterwards.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/envhelper/envhelper/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindEnvCreated Kind = "environment.created"
	KindEnvUpdated Kind = "environment.updated"
	KindEnvStarted Kind = "environment.started"
	KindEnvStopped Kind = "environment.stopped"
	KindEnvDeleted Kind = "environment.deleted"
	KindEnvDrift   Kind = "environment.drift"
	KindError      Kind = "error"
)

// Event carries the data that the notifier formats and sends.
type Event struct {
	Kind Kind
	// Actor is who triggered the event ("api", "reconciler", a user name).
	Actor string
	// Target is the affected environment, usually "owner/name".
	Target  string
	Message string
	// TraceID is taken from the context when empty.
	TraceID   string
	Timestamp time.Time
}

// Notifier sends room notifications. Implementations must not block the
// caller for long; send failures are logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it to the room.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is used when room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindEnvCreated:
		return "🟢"
	case KindEnvUpdated:
		return "✏️"
	case KindEnvStarted:
		return "▶️"
	case KindEnvStopped:
		return "⏹️"
	case KindEnvDeleted:
		return "🗑️"
	case KindEnvDrift:
		return "⚠️"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
