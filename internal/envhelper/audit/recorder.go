package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/envhelper/envhelper/common/redact"
	"github.com/envhelper/envhelper/common/trace"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/lifecycle"
	"github.com/envhelper/envhelper/internal/envhelper/store"
)

// Writer persists audit entries. Both store backends implement it.
type Writer interface {
	WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

type actorKey struct{}

// WithActor returns a child context naming who triggers the operations run
// with it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Recorder is a lifecycle.Listener writing every event to the audit log and
// forwarding the notable ones to a Notifier.
type Recorder struct {
	w Writer
	n Notifier
}

var _ lifecycle.Listener = (*Recorder)(nil)

// NewRecorder creates a Recorder. n may be nil.
func NewRecorder(w Writer, n Notifier) *Recorder {
	if n == nil {
		n = Noop{}
	}
	return &Recorder{w: w, n: n}
}

// OnEvent implements lifecycle.Listener. Audit write failures are logged and
// never fail the operation that produced the event.
func (r *Recorder) OnEvent(ctx context.Context, ev lifecycle.Event) {
	traceID := trace.FromContext(ctx)
	actor := ActorFromContext(ctx)
	target := targetOf(ev)

	if r.w != nil {
		err := r.w.WriteAudit(ctx, traceID, actor, ev.Action, target, ev.Result, payloadOf(ev), ev.Message)
		if err != nil {
			slog.Warn("failed to write audit entry", "action", ev.Action, "target", target, "err", err)
		}
	}

	kind, ok := noticeKind(ev)
	if !ok {
		return
	}
	r.n.Notify(ctx, Event{
		Kind:      kind,
		Actor:     actor,
		Target:    target,
		Message:   noticeMessage(ev),
		TraceID:   traceID,
		Timestamp: ev.At,
	})
}

func targetOf(ev lifecycle.Event) string {
	if e := ev.Environment; e != nil {
		return e.Owner + "/" + e.Name
	}
	return ev.EnvironmentID
}

func payloadOf(ev lifecycle.Event) store.AuditPayload {
	p := store.AuditPayload{"environment_id": ev.EnvironmentID}
	if e := ev.Environment; e != nil {
		p["type"] = string(e.Type)
		p["desired"] = string(e.Desired)
		p["observed"] = string(e.Observed)
		p["phase"] = string(e.Phase())
		if e.Image != "" {
			p["image"] = e.Image
		}
		if e.Port != 0 {
			p["port"] = e.Port
		}
		if len(e.Env) > 0 {
			p["env"] = redact.Env(e.Env)
		}
	}
	if ev.Err != nil {
		p["error_kind"] = string(fault.KindOf(ev.Err))
		var fe *fault.Error
		if errors.As(ev.Err, &fe) && fe.Inconsistent {
			p["inconsistent"] = true
		}
	}
	return p
}

func noticeKind(ev lifecycle.Event) (Kind, bool) {
	if ev.Action == lifecycle.ActionDrift {
		return KindEnvDrift, true
	}
	if ev.Result == lifecycle.ResultError {
		// Contention is routine, not worth a notice.
		if fault.IsKind(ev.Err, fault.Busy) {
			return "", false
		}
		return KindError, true
	}
	switch ev.Action {
	case lifecycle.ActionDeclare:
		return KindEnvCreated, true
	case lifecycle.ActionUpdate:
		return KindEnvUpdated, true
	case lifecycle.ActionStart, lifecycle.ActionRestart:
		return KindEnvStarted, true
	case lifecycle.ActionStop:
		return KindEnvStopped, true
	case lifecycle.ActionDelete:
		return KindEnvDeleted, true
	case lifecycle.ActionReconcile:
		if ev.Environment != nil && ev.Environment.Phase() == environment.PhaseRunning {
			return KindEnvStarted, true
		}
	}
	return "", false
}

func noticeMessage(ev lifecycle.Event) string {
	if ev.Result == lifecycle.ResultError && ev.Action != lifecycle.ActionDrift {
		return fmt.Sprintf("%s failed: %s", ev.Action, ev.Message)
	}
	if ev.Message != "" {
		return ev.Message
	}
	if e := ev.Environment; e != nil {
		return fmt.Sprintf("%s (%s)", e.Phase(), e.Type)
	}
	return ev.Action
}
