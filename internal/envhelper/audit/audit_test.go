package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/envhelper/envhelper/common/redact"
	"github.com/envhelper/envhelper/common/trace"
	"github.com/envhelper/envhelper/internal/envhelper/audit"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/lifecycle"
	"github.com/envhelper/envhelper/internal/envhelper/store"
)

// fakeSender records notices for assertion.
type fakeSender struct {
	notices []string
	err     error
}

func (f *fakeSender) SendNotice(_, msg string) error {
	f.notices = append(f.notices, msg)
	return f.err
}

type auditRow struct {
	traceID, actor, action, target, result, errorMsg string
	payload                                          store.AuditPayload
}

type fakeWriter struct {
	rows []auditRow
	err  error
}

func (f *fakeWriter) WriteAudit(_ context.Context, traceID, actor, action, target, result string, payload store.AuditPayload, errorMsg string) error {
	f.rows = append(f.rows, auditRow{traceID, actor, action, target, result, errorMsg, payload})
	return f.err
}

type fakeNotifier struct {
	events []audit.Event
}

func (f *fakeNotifier) Notify(_ context.Context, evt audit.Event) {
	f.events = append(f.events, evt)
}

func TestMatrixNotifier_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!room:example.com")

	n.Notify(context.Background(), audit.Event{
		Kind:    audit.KindEnvCreated,
		Actor:   "alice",
		Target:  "alice/dev",
		Message: "created",
		TraceID: "t_abc123",
	})

	if len(sender.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.notices))
	}
	msg := sender.notices[0]
	for _, want := range []string{"alice/dev", "created", "t_abc123", "actor: alice"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q: %q", want, msg)
		}
	}
}

func TestMatrixNotifier_NoopWhenEmptyRoom(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "")
	n.Notify(context.Background(), audit.Event{Kind: audit.KindEnvDeleted, Message: "deleted"})
	if len(sender.notices) != 0 {
		t.Fatalf("expected no notices for empty room, got %d", len(sender.notices))
	}
}

func TestMatrixNotifier_SendFailureSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("M_FORBIDDEN")}
	n := audit.NewMatrixNotifier(sender, "!room:example.com")
	// Must not panic or block.
	n.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
}

func TestNoop(t *testing.T) {
	audit.Noop{}.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
}

func runningEnv() *environment.Environment {
	return &environment.Environment{
		ID:       "env-1",
		Owner:    "alice",
		Name:     "dev",
		Type:     environment.TypeVSCode,
		Port:     8443,
		Env:      map[string]string{"PASSWORD": "hunter2", "TZ": "UTC"},
		Desired:  environment.DesiredRunning,
		Observed: environment.ObservedRunning,
	}
}

func TestRecorder_WritesAuditAndNotifies(t *testing.T) {
	w := &fakeWriter{}
	n := &fakeNotifier{}
	r := audit.NewRecorder(w, n)

	ctx := trace.WithTraceID(audit.WithActor(context.Background(), "alice"), "t_1")
	r.OnEvent(ctx, lifecycle.Event{
		Action:        lifecycle.ActionStart,
		EnvironmentID: "env-1",
		Environment:   runningEnv(),
		Result:        lifecycle.ResultSuccess,
		At:            time.Now(),
	})

	if len(w.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(w.rows))
	}
	row := w.rows[0]
	if row.traceID != "t_1" || row.actor != "alice" || row.target != "alice/dev" || row.action != lifecycle.ActionStart {
		t.Errorf("row = %+v", row)
	}
	env, _ := row.payload["env"].(map[string]string)
	if env["PASSWORD"] != redact.Placeholder {
		t.Errorf("PASSWORD not redacted in payload: %v", row.payload["env"])
	}
	if env["TZ"] != "UTC" {
		t.Errorf("TZ = %q", env["TZ"])
	}
	if row.payload["phase"] != string(environment.PhaseRunning) {
		t.Errorf("phase = %v", row.payload["phase"])
	}

	if len(n.events) != 1 || n.events[0].Kind != audit.KindEnvStarted {
		t.Fatalf("notices = %+v", n.events)
	}
}

func TestRecorder_ErrorEvent(t *testing.T) {
	w := &fakeWriter{}
	n := &fakeNotifier{}
	r := audit.NewRecorder(w, n)

	err := &fault.Error{Kind: fault.StoreUnavailable, EnvironmentID: "env-1", Err: errors.New("disk full"), Inconsistent: true}
	r.OnEvent(context.Background(), lifecycle.Event{
		Action:        lifecycle.ActionStart,
		EnvironmentID: "env-1",
		Environment:   runningEnv(),
		Result:        lifecycle.ResultError,
		Err:           err,
		Message:       err.Error(),
	})

	row := w.rows[0]
	if row.actor != "system" {
		t.Errorf("actor = %q, want system", row.actor)
	}
	if row.payload["error_kind"] != string(fault.StoreUnavailable) || row.payload["inconsistent"] != true {
		t.Errorf("payload = %v", row.payload)
	}
	if row.errorMsg == "" {
		t.Error("error message not recorded")
	}
	if len(n.events) != 1 || n.events[0].Kind != audit.KindError {
		t.Fatalf("notices = %+v", n.events)
	}
	if !strings.Contains(n.events[0].Message, "failed") {
		t.Errorf("message = %q", n.events[0].Message)
	}
}

func TestRecorder_BusyNotNotified(t *testing.T) {
	w := &fakeWriter{}
	n := &fakeNotifier{}
	r := audit.NewRecorder(w, n)

	r.OnEvent(context.Background(), lifecycle.Event{
		Action:        lifecycle.ActionStop,
		EnvironmentID: "env-1",
		Result:        lifecycle.ResultError,
		Err:           &fault.Error{Kind: fault.Busy, Err: errors.New("in flight")},
		Message:       "in flight",
	})
	if len(w.rows) != 1 {
		t.Errorf("audit rows = %d, busy attempts are still audited", len(w.rows))
	}
	if w.rows[0].target != "env-1" {
		t.Errorf("target = %q, want the id when no snapshot", w.rows[0].target)
	}
	if len(n.events) != 0 {
		t.Errorf("notices = %+v, want none", n.events)
	}
}

func TestRecorder_WriteFailureIgnored(t *testing.T) {
	w := &fakeWriter{err: errors.New("database is locked")}
	n := &fakeNotifier{}
	r := audit.NewRecorder(w, n)
	r.OnEvent(context.Background(), lifecycle.Event{
		Action: lifecycle.ActionDrift, EnvironmentID: "env-1", Environment: runningEnv(),
		Result: lifecycle.ResultError, Message: "container no longer running",
	})
	if len(n.events) != 1 || n.events[0].Kind != audit.KindEnvDrift {
		t.Fatalf("notices = %+v", n.events)
	}
	if n.events[0].Message != "container no longer running" {
		t.Errorf("message = %q", n.events[0].Message)
	}
}
