package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/lifecycle"
	"github.com/envhelper/envhelper/internal/envhelper/ports"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/runtime/memory"
	"github.com/envhelper/envhelper/internal/envhelper/store"
	"github.com/envhelper/envhelper/internal/envhelper/translate"
)

// --- harness ---

type eventLog struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (l *eventLog) OnEvent(_ context.Context, ev lifecycle.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Action + ":" + ev.Result
	}
	return out
}

func (l *eventLog) has(action, result string) bool {
	for _, a := range l.actions() {
		if a == action+":"+result {
			return true
		}
	}
	return false
}

type harness struct {
	t      *testing.T
	rt     *memory.Runtime
	st     lifecycle.Store
	db     *store.Store
	alloc  *ports.Allocator
	ctl    *lifecycle.Controller
	events *eventLog
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "envhelper-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, tweak ...func(*lifecycle.Config)) *harness {
	t.Helper()
	h := &harness{t: t, rt: memory.New(), events: &eventLog{}}
	h.db = newTestStore(t)
	h.st = h.db
	h.alloc = ports.New(nil)
	cfg := lifecycle.Config{
		CallTimeout:  time.Second,
		StopGrace:    10 * time.Millisecond,
		PurgeVolumes: true,
		Listeners:    []lifecycle.Listener{h.events},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.ctl = lifecycle.New(h.st, h.rt, h.alloc, translate.New("alice"), cfg)
	return h
}

// rebuild swaps the store (e.g. for a failing wrapper) keeping everything
// else.
func (h *harness) rebuild(st lifecycle.Store, tweak ...func(*lifecycle.Config)) {
	h.st = st
	cfg := lifecycle.Config{
		CallTimeout:  time.Second,
		StopGrace:    10 * time.Millisecond,
		PurgeVolumes: true,
		Listeners:    []lifecycle.Listener{h.events},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.ctl = lifecycle.New(st, h.rt, h.alloc, translate.New("alice"), cfg)
}

func (h *harness) declare(name string, typ environment.Type) *environment.Environment {
	h.t.Helper()
	env, err := h.ctl.Declare(context.Background(), environment.Declaration{
		Owner: "alice",
		Name:  name,
		Type:  typ,
	})
	if err != nil {
		h.t.Fatalf("Declare %s: %v", name, err)
	}
	return env
}

func (h *harness) transition(id string, target environment.DesiredState) (*environment.Environment, error) {
	return h.ctl.Transition(context.Background(), id, target)
}

func (h *harness) mustTransition(id string, target environment.DesiredState) *environment.Environment {
	h.t.Helper()
	env, err := h.transition(id, target)
	if err != nil {
		h.t.Fatalf("Transition %s -> %s: %v", id, target, err)
	}
	return env
}

func (h *harness) load(id string) *environment.Environment {
	h.t.Helper()
	env, err := h.ctl.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get %s: %v", id, err)
	}
	return env
}

// --- declaration ---

func TestDeclare_DefaultsAndNoRuntimeWork(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)

	if env.Desired != environment.DesiredStopped {
		t.Errorf("Desired = %q, want stopped", env.Desired)
	}
	if env.Phase() != environment.PhaseAbsent {
		t.Errorf("Phase = %q, want Absent", env.Phase())
	}
	if env.DataVolume == "" {
		t.Error("vscode environments get a data volume name")
	}
	if n := len(h.rt.Calls()); n != 0 {
		t.Errorf("declare made %d runtime calls: %v", n, h.rt.Calls())
	}
	if !h.events.has(lifecycle.ActionDeclare, lifecycle.ResultSuccess) {
		t.Errorf("events = %v", h.events.actions())
	}
}

func TestDeclare_ValidationRejectedWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Declare(context.Background(), environment.Declaration{
		Owner: "alice", Name: "custom", Type: environment.TypeCustom,
	})
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	list, _ := h.ctl.List(context.Background(), environment.Filter{})
	if len(list) != 0 {
		t.Errorf("records = %d, want 0", len(list))
	}
}

func TestDeclare_DuplicateName(t *testing.T) {
	h := newHarness(t)
	h.declare("dev", environment.TypeVSCode)
	_, err := h.ctl.Declare(context.Background(), environment.Declaration{
		Owner: "alice", Name: "dev", Type: environment.TypeWebtop,
	})
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("error = %v, want Conflict", err)
	}
}

func TestDeclare_AutoStartRunsImmediately(t *testing.T) {
	h := newHarness(t)
	env, err := h.ctl.Declare(context.Background(), environment.Declaration{
		Owner: "alice", Name: "desk", Type: environment.TypeWebtop, AutoStart: true,
	})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if env.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q, want Running", env.Phase())
	}
	if holder, _ := h.alloc.Holder(3000); holder != env.ID {
		t.Errorf("port 3000 holder = %q", holder)
	}
}

// --- start / idempotency ---

func TestTransitionRunning_Idempotent(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)

	first := h.mustTransition(env.ID, environment.DesiredRunning)
	second := h.mustTransition(env.ID, environment.DesiredRunning)

	for i, e := range []*environment.Environment{first, second} {
		if e.Phase() != environment.PhaseRunning {
			t.Errorf("call %d: Phase = %q, want Running", i+1, e.Phase())
		}
	}
	if n := h.rt.CountCalls(memory.OpCreate); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
	if n := h.rt.CountCalls(memory.OpStart); n != 1 {
		t.Errorf("starts = %d, want 1", n)
	}
	if n := h.rt.Containers(); n != 1 {
		t.Errorf("containers = %d, want 1", n)
	}
	if first.RuntimeHandle == "" || first.RuntimeHandle != second.RuntimeHandle {
		t.Errorf("handles = %q / %q", first.RuntimeHandle, second.RuntimeHandle)
	}
	if !h.rt.HasVolume(env.DataVolume) {
		t.Errorf("data volume %q not created", env.DataVolume)
	}

	stored := h.load(env.ID)
	if stored.Observed != environment.ObservedRunning || stored.Desired != environment.DesiredRunning {
		t.Errorf("stored = %q/%q", stored.Observed, stored.Desired)
	}
}

func TestPortConflict_SecondEnvironmentRejected(t *testing.T) {
	h := newHarness(t)
	a := h.declare("one", environment.TypeVSCode)
	b := h.declare("two", environment.TypeVSCode)

	h.mustTransition(a.ID, environment.DesiredRunning)

	got, err := h.transition(b.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.PortConflict) {
		t.Fatalf("error = %v, want PortConflict", err)
	}
	if fault.EnvironmentOf(err) != b.ID {
		t.Errorf("error carries environment %q, want %q", fault.EnvironmentOf(err), b.ID)
	}
	if got.Phase() != environment.PhaseError(fault.PortConflict) {
		t.Errorf("Phase = %q", got.Phase())
	}

	stored := h.load(b.ID)
	if stored.Desired != environment.DesiredStopped {
		t.Errorf("desired = %q, a rejected start must not change it", stored.Desired)
	}
	if stored.Observed != environment.ObservedAbsent || stored.RuntimeHandle != "" {
		t.Errorf("second environment left runtime state: %q/%q", stored.Observed, stored.RuntimeHandle)
	}
	if holder, _ := h.alloc.Holder(8443); holder != a.ID {
		t.Errorf("port 8443 holder = %q, want %q", holder, a.ID)
	}
	if first := h.load(a.ID); first.Phase() != environment.PhaseRunning {
		t.Errorf("first environment Phase = %q, want Running", first.Phase())
	}
	if n := h.rt.Containers(); n != 1 {
		t.Errorf("containers = %d, want 1", n)
	}
}

func TestPortConflict_ExternalListener(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rt.HoldPort(8443)

	got, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.PortConflict) {
		t.Fatalf("error = %v, want PortConflict", err)
	}
	// The container exists but could not start: state remains Created.
	if got.Observed != environment.ObservedCreated {
		t.Errorf("Observed = %q, want created", got.Observed)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}

	h.rt.FreePort(8443)
	got = h.mustTransition(env.ID, environment.DesiredRunning)
	if got.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q, want Running", got.Phase())
	}
	if n := h.rt.CountCalls(memory.OpCreate); n != 1 {
		t.Errorf("creates = %d, want 1 (container reused)", n)
	}
}

func TestRuntimeUnavailable_DuringCreate(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rt.Fail(memory.OpCreate, fault.Newf(fault.RuntimeUnavailable, "create", "connection refused"))

	got, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.RuntimeUnavailable) {
		t.Fatalf("error = %v, want RuntimeUnavailable", err)
	}
	if got.Phase() != environment.PhaseError(fault.RuntimeUnavailable) {
		t.Errorf("Phase = %q", got.Phase())
	}
	if got.Observed != environment.ObservedAbsent {
		t.Errorf("Observed = %q, want absent", got.Observed)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
	stored := h.load(env.ID)
	if stored.Desired != environment.DesiredRunning {
		t.Errorf("desired = %q, the request stays pending", stored.Desired)
	}

	// The next reconciliation pass retries.
	h.rt.ClearFailures()
	if err := h.ctl.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if got := h.load(env.ID); got.Phase() != environment.PhaseRunning {
		t.Errorf("after retry Phase = %q, want Running", got.Phase())
	}
}

func TestRuntimeUnavailable_AfterCreateKeepsCreated(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rt.FailOnce(memory.OpStart, fault.Newf(fault.RuntimeUnavailable, "start", "context deadline exceeded"))

	got, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.RuntimeUnavailable) {
		t.Fatalf("error = %v, want RuntimeUnavailable", err)
	}
	if got.Observed != environment.ObservedCreated || got.RuntimeHandle == "" {
		t.Errorf("state = %q/%q, want created with a handle", got.Observed, got.RuntimeHandle)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
}

func TestImagePullFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	env, err := h.ctl.Declare(context.Background(), environment.Declaration{
		Owner: "alice", Name: "web", Type: environment.TypeCustom, Image: "nginx:does-not-exist", Port: 8080,
	})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	h.rt.SetImageMissing("nginx:does-not-exist")

	_, err = h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if h.rt.Containers() != 0 || h.alloc.Len() != 0 {
		t.Error("failed pull must leave no container and no port")
	}
	if got := h.load(env.ID); got.Desired != environment.DesiredStopped {
		t.Errorf("desired = %q, want stopped", got.Desired)
	}
}

// --- stop / delete ---

func TestStop_ReleasesPort(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)

	got := h.mustTransition(env.ID, environment.DesiredStopped)
	if got.Phase() != environment.PhaseCreated {
		t.Errorf("Phase = %q, want Created", got.Phase())
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
	if n := h.rt.CountCalls(memory.OpKill); n != 0 {
		t.Errorf("kills = %d, want 0", n)
	}

	// Stopping again is a no-op.
	h.rt.ResetCalls()
	h.mustTransition(env.ID, environment.DesiredStopped)
	if n := h.rt.CountCalls(memory.OpStop); n != 0 {
		t.Errorf("second stop issued %d stop calls", n)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)
	h.rt.FailOnce(memory.OpStop, fault.Newf(fault.RuntimeUnavailable, "stop", "context deadline exceeded"))

	got := h.mustTransition(env.ID, environment.DesiredStopped)
	if got.Phase() != environment.PhaseCreated {
		t.Errorf("Phase = %q, want Created", got.Phase())
	}
	if n := h.rt.CountCalls(memory.OpKill); n != 1 {
		t.Errorf("kills = %d, want 1", n)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
}

func TestDelete_RemovesEverything(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)

	got := h.mustTransition(env.ID, environment.DesiredAbsent)
	if got.Phase() != environment.PhaseAbsent {
		t.Errorf("Phase = %q, want Absent", got.Phase())
	}
	if h.rt.Containers() != 0 {
		t.Errorf("containers = %d, want 0", h.rt.Containers())
	}
	if h.rt.HasVolume(env.DataVolume) {
		t.Error("data volume should be purged")
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
	if _, err := h.ctl.Get(context.Background(), env.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Get after delete: %v, want NotFound", err)
	}
	if !h.events.has(lifecycle.ActionDelete, lifecycle.ResultSuccess) {
		t.Errorf("events = %v", h.events.actions())
	}
}

func TestDelete_NeverCreated(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeWebtop)
	h.mustTransition(env.ID, environment.DesiredAbsent)
	if n := h.rt.CountCalls(memory.OpRemove); n != 0 {
		t.Errorf("removes = %d, want 0", n)
	}
	if _, err := h.ctl.Get(context.Background(), env.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}

func TestDelete_RuntimeDownKeepsRecord(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)
	h.rt.SetUnreachable(true)

	_, err := h.transition(env.ID, environment.DesiredAbsent)
	if !fault.IsKind(err, fault.RuntimeUnavailable) {
		t.Fatalf("error = %v, want RuntimeUnavailable", err)
	}
	stored := h.load(env.ID)
	if stored.Desired != environment.DesiredAbsent {
		t.Errorf("desired = %q, want absent (delete pending)", stored.Desired)
	}

	h.rt.SetUnreachable(false)
	if err := h.ctl.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if _, err := h.ctl.Get(context.Background(), env.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("record should be gone after retry, got %v", err)
	}
	if h.rt.Containers() != 0 {
		t.Errorf("containers = %d", h.rt.Containers())
	}
}

// --- stale state, adoption, drift ---

func TestStaleHandle_Recreates(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	first := h.mustTransition(env.ID, environment.DesiredRunning)
	h.rt.Vanish(first.RuntimeHandle)

	got := h.mustTransition(env.ID, environment.DesiredRunning)
	if got.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q", got.Phase())
	}
	if got.RuntimeHandle == first.RuntimeHandle {
		t.Error("handle should change after recreation")
	}
	if n := h.rt.CountCalls(memory.OpCreate); n != 2 {
		t.Errorf("creates = %d, want 2", n)
	}
}

func TestAdoption_CompatibleContainer(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	existing := h.rt.Put(runtime.ContainerSpec{
		Name:     "env-alice-dev",
		Image:    "codercom/code-server:latest",
		HostPort: 8443,
	}, false)

	got := h.mustTransition(env.ID, environment.DesiredRunning)
	if got.RuntimeHandle != existing.ID {
		t.Errorf("handle = %q, want adopted %q", got.RuntimeHandle, existing.ID)
	}
	if got.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q", got.Phase())
	}
	if h.rt.Containers() != 1 {
		t.Errorf("containers = %d, want 1", h.rt.Containers())
	}
}

func TestAdoption_IncompatibleContainer(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rt.Put(runtime.ContainerSpec{Name: "env-alice-dev", Image: "postgres:16", HostPort: 5432}, true)

	got, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("error = %v, want Conflict", err)
	}
	if got.RuntimeHandle != "" {
		t.Errorf("handle = %q, must not bind a foreign container", got.RuntimeHandle)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
}

func TestUpdate_RecreatesOnNextStart(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)
	h.mustTransition(env.ID, environment.DesiredStopped)

	d := env.Declaration()
	d.Env = map[string]string{"TZ": "Europe/Bucharest"}
	updated, err := h.ctl.Update(context.Background(), env.ID, d)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Env["TZ"] != "Europe/Bucharest" {
		t.Errorf("Env = %v", updated.Env)
	}

	h.mustTransition(env.ID, environment.DesiredRunning)
	if n := h.rt.CountCalls(memory.OpCreate); n != 2 {
		t.Errorf("creates = %d, want 2 (recreated)", n)
	}
	if n := h.rt.CountCalls(memory.OpRemove); n != 1 {
		t.Errorf("removes = %d, want 1", n)
	}
	if h.rt.Containers() != 1 {
		t.Errorf("containers = %d", h.rt.Containers())
	}
}

func TestUpdate_RejectsTypeChange(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	d := env.Declaration()
	d.Type = environment.TypeWebtop
	if _, err := h.ctl.Update(context.Background(), env.ID, d); !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestRestart(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)

	got, err := h.ctl.Restart(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q", got.Phase())
	}
	if n := h.rt.CountCalls(memory.OpStart); n != 2 {
		t.Errorf("starts = %d, want 2", n)
	}
	if n := h.rt.CountCalls(memory.OpStop); n != 1 {
		t.Errorf("stops = %d, want 1", n)
	}
}

// --- rollback & store failures ---

// flakyStore fails the nth Save (1-based) with an I/O error.
type flakyStore struct {
	lifecycle.Store
	mu     sync.Mutex
	saves  int
	failAt int
}

func (s *flakyStore) Save(ctx context.Context, env *environment.Environment) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n == s.failAt {
		return errors.New("disk I/O error")
	}
	return s.Store.Save(ctx, env)
}

func TestCreate_RolledBackWhenRecordCannotBeSaved(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)

	// Save #1 persists desired=running, save #2 commits the new handle.
	h.rebuild(&flakyStore{Store: h.db, failAt: 2})

	_, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.StoreUnavailable) {
		t.Fatalf("error = %v, want StoreUnavailable", err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Inconsistent {
		t.Error("a rolled back create is not inconsistent")
	}
	if h.rt.Containers() != 0 {
		t.Errorf("containers = %d, want 0 after rollback", h.rt.Containers())
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
}

func TestStoreDownBeforeRuntimeMutation(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rebuild(&flakyStore{Store: h.db, failAt: 1})

	_, err := h.transition(env.ID, environment.DesiredRunning)
	if !fault.IsKind(err, fault.StoreUnavailable) {
		t.Fatalf("error = %v, want StoreUnavailable", err)
	}
	for _, c := range h.rt.Calls() {
		if c.Op.Mutating() {
			t.Errorf("runtime mutated despite store failure: %v", c)
		}
	}
}

func TestStoreFailureAfterStartIsInconsistent(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	// #1 desired, #2 handle commit, #3 final record.
	h.rebuild(&flakyStore{Store: h.db, failAt: 3})

	_, err := h.transition(env.ID, environment.DesiredRunning)
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.StoreUnavailable || !fe.Inconsistent {
		t.Fatalf("error = %v, want inconsistent StoreUnavailable", err)
	}
	if fe.EnvironmentID != env.ID {
		t.Errorf("EnvironmentID = %q", fe.EnvironmentID)
	}
}

// cancelAfterStart cancels the caller's context once the runtime has
// confirmed a start, as a client disconnect would.
type cancelAfterStart struct {
	runtime.Runtime
	cancel context.CancelFunc
}

func (r *cancelAfterStart) Start(ctx context.Context, h runtime.Handle) error {
	err := r.Runtime.Start(ctx, h)
	r.cancel()
	return err
}

func TestTransition_RecordedWhenCallerCancelsAfterStart(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctl := lifecycle.New(h.db, &cancelAfterStart{Runtime: h.rt, cancel: cancel}, h.alloc, translate.New("alice"), lifecycle.Config{
		CallTimeout: time.Second,
		StopGrace:   10 * time.Millisecond,
	})

	got, err := ctl.Transition(ctx, env.ID, environment.DesiredRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Observed != environment.ObservedRunning {
		t.Errorf("observed = %s, want running", got.Observed)
	}
	stored := h.load(env.ID)
	if stored.Desired != environment.DesiredRunning || stored.Observed != environment.ObservedRunning {
		t.Errorf("stored desired=%s observed=%s, want running/running", stored.Desired, stored.Observed)
	}
}

func TestTransition_CancelledWhileWaitingForLock(t *testing.T) {
	h := newHarness(t, func(c *lifecycle.Config) { c.LockWait = time.Second })
	env := h.declare("dev", environment.TypeVSCode)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.rt.SetHook(func(op memory.Op, _ string) {
		if op == memory.OpCreate {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	})
	done := make(chan error, 1)
	go func() {
		_, err := h.transition(env.ID, environment.DesiredRunning)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.ctl.Transition(ctx, env.ID, environment.DesiredStopped); err == nil {
		t.Error("a cancelled caller should not get the lock")
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first transition: %v", err)
	}
}

func TestStoreFailureErrorIsNotWrappedTwice(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.rebuild(&flakyStore{Store: h.db, failAt: 3})

	_, err := h.transition(env.ID, environment.DesiredRunning)
	if err == nil {
		t.Fatal("expected a store failure")
	}
	if n := strings.Count(err.Error(), "store.save"); n != 1 {
		t.Errorf("error %q mentions store.save %d times, want 1", err, n)
	}
}

// --- concurrency ---

func TestConcurrentRunningAndAbsent_Busy(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.rt.SetHook(func(op memory.Op, _ string) {
		if op == memory.OpCreate {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.transition(env.ID, environment.DesiredRunning)
		done <- err
	}()

	<-entered
	_, err := h.transition(env.ID, environment.DesiredAbsent)
	if !fault.IsKind(err, fault.Busy) {
		t.Errorf("concurrent delete: %v, want Busy", err)
	}
	close(proceed)

	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.load(env.ID); got.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q, want Running", got.Phase())
	}
	if h.rt.Containers() != 1 {
		t.Errorf("containers = %d, want 1", h.rt.Containers())
	}
}

func TestConcurrentRunningAndAbsent_ConsistentPostState(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, func(c *lifecycle.Config) { c.LockWait = time.Second })
		env := h.declare("dev", environment.TypeVSCode)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, target := range []environment.DesiredState{environment.DesiredRunning, environment.DesiredAbsent} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = h.transition(env.ID, target)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil && !fault.IsKind(err, fault.Busy) && !fault.IsKind(err, fault.NotFound) {
				t.Fatalf("round %d: unexpected error %v", i, err)
			}
		}
		_, err := h.ctl.Get(context.Background(), env.ID)
		switch {
		case fault.IsKind(err, fault.NotFound):
			if h.rt.Containers() != 0 || h.alloc.Len() != 0 {
				t.Fatalf("round %d: record gone but runtime has %d containers, ports %v",
					i, h.rt.Containers(), h.alloc.Snapshot())
			}
		case err == nil:
			if h.rt.Containers() != 1 {
				t.Fatalf("round %d: record present with %d containers", i, h.rt.Containers())
			}
		default:
			t.Fatalf("round %d: Get: %v", i, err)
		}
	}
}

func TestConcurrentStartsOnSamePort_OneWins(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, h.declare(name, environment.TypeVSCode).ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.transition(id, environment.DesiredRunning)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !fault.IsKind(err, fault.PortConflict) {
				t.Errorf("%s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
	running := 0
	for _, id := range ids {
		if h.load(id).Observed == environment.ObservedRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("running environments on port 8443 = %d, want 1", running)
	}
}

// --- service start ---

func TestRebuildPortsAndAutoStart(t *testing.T) {
	h := newHarness(t)
	running := h.declare("running", environment.TypeVSCode)
	h.mustTransition(running.ID, environment.DesiredRunning)

	// Auto-start records written by a previous process.
	for _, name := range []string{"desk1", "desk2"} {
		e := &environment.Environment{
			ID:        environment.NewID(),
			Owner:     "alice",
			Name:      name,
			Type:      environment.TypeCustom,
			Image:     "nginx:1.25",
			AutoStart: true,
			Desired:   environment.DesiredRunning,
			Observed:  environment.ObservedAbsent,
		}
		if name == "desk1" {
			e.Port = 8081
		} else {
			e.Port = 8082
		}
		if err := h.db.Save(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// A fresh process: empty port table.
	h.alloc = ports.New(nil)
	h.rebuild(h.db)
	if err := h.ctl.RebuildPorts(context.Background()); err != nil {
		t.Fatalf("RebuildPorts: %v", err)
	}
	if holder, _ := h.alloc.Holder(8443); holder != running.ID {
		t.Errorf("8443 holder = %q, want %q", holder, running.ID)
	}

	if err := h.ctl.AutoStart(context.Background()); err != nil {
		t.Fatalf("AutoStart: %v", err)
	}
	for _, p := range []int{8081, 8082} {
		if _, ok := h.alloc.Holder(p); !ok {
			t.Errorf("port %d not held after auto-start", p)
		}
	}
	if h.rt.Containers() != 3 {
		t.Errorf("containers = %d, want 3", h.rt.Containers())
	}
}

func TestReconcileAll_ReportsDrift(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	got := h.mustTransition(env.ID, environment.DesiredRunning)
	h.rt.Exit(got.RuntimeHandle)

	if err := h.ctl.ReconcileAll(context.Background()); err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	stored := h.load(env.ID)
	if stored.Observed != environment.ObservedCreated {
		t.Errorf("Observed = %q, want created", stored.Observed)
	}
	if stored.Desired != environment.DesiredRunning {
		t.Errorf("Desired = %q, refresh must not change it", stored.Desired)
	}
	if h.alloc.Len() != 0 {
		t.Errorf("port table = %v, want empty", h.alloc.Snapshot())
	}
	if !h.events.has(lifecycle.ActionDrift, lifecycle.ResultError) {
		t.Errorf("events = %v, want drift", h.events.actions())
	}

	// An explicit reconcile brings it back.
	back, err := h.ctl.Reconcile(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if back.Phase() != environment.PhaseRunning {
		t.Errorf("Phase = %q", back.Phase())
	}
}

func TestOrphans(t *testing.T) {
	h := newHarness(t)
	env := h.declare("dev", environment.TypeVSCode)
	h.mustTransition(env.ID, environment.DesiredRunning)
	h.rt.Put(runtime.ContainerSpec{
		Name:  "env-bob-old",
		Image: "linuxserver/webtop:ubuntu-kde",
		Labels: map[string]string{
			runtime.LabelManagedBy:     runtime.ManagedByValue,
			runtime.LabelEnvironmentID: "deleted-long-ago",
		},
	}, false)

	orphans, err := h.ctl.Orphans(context.Background())
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Handle.Name != "env-bob-old" {
		t.Errorf("orphans = %+v", orphans)
	}
}

func TestTransition_UnknownEnvironment(t *testing.T) {
	h := newHarness(t)
	_, err := h.transition("nope", environment.DesiredRunning)
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if fault.EnvironmentOf(err) != "nope" {
		t.Errorf("EnvironmentOf = %q", fault.EnvironmentOf(err))
	}
}
