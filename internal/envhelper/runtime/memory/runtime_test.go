package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/runtime/memory"
)

func spec(name string, port int) runtime.ContainerSpec {
	return runtime.ContainerSpec{
		Name:     name,
		Image:    "nginx:latest",
		HostPort: port,
		Labels:   map[string]string{runtime.LabelEnvironmentID: name},
	}
}

func create(t *testing.T, rt *memory.Runtime, s runtime.ContainerSpec) runtime.Handle {
	t.Helper()
	ctx := context.Background()
	if err := rt.EnsureImage(ctx, s.Image); err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	h, err := rt.Create(ctx, s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return h
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	h := create(t, rt, spec("env-a-dev", 8080))

	obs, err := rt.Inspect(ctx, h)
	if err != nil || obs.State != runtime.StateStopped {
		t.Fatalf("after create: %+v, %v", obs, err)
	}
	if !obs.Managed() {
		t.Error("created containers must carry the managed-by label")
	}

	if err := rt.Start(ctx, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	obs, _ = rt.Inspect(ctx, runtime.Handle{Name: "env-a-dev"})
	if obs.State != runtime.StateRunning || !obs.Binds(8080) {
		t.Fatalf("after start by name: %+v", obs)
	}

	if err := rt.Stop(ctx, h, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rt.Remove(ctx, h); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	obs, err = rt.Inspect(ctx, h)
	if err != nil || obs.State != runtime.StateAbsent {
		t.Fatalf("after remove: %+v, %v", obs, err)
	}
	if err := rt.Remove(ctx, h); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("second Remove error = %v, want NotFound", err)
	}
}

func TestCreate_NameConflict(t *testing.T) {
	rt := memory.New()
	create(t, rt, spec("env-a-dev", 8080))
	_, err := rt.Create(context.Background(), spec("env-a-dev", 8081))
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("error = %v, want Conflict", err)
	}
}

func TestStart_PortCollisions(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	a := create(t, rt, spec("env-a", 8080))
	b := create(t, rt, spec("env-b", 8080))

	if err := rt.Start(ctx, a); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := rt.Start(ctx, b); !fault.IsKind(err, fault.PortConflict) {
		t.Fatalf("Start b error = %v, want PortConflict", err)
	}

	c := create(t, rt, spec("env-c", 9090))
	rt.HoldPort(9090)
	if err := rt.Start(ctx, c); !fault.IsKind(err, fault.PortConflict) {
		t.Fatalf("Start c error = %v, want PortConflict", err)
	}
	rt.FreePort(9090)
	if err := rt.Start(ctx, c); err != nil {
		t.Fatalf("Start c after FreePort: %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	boom := fault.New(fault.RuntimeUnavailable, "start", errors.New("boom"))

	h := create(t, rt, spec("env-a", 8080))
	rt.FailOnce(memory.OpStart, boom)
	if err := rt.Start(ctx, h); !errors.Is(err, boom) {
		t.Fatalf("first Start error = %v, want injected", err)
	}
	if err := rt.Start(ctx, h); err != nil {
		t.Fatalf("second Start should succeed: %v", err)
	}

	rt.SetUnreachable(true)
	if err := rt.Ping(ctx); !fault.IsKind(err, fault.RuntimeUnavailable) {
		t.Fatalf("Ping error = %v, want RuntimeUnavailable", err)
	}
	rt.SetUnreachable(false)
	if err := rt.Ping(ctx); err != nil {
		t.Fatalf("Ping after recovery: %v", err)
	}
	if rt.CountCalls(memory.OpStart) != 2 {
		t.Errorf("CountCalls(start) = %d, want 2", rt.CountCalls(memory.OpStart))
	}
}

func TestEnsureImage_Missing(t *testing.T) {
	rt := memory.New()
	rt.SetImageMissing("ghcr.io/none/such:latest")
	err := rt.EnsureImage(context.Background(), "ghcr.io/none/such:latest")
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestCanceledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := memory.New().List(ctx)
	if !fault.IsKind(err, fault.RuntimeUnavailable) {
		t.Fatalf("error = %v, want RuntimeUnavailable", err)
	}
}

func TestList_OnlyManaged(t *testing.T) {
	rt := memory.New()
	create(t, rt, spec("env-a", 8080))
	rt.Put(runtime.ContainerSpec{Name: "unrelated", Image: "redis:7"}, true)

	got, err := rt.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Handle.Name != "env-a" {
		t.Fatalf("List = %+v, want only env-a", got)
	}
}

func TestRemoveVolume_InUse(t *testing.T) {
	ctx := context.Background()
	rt := memory.New()
	s := spec("env-a", 8080)
	s.Mounts = []runtime.Mount{{Source: "data-a", Target: "/config"}}
	h := create(t, rt, s)

	if !rt.HasVolume("data-a") {
		t.Fatal("create should materialize named volumes")
	}
	if err := rt.RemoveVolume(ctx, "data-a"); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("RemoveVolume error = %v, want Conflict", err)
	}
	if err := rt.Remove(ctx, h); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := rt.RemoveVolume(ctx, "data-a"); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}
	if rt.HasVolume("data-a") {
		t.Error("volume still present")
	}
}
