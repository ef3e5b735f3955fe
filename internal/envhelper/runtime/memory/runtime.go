// Package memory provides an in-process runtime.Runtime. It keeps containers
// in a map, enforces unique names and host ports, and lets tests inject
// failures and observe calls. Selected with ENVHELPER_RUNTIME=memory.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
)

// Op names a runtime operation.
type Op string

const (
	OpEnsureImage  Op = "ensure-image"
	OpCreate       Op = "create"
	OpStart        Op = "start"
	OpStop         Op = "stop"
	OpKill         Op = "kill"
	OpRemove       Op = "remove"
	OpInspect      Op = "inspect"
	OpList         Op = "list"
	OpEnsureVolume Op = "ensure-volume"
	OpRemoveVolume Op = "remove-volume"
	OpPing         Op = "ping"
)

// Mutating reports whether op changes runtime state.
func (op Op) Mutating() bool {
	switch op {
	case OpCreate, OpStart, OpStop, OpKill, OpRemove, OpEnsureVolume, OpRemoveVolume:
		return true
	}
	return false
}

// Call records one invocation.
type Call struct {
	Op     Op
	Target string
}

type failure struct {
	err  error
	once bool
}

type containerRecord struct {
	spec      runtime.ContainerSpec
	id        string
	running   bool
	startedAt time.Time
}

// Runtime is an in-memory container runtime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*containerRecord // by id
	names      map[string]string           // name -> id
	volumes    map[string]struct{}
	images     map[string]struct{}
	foreign    map[int]struct{} // host ports held outside the runtime
	missing    map[string]error // images that fail to pull
	failures   map[Op]failure
	calls      []Call
	hook       func(op Op, target string)
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*containerRecord),
		names:      make(map[string]string),
		volumes:    make(map[string]struct{}),
		images:     make(map[string]struct{}),
		foreign:    make(map[int]struct{}),
		missing:    make(map[string]error),
		failures:   make(map[Op]failure),
	}
}

// --- test controls ---

// Fail makes every subsequent op fail with err until ClearFailures.
func (r *Runtime) Fail(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = failure{err: err}
}

// FailOnce makes the next op fail with err.
func (r *Runtime) FailOnce(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = failure{err: err, once: true}
}

// ClearFailures removes all injected failures.
func (r *Runtime) ClearFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.failures)
}

// SetUnreachable makes every op fail with RuntimeUnavailable, or clears it.
func (r *Runtime) SetUnreachable(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range []Op{OpEnsureImage, OpCreate, OpStart, OpStop, OpKill, OpRemove, OpInspect, OpList, OpEnsureVolume, OpRemoveVolume, OpPing} {
		if down {
			r.failures[op] = failure{err: fault.Newf(fault.RuntimeUnavailable, string(op), "connection refused")}
		} else {
			delete(r.failures, op)
		}
	}
}

// SetHook installs fn to run before every op, outside the runtime lock.
func (r *Runtime) SetHook(fn func(op Op, target string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// SetImageMissing makes pulls of image fail with a ValidationError.
func (r *Runtime) SetImageMissing(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[image] = fault.Newf(fault.ValidationError, "pull image "+image, "manifest unknown")
}

// HoldPort simulates a process outside the runtime listening on port.
func (r *Runtime) HoldPort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.foreign[port] = struct{}{}
}

// FreePort undoes HoldPort.
func (r *Runtime) FreePort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.foreign, port)
}

// Vanish deletes a container behind the controller's back.
func (r *Runtime) Vanish(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(ref); c != nil {
		delete(r.containers, c.id)
		delete(r.names, c.spec.Name)
	}
}

// Exit marks a running container as exited, as if its process died.
func (r *Runtime) Exit(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(ref); c != nil {
		c.running = false
	}
}

// Calls returns a copy of the recorded calls.
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// ResetCalls clears the call log.
func (r *Runtime) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// CountCalls returns how many times op was invoked.
func (r *Runtime) CountCalls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Containers returns the number of containers.
func (r *Runtime) Containers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// HasVolume reports whether the named volume exists.
func (r *Runtime) HasVolume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.volumes[name]
	return ok
}

// --- runtime.Runtime ---

func (r *Runtime) begin(ctx context.Context, op Op, target string) error {
	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(op, target)
	}
	if err := ctx.Err(); err != nil {
		return fault.New(fault.RuntimeUnavailable, string(op), err)
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: op, Target: target})
	f, ok := r.failures[op]
	if ok && f.once {
		delete(r.failures, op)
	}
	r.mu.Unlock()
	if ok {
		return f.err
	}
	return nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	return r.begin(ctx, OpPing, "")
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	if err := r.begin(ctx, OpEnsureImage, image); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.missing[image]; ok {
		return err
	}
	r.images[image] = struct{}{}
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (runtime.Handle, error) {
	if err := r.begin(ctx, OpCreate, spec.Name); err != nil {
		return runtime.Handle{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Image == "" {
		return runtime.Handle{}, fault.Newf(fault.ValidationError, "create", "spec.Image is required")
	}
	if _, ok := r.images[spec.Image]; !ok {
		return runtime.Handle{}, fault.Newf(fault.NotFound, "create container "+spec.Name, "no such image: %s", spec.Image)
	}
	if id, taken := r.names[spec.Name]; taken {
		return runtime.Handle{}, fault.Newf(fault.Conflict, "create container "+spec.Name,
			"container name %q is already in use by container %q", spec.Name, id)
	}
	for _, m := range spec.Mounts {
		if m.Bind {
			continue
		}
		r.volumes[m.Source] = struct{}{}
	}

	spec.Labels = withManagedLabel(spec.Labels)
	spec.Env = maps.Clone(spec.Env)
	c := &containerRecord{spec: spec, id: uuid.NewString()}
	r.containers[c.id] = c
	r.names[spec.Name] = c.id
	return runtime.Handle{ID: c.id, Name: spec.Name}, nil
}

func (r *Runtime) Start(ctx context.Context, h runtime.Handle) error {
	if err := r.begin(ctx, OpStart, h.Ref()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.lookup(h.Ref())
	if c == nil {
		return fault.Newf(fault.NotFound, "start container "+h.String(), "no such container")
	}
	if c.running {
		return nil
	}
	if p := c.spec.HostPort; p > 0 {
		if _, held := r.foreign[p]; held {
			return fault.Newf(fault.PortConflict, "start container "+h.String(),
				"listen tcp4 0.0.0.0:%d: bind: address already in use", p)
		}
		for _, other := range r.containers {
			if other != c && other.running && other.spec.HostPort == p {
				return fault.Newf(fault.PortConflict, "start container "+h.String(),
					"Bind for 0.0.0.0:%d failed: port is already allocated", p)
			}
		}
	}
	c.running = true
	c.startedAt = time.Now()
	return nil
}

func (r *Runtime) Stop(ctx context.Context, h runtime.Handle, _ time.Duration) error {
	return r.halt(ctx, OpStop, h)
}

func (r *Runtime) Kill(ctx context.Context, h runtime.Handle) error {
	return r.halt(ctx, OpKill, h)
}

func (r *Runtime) halt(ctx context.Context, op Op, h runtime.Handle) error {
	if err := r.begin(ctx, op, h.Ref()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(h.Ref())
	if c == nil {
		return fault.Newf(fault.NotFound, string(op)+" container "+h.String(), "no such container")
	}
	c.running = false
	return nil
}

func (r *Runtime) Remove(ctx context.Context, h runtime.Handle) error {
	if err := r.begin(ctx, OpRemove, h.Ref()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(h.Ref())
	if c == nil {
		return fault.Newf(fault.NotFound, "remove container "+h.String(), "no such container")
	}
	delete(r.containers, c.id)
	delete(r.names, c.spec.Name)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, h runtime.Handle) (runtime.Observation, error) {
	if err := r.begin(ctx, OpInspect, h.Ref()); err != nil {
		return runtime.Observation{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(h.Ref())
	if c == nil {
		return runtime.Observation{Handle: h, State: runtime.StateAbsent}, nil
	}
	return c.observe(), nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.Observation, error) {
	if err := r.begin(ctx, OpList, ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.Observation, 0, len(r.containers))
	for _, c := range r.containers {
		obs := c.observe()
		if obs.Managed() {
			out = append(out, obs)
		}
	}
	slices.SortFunc(out, func(a, b runtime.Observation) int {
		switch {
		case a.Handle.Name < b.Handle.Name:
			return -1
		case a.Handle.Name > b.Handle.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *Runtime) EnsureVolume(ctx context.Context, name string) error {
	if err := r.begin(ctx, OpEnsureVolume, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[name] = struct{}{}
	return nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	if err := r.begin(ctx, OpRemoveVolume, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.containers {
		for _, m := range c.spec.Mounts {
			if !m.Bind && m.Source == name {
				return fault.Newf(fault.Conflict, "remove volume "+name, "volume is in use by %s", c.spec.Name)
			}
		}
	}
	delete(r.volumes, name)
	return nil
}

// Put registers a container created outside the controller, e.g. by a
// previous process that crashed before recording it. The image is treated
// as present.
func (r *Runtime) Put(spec runtime.ContainerSpec, running bool) runtime.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &containerRecord{spec: spec, id: uuid.NewString(), running: running}
	if running {
		c.startedAt = time.Now()
	}
	r.containers[c.id] = c
	r.names[spec.Name] = c.id
	r.images[spec.Image] = struct{}{}
	return runtime.Handle{ID: c.id, Name: spec.Name}
}

// lookup resolves an id or a name. Callers hold r.mu.
func (r *Runtime) lookup(ref string) *containerRecord {
	if c, ok := r.containers[ref]; ok {
		return c
	}
	if id, ok := r.names[ref]; ok {
		return r.containers[id]
	}
	return nil
}

func (c *containerRecord) observe() runtime.Observation {
	state := runtime.StateStopped
	if c.running {
		state = runtime.StateRunning
	}
	var ports []int
	if c.spec.HostPort > 0 {
		ports = []int{c.spec.HostPort}
	}
	return runtime.Observation{
		Handle:     runtime.Handle{ID: c.id, Name: c.spec.Name},
		State:      state,
		Image:      c.spec.Image,
		Labels:     maps.Clone(c.spec.Labels),
		PortsBound: ports,
		StartedAt:  c.startedAt,
	}
}

func withManagedLabel(labels map[string]string) map[string]string {
	out := map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue}
	maps.Copy(out, labels)
	return out
}

func (c Call) String() string {
	if c.Target == "" {
		return string(c.Op)
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.Target)
}
