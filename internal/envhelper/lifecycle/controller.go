// Package lifecycle drives declared environments toward their desired state.
//
// The Controller is the only component that mutates runtime containers. It
// serializes work per environment, inspects the runtime before every
// mutating step, and persists a record only for what the runtime confirmed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/envhelper/envhelper/common/redact"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
	"github.com/envhelper/envhelper/internal/envhelper/ports"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/store"
	"github.com/envhelper/envhelper/internal/envhelper/translate"
)

// Store is the state store gateway. Implementations return
// store.ErrNotFound and store.ErrDuplicate; any other error is treated as
// the store being unavailable.
type Store interface {
	Load(ctx context.Context, id string) (*environment.Environment, error)
	LoadByName(ctx context.Context, owner, name string) (*environment.Environment, error)
	Save(ctx context.Context, env *environment.Environment) error
	List(ctx context.Context, f environment.Filter) ([]*environment.Environment, error)
	Delete(ctx context.Context, id string) error
}

// Config tunes the controller. Zero values take the defaults below.
type Config struct {
	// CallTimeout bounds every runtime call. Defaults to 30s.
	CallTimeout time.Duration
	// PullTimeout bounds an image pull. Defaults to 10m.
	PullTimeout time.Duration
	// StopGrace is how long a container may take to exit before it is
	// killed. Defaults to 10s.
	StopGrace time.Duration
	// LockWait is how long a request waits for a transition on the same
	// environment to finish before failing with Busy. Zero fails at once.
	LockWait time.Duration
	// PurgeVolumes removes the data volume when an environment is deleted.
	PurgeVolumes bool
	// AutoStartConcurrency bounds the service start pass. Defaults to 4.
	AutoStartConcurrency int
	// Interval is the period of Run. Zero or negative disables the loop.
	Interval time.Duration
	// Listeners receive an Event after every operation.
	Listeners []Listener
	// OnPass, when set, is called by Run after every reconciliation pass.
	OnPass func(err error)
	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 10 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.AutoStartConcurrency <= 0 {
		c.AutoStartConcurrency = 4
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

var errTransitionInFlight = errors.New("another transition is in flight")

// Controller implements the environment state machine.
type Controller struct {
	store Store
	rt    runtime.Runtime
	ports *ports.Allocator
	tr    *translate.Translator
	locks *keyedLocks
	cfg   Config
}

// New creates a controller.
func New(st Store, rt runtime.Runtime, alloc *ports.Allocator, tr *translate.Translator, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		store: st,
		rt:    rt,
		ports: alloc,
		tr:    tr,
		locks: newKeyedLocks(),
		cfg:   cfg,
	}
}

// Ports returns the allocator the controller reserves through.
func (c *Controller) Ports() *ports.Allocator { return c.ports }

// Declare validates d and persists a new environment. Nothing is created in
// the runtime unless d asks for auto-start, in which case one start pass runs
// and its outcome is recorded on the returned environment.
func (c *Controller) Declare(ctx context.Context, d environment.Declaration) (*environment.Environment, error) {
	env, err := c.declare(ctx, d)
	c.emit(ctx, ActionDeclare, idOf(env), env, err)
	if err != nil {
		return nil, err
	}
	if env.Desired != environment.DesiredRunning {
		return env, nil
	}
	started, err := c.Reconcile(ctx, env.ID)
	if err != nil {
		observability.WithTrace(ctx).Warn("auto-start after declare failed", "environment_id", env.ID, "error", err)
	}
	if started != nil {
		env = started
	}
	return env, nil
}

func (c *Controller) declare(ctx context.Context, d environment.Declaration) (*environment.Environment, error) {
	env := &environment.Environment{
		ID:       environment.NewID(),
		Desired:  environment.DesiredStopped,
		Observed: environment.ObservedAbsent,
	}
	env.ApplyDeclaration(d)
	if env.AutoStart {
		env.Desired = environment.DesiredRunning
	}
	if env.Type.NeedsDataVolume() {
		env.DataVolume = environment.NewDataVolumeName(env.Type)
	}
	if _, err := c.tr.Translate(env); err != nil {
		return nil, err
	}
	if err := c.checkNameFree(ctx, env); err != nil {
		return nil, err
	}
	if err := c.save(ctx, env); err != nil {
		return nil, err
	}
	observability.WithTrace(ctx).Info("environment declared",
		"environment_id", env.ID, "owner", env.Owner, "name", env.Name, "type", env.Type)
	return env, nil
}

// Update replaces the declared fields of an environment. A running
// container keeps its old spec until the next start, which recreates it.
func (c *Controller) Update(ctx context.Context, id string, d environment.Declaration) (*environment.Environment, error) {
	env, err := c.update(ctx, id, d)
	c.emit(ctx, ActionUpdate, id, env, err)
	return env, err
}

func (c *Controller) update(ctx context.Context, id string, d environment.Declaration) (*environment.Environment, error) {
	release, err := c.locks.acquire(ctx, id, c.cfg.LockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	env, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Desired == environment.DesiredAbsent {
		return nil, &fault.Error{Kind: fault.Conflict, EnvironmentID: id, Op: "update", Err: errors.New("environment is being deleted")}
	}
	if d.Owner != env.Owner {
		return nil, fault.WithEnvironment(fault.Validation("owner cannot change"), id)
	}
	if d.Type != env.Type {
		return nil, fault.WithEnvironment(fault.Validation("type cannot change from %s to %s", env.Type, d.Type), id)
	}

	d.Env = redact.RestoreEnv(d.Env, env.Env)
	next := env.Clone()
	next.ApplyDeclaration(d)
	if _, err := c.tr.Translate(next); err != nil {
		return nil, fault.WithEnvironment(err, id)
	}
	if next.Name != env.Name {
		if err := c.checkNameFree(ctx, next); err != nil {
			return nil, err
		}
	}
	if err := c.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Transition drives an environment to target. Requesting the state it is
// already in succeeds without touching the runtime. On failure the returned
// environment, when non-nil, reflects what was persisted.
func (c *Controller) Transition(ctx context.Context, id string, target environment.DesiredState) (*environment.Environment, error) {
	if !target.Valid() {
		return nil, fault.WithEnvironment(fault.Validation("unknown desired state %q", target), id)
	}
	env, err := c.locked(ctx, id, func(ctx context.Context, env *environment.Environment) (*environment.Environment, error) {
		return c.apply(ctx, env, target, func() error { return c.drive(ctx, env, target) })
	})
	c.emit(ctx, actionFor(target), id, env, err)
	return env, err
}

// Restart stops a running environment and starts it again under a single
// lock. A stopped environment is simply started. Drifted containers are
// recreated on the way up.
func (c *Controller) Restart(ctx context.Context, id string) (*environment.Environment, error) {
	env, err := c.locked(ctx, id, func(ctx context.Context, env *environment.Environment) (*environment.Environment, error) {
		return c.apply(ctx, env, environment.DesiredRunning, func() error {
			obs, err := c.observe(ctx, env)
			if err != nil {
				return err
			}
			if obs.State == runtime.StateRunning {
				if err := c.stop(ctx, env, obs); err != nil {
					return err
				}
			}
			return c.drive(ctx, env, environment.DesiredRunning)
		})
	})
	c.emit(ctx, ActionRestart, id, env, err)
	return env, err
}

// Reconcile runs one pass for one environment: a fresh inspect compared
// against the persisted desired state, and the transition toward it.
func (c *Controller) Reconcile(ctx context.Context, id string) (*environment.Environment, error) {
	env, err := c.locked(ctx, id, func(ctx context.Context, env *environment.Environment) (*environment.Environment, error) {
		target := env.Desired
		return c.apply(ctx, env, target, func() error { return c.drive(ctx, env, target) })
	})
	c.emit(ctx, ActionReconcile, id, env, err)
	return env, err
}

// Get returns the persisted record.
func (c *Controller) Get(ctx context.Context, id string) (*environment.Environment, error) {
	return c.load(ctx, id)
}

// List returns the persisted records matching f.
func (c *Controller) List(ctx context.Context, f environment.Filter) ([]*environment.Environment, error) {
	envs, err := c.store.List(ctx, f)
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "store.list", err)
	}
	return envs, nil
}

// CheckPort reports whether port could be reserved now.
func (c *Controller) CheckPort(_ context.Context, port int) (ports.Availability, error) {
	return c.ports.Check(port)
}

// locked loads id under its lock and runs fn. Only waiting for the lock
// follows ctx: once the lock is held fn runs on a context that the caller
// cannot cancel, bounded by the controller's own call timeouts, so a
// confirmed runtime change is always recorded.
func (c *Controller) locked(ctx context.Context, id string, fn func(context.Context, *environment.Environment) (*environment.Environment, error)) (*environment.Environment, error) {
	release, err := c.locks.acquire(ctx, id, c.cfg.LockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	env, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return fn(ctx, env)
}

// apply persists the new desired state, runs drive and records the outcome.
// The caller holds the environment lock.
func (c *Controller) apply(ctx context.Context, env *environment.Environment, target environment.DesiredState, drive func() error) (*environment.Environment, error) {
	log := observability.WithTrace(ctx).With("environment_id", env.ID, "target", target)

	prev := env.Desired
	if prev != target {
		env.Desired = target
		if err := c.save(ctx, env); err != nil {
			env.Desired = prev
			return nil, err
		}
	}

	beforeObserved, beforeHandle := env.Observed, env.RuntimeHandle
	err := drive()
	if err != nil {
		err = fault.WithEnvironment(err, env.ID)
		kind := fault.KindOf(err)
		// Only an unreachable runtime keeps the request pending for the
		// next pass. Other failures are final for this request.
		if !kind.Retryable() && target != environment.DesiredAbsent {
			env.Desired = prev
		}
		env.Fail(err, c.cfg.Now())
		log.Warn("transition failed", "kind", kind, "error", err)
	} else {
		env.LastError = nil
	}

	if err == nil && target == environment.DesiredAbsent {
		if derr := c.store.Delete(ctx, env.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return env, &fault.Error{Kind: fault.StoreUnavailable, EnvironmentID: env.ID, Op: "store.delete", Err: derr, Inconsistent: true}
		}
		log.Info("environment deleted")
		return env, nil
	}

	if serr := c.save(ctx, env); serr != nil {
		runtimeChanged := env.Observed != beforeObserved || env.RuntimeHandle != beforeHandle
		if runtimeChanged || err == nil {
			var fe *fault.Error
			if errors.As(serr, &fe) {
				fe.Inconsistent = runtimeChanged
			}
			return env, serr
		}
		return env, err
	}
	if err == nil {
		log.Info("transition complete", "phase", env.Phase())
	}
	return env, err
}

// drive moves env toward target, starting from a fresh inspect.
func (c *Controller) drive(ctx context.Context, env *environment.Environment, target environment.DesiredState) error {
	obs, err := c.observe(ctx, env)
	if err != nil {
		return err
	}
	switch target {
	case environment.DesiredRunning:
		if obs.State == runtime.StateAbsent {
			created, err := c.ensureCreated(ctx, env)
			if err != nil {
				return err
			}
			obs = created
		}
		return c.start(ctx, env, obs)
	case environment.DesiredStopped:
		if obs.State == runtime.StateRunning {
			return c.stop(ctx, env, obs)
		}
		c.ports.ReleaseOwner(env.ID)
		return nil
	case environment.DesiredAbsent:
		return c.ensureDeleted(ctx, env, obs)
	}
	return fault.Validation("unknown desired state %q", target)
}

func (c *Controller) checkNameFree(ctx context.Context, env *environment.Environment) error {
	other, err := c.store.LoadByName(ctx, env.Owner, env.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fault.New(fault.StoreUnavailable, "store.load", err)
	case other.ID != env.ID:
		return &fault.Error{Kind: fault.Conflict, EnvironmentID: other.ID, Op: "declare",
			Err: fmt.Errorf("%s already has an environment named %q", env.Owner, env.Name)}
	}
	return nil
}

func (c *Controller) load(ctx context.Context, id string) (*environment.Environment, error) {
	env, err := c.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &fault.Error{Kind: fault.NotFound, EnvironmentID: id, Op: "load", Err: err}
	}
	if err != nil {
		return nil, &fault.Error{Kind: fault.StoreUnavailable, EnvironmentID: id, Op: "store.load", Err: err}
	}
	return env, nil
}

func (c *Controller) save(ctx context.Context, env *environment.Environment) error {
	err := c.store.Save(ctx, env)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return &fault.Error{Kind: fault.Conflict, EnvironmentID: env.ID, Op: "store.save", Err: err}
	}
	return &fault.Error{Kind: fault.StoreUnavailable, EnvironmentID: env.ID, Op: "store.save", Err: err}
}

func (c *Controller) emit(ctx context.Context, action, id string, env *environment.Environment, err error) {
	if len(c.cfg.Listeners) == 0 {
		return
	}
	ev := Event{
		Action:        action,
		EnvironmentID: id,
		Environment:   env.Clone(),
		Result:        ResultSuccess,
		Err:           err,
		At:            c.cfg.Now(),
	}
	if err != nil {
		ev.Result = ResultError
		ev.Message = err.Error()
	}
	for _, l := range c.cfg.Listeners {
		l.OnEvent(ctx, ev)
	}
}

func idOf(env *environment.Environment) string {
	if env == nil {
		return ""
	}
	return env.ID
}
