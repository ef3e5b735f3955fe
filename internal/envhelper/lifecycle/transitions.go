package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
	"github.com/envhelper/envhelper/internal/envhelper/ports"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/store"
)

// observe inspects the runtime for env and folds the result into the
// record. A stale handle is never trusted: when the container behind it is
// gone, the container name is tried, and only a container labelled with
// env's ID is bound.
func (c *Controller) observe(ctx context.Context, env *environment.Environment) (runtime.Observation, error) {
	name := env.ContainerName()
	if env.RuntimeHandle != "" {
		obs, err := c.inspect(ctx, runtime.Handle{ID: env.RuntimeHandle, Name: name})
		if err != nil {
			return runtime.Observation{}, err
		}
		if obs.State != runtime.StateAbsent {
			c.record(env, obs)
			return obs, nil
		}
	}

	obs, err := c.inspect(ctx, runtime.Handle{Name: name})
	if err != nil {
		return runtime.Observation{}, err
	}
	if obs.State != runtime.StateAbsent && obs.EnvironmentID() == env.ID {
		c.record(env, obs)
		return obs, nil
	}

	if env.RuntimeHandle != "" {
		observability.WithTrace(ctx).Info("container is gone, correcting record",
			"environment_id", env.ID, "handle", env.RuntimeHandle)
	}
	env.RuntimeHandle = ""
	env.Observed = environment.ObservedAbsent
	return runtime.Observation{Handle: runtime.Handle{Name: name}, State: runtime.StateAbsent}, nil
}

func (c *Controller) record(env *environment.Environment, obs runtime.Observation) {
	env.RuntimeHandle = obs.Handle.ID
	env.Observed = observedState(obs.State)
	if obs.State != runtime.StateAbsent {
		env.LastSeen = c.cfg.Now()
	}
}

func observedState(s runtime.State) environment.ObservedState {
	switch s {
	case runtime.StateRunning:
		return environment.ObservedRunning
	case runtime.StateStopped:
		return environment.ObservedCreated
	default:
		return environment.ObservedAbsent
	}
}

// ensureCreated takes env from Absent to Created. The port is reserved
// before anything is created and released again on any failure.
func (c *Controller) ensureCreated(ctx context.Context, env *environment.Environment) (runtime.Observation, error) {
	spec, err := c.tr.Translate(env)
	if err != nil {
		return runtime.Observation{}, err
	}
	if err := c.reserve(ctx, env, spec.HostPort); err != nil {
		return runtime.Observation{}, err
	}
	obs, err := c.create(ctx, env, spec)
	if err != nil {
		c.ports.Release(env.ID, spec.HostPort)
		return runtime.Observation{}, err
	}
	return obs, nil
}

func (c *Controller) create(ctx context.Context, env *environment.Environment, spec runtime.ContainerSpec) (runtime.Observation, error) {
	log := observability.WithTrace(ctx).With("environment_id", env.ID, "container", spec.Name)

	err := c.callFor(ctx, c.cfg.PullTimeout, func(ctx context.Context) error {
		return c.rt.EnsureImage(ctx, spec.Image)
	})
	if err != nil {
		return runtime.Observation{}, err
	}
	if env.DataVolume != "" {
		err := c.call(ctx, func(ctx context.Context) error {
			return c.rt.EnsureVolume(ctx, env.DataVolume)
		})
		if err != nil {
			return runtime.Observation{}, err
		}
	}

	var h runtime.Handle
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		h, err = c.rt.Create(ctx, spec)
		return err
	})
	if fault.IsKind(err, fault.Conflict) {
		return c.adopt(ctx, env, spec, err)
	}
	if err != nil {
		return runtime.Observation{}, err
	}

	env.RuntimeHandle = h.ID
	env.Observed = environment.ObservedCreated
	env.LastSeen = c.cfg.Now()

	// Commit the handle before the container is used. A record that cannot
	// learn about the container must not leave it behind.
	if err := c.save(ctx, env); err != nil {
		env.RuntimeHandle = ""
		env.Observed = environment.ObservedAbsent
		rbErr := c.call(ctx, func(ctx context.Context) error { return c.rt.Remove(ctx, h) })
		if rbErr != nil && !fault.IsKind(rbErr, fault.NotFound) {
			log.Error("rollback of created container failed", "handle", h.String(), "error", rbErr)
			return runtime.Observation{}, &fault.Error{
				Kind: fault.StoreUnavailable, EnvironmentID: env.ID, Op: "create", Err: err, Inconsistent: true,
			}
		}
		log.Warn("created container rolled back", "handle", h.String(), "error", err)
		return runtime.Observation{}, err
	}
	log.Info("container created", "handle", h.String(), "image", spec.Image)
	return runtime.Observation{Handle: h, State: runtime.StateStopped, Image: spec.Image, Labels: spec.Labels}, nil
}

// adopt binds a container that already holds env's name when it is
// compatible: labelled with env's ID, or unlabelled with the same image and
// host port.
func (c *Controller) adopt(ctx context.Context, env *environment.Environment, spec runtime.ContainerSpec, conflict error) (runtime.Observation, error) {
	obs, err := c.inspect(ctx, runtime.Handle{Name: spec.Name})
	if err != nil {
		return runtime.Observation{}, err
	}
	if obs.State == runtime.StateAbsent {
		return runtime.Observation{}, conflict
	}
	if !compatible(obs, env, spec) {
		return runtime.Observation{}, &fault.Error{
			Kind: fault.Conflict, EnvironmentID: env.ID, Op: "adopt " + spec.Name,
			Err: errors.New("an incompatible container already uses this name"),
		}
	}
	c.record(env, obs)
	observability.WithTrace(ctx).Info("adopted existing container",
		"environment_id", env.ID, "handle", obs.Handle.String(), "state", obs.State)
	return obs, nil
}

func compatible(obs runtime.Observation, env *environment.Environment, spec runtime.ContainerSpec) bool {
	if id := obs.EnvironmentID(); id != "" {
		return id == env.ID
	}
	if obs.Image != spec.Image {
		return false
	}
	return len(obs.PortsBound) == 0 || obs.Binds(spec.HostPort)
}

// start takes env from Created to Running. A container whose spec hash no
// longer matches the declaration is recreated first.
func (c *Controller) start(ctx context.Context, env *environment.Environment, obs runtime.Observation) error {
	if obs.State == runtime.StateRunning {
		c.claimRunning(ctx, env, obs)
		return nil
	}
	spec, err := c.tr.Translate(env)
	if err != nil {
		return err
	}

	if hash := obs.SpecHash(); hash != "" && hash != spec.Labels[runtime.LabelSpecHash] {
		observability.WithTrace(ctx).Info("declaration changed, recreating container",
			"environment_id", env.ID, "handle", obs.Handle.String())
		err := c.call(ctx, func(ctx context.Context) error { return c.rt.Remove(ctx, obs.Handle) })
		if err != nil && !fault.IsKind(err, fault.NotFound) {
			return err
		}
		env.RuntimeHandle = ""
		env.Observed = environment.ObservedAbsent
		if obs, err = c.ensureCreated(ctx, env); err != nil {
			return err
		}
		if obs.State == runtime.StateRunning {
			c.claimRunning(ctx, env, obs)
			return nil
		}
	}

	if err := c.reserve(ctx, env, spec.HostPort); err != nil {
		return err
	}
	err = c.call(ctx, func(ctx context.Context) error { return c.rt.Start(ctx, obs.Handle) })
	if err != nil {
		c.ports.Release(env.ID, spec.HostPort)
		if fault.IsKind(err, fault.NotFound) {
			env.RuntimeHandle = ""
			env.Observed = environment.ObservedAbsent
		}
		return err
	}
	env.Observed = environment.ObservedRunning
	env.LastSeen = c.cfg.Now()
	return nil
}

// claimRunning records the ports a running container is confirmed to
// publish.
func (c *Controller) claimRunning(ctx context.Context, env *environment.Environment, obs runtime.Observation) {
	env.Observed = environment.ObservedRunning
	env.LastSeen = c.cfg.Now()
	for _, p := range obs.PortsBound {
		if err := c.ports.Adopt(env.ID, p); err != nil {
			observability.WithTrace(ctx).Warn("running container publishes a port held by another environment",
				"environment_id", env.ID, "port", p, "error", err)
		}
	}
}

// stop takes env from Running to Created. A graceful stop that fails is
// escalated to a kill; the port is released once either succeeded.
func (c *Controller) stop(ctx context.Context, env *environment.Environment, obs runtime.Observation) error {
	log := observability.WithTrace(ctx).With("environment_id", env.ID, "handle", obs.Handle.String())
	grace := c.cfg.StopGrace

	err := c.callFor(ctx, c.cfg.CallTimeout+grace, func(ctx context.Context) error {
		return c.rt.Stop(ctx, obs.Handle, grace)
	})
	if err != nil && !fault.IsKind(err, fault.NotFound) {
		log.Warn("graceful stop failed, killing", "error", err)
		err = c.call(ctx, func(ctx context.Context) error { return c.rt.Kill(ctx, obs.Handle) })
	}
	if fault.IsKind(err, fault.NotFound) {
		c.ports.ReleaseOwner(env.ID)
		env.RuntimeHandle = ""
		env.Observed = environment.ObservedAbsent
		return nil
	}
	if err != nil {
		return err
	}
	c.ports.ReleaseOwner(env.ID)
	env.Observed = environment.ObservedCreated
	log.Info("container stopped")
	return nil
}

// ensureDeleted takes env from any state to Absent. The caller removes the
// record once this succeeded.
func (c *Controller) ensureDeleted(ctx context.Context, env *environment.Environment, obs runtime.Observation) error {
	if obs.State == runtime.StateRunning {
		if err := c.stop(ctx, env, obs); err != nil {
			return err
		}
	}
	if env.RuntimeHandle != "" {
		err := c.call(ctx, func(ctx context.Context) error { return c.rt.Remove(ctx, obs.Handle) })
		if err != nil && !fault.IsKind(err, fault.NotFound) {
			return err
		}
	}
	c.ports.ReleaseOwner(env.ID)
	env.RuntimeHandle = ""
	env.Observed = environment.ObservedAbsent

	if c.cfg.PurgeVolumes && env.DataVolume != "" {
		err := c.call(ctx, func(ctx context.Context) error { return c.rt.RemoveVolume(ctx, env.DataVolume) })
		if err != nil {
			observability.WithTrace(ctx).Warn("data volume left behind",
				"environment_id", env.ID, "volume", env.DataVolume, "error", err)
		}
	}
	return nil
}

// reserve claims port for env. A holder that is not actually running on
// the port, and not in a transition of its own, is evicted.
func (c *Controller) reserve(ctx context.Context, env *environment.Environment, port int) error {
	for p, holder := range c.ports.Snapshot() {
		if holder == env.ID && p != port {
			c.ports.Release(env.ID, p)
		}
	}
	_, err := c.ports.Reserve(env.ID, port)
	if err == nil {
		return nil
	}
	holder, ok := ports.HolderOf(err)
	if !ok || !c.evictStale(ctx, holder, port) {
		return err
	}
	_, err = c.ports.Reserve(env.ID, port)
	return err
}

func (c *Controller) evictStale(ctx context.Context, holder string, port int) bool {
	release, err := c.locks.acquire(ctx, holder, 0)
	if err != nil {
		return false
	}
	defer release()

	other, err := c.store.Load(ctx, holder)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false
	default:
		obs, err := c.inspect(ctx, runtime.Handle{ID: other.RuntimeHandle, Name: other.ContainerName()})
		if err != nil {
			return false
		}
		if obs.State == runtime.StateRunning && obs.Binds(port) {
			return false
		}
	}
	observability.WithTrace(ctx).Info("evicting stale port holder", "port", port, "holder", holder)
	c.ports.Release(holder, port)
	return true
}

func (c *Controller) inspect(ctx context.Context, h runtime.Handle) (runtime.Observation, error) {
	var obs runtime.Observation
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		obs, err = c.rt.Inspect(ctx, h)
		return err
	})
	return obs, err
}

func (c *Controller) call(ctx context.Context, op func(context.Context) error) error {
	return c.callFor(ctx, c.cfg.CallTimeout, op)
}

// callFor runs one runtime call under a deadline. Unclassified errors are
// treated as the runtime being unavailable.
func (c *Controller) callFor(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := op(cctx)
	if err == nil {
		return nil
	}
	if fault.KindOf(err) == "" {
		return fault.New(fault.RuntimeUnavailable, "runtime", err)
	}
	return err
}
