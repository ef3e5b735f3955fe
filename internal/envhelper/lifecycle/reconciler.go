package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/store"
)

// Run starts the periodic reconciliation loop. Blocks until ctx is
// cancelled. A non-positive Interval returns immediately.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", c.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			err := c.ReconcileAll(ctx)
			if err != nil {
				slog.Warn("reconciliation pass failed", "error", err)
			}
			if c.cfg.OnPass != nil {
				c.cfg.OnPass(err)
			}
		}
	}
}

// ReconcileAll runs one pass over every record. Environments whose last
// transition failed with a retryable error, and deletions still in flight,
// are driven again. Every other environment only has its observed state
// refreshed; a running environment whose container stopped on its own is
// reported as drift.
func (c *Controller) ReconcileAll(ctx context.Context) error {
	envs, err := c.List(ctx, environment.Filter{})
	if err != nil {
		return err
	}
	for _, e := range envs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retry := e.Desired == environment.DesiredAbsent ||
			(e.LastError != nil && e.LastError.Kind.Retryable())
		if retry {
			if _, err := c.Reconcile(ctx, e.ID); err != nil && !fault.IsKind(err, fault.Busy) {
				slog.Warn("retry failed", "environment_id", e.ID, "error", err)
			}
			continue
		}
		if err := c.refresh(ctx, e.ID); err != nil && !fault.IsKind(err, fault.Busy) {
			slog.Warn("refresh failed", "environment_id", e.ID, "error", err)
		}
	}
	return nil
}

// refresh updates the observed state of one environment without driving it.
func (c *Controller) refresh(ctx context.Context, id string) error {
	env, obs, before, err := c.refreshLocked(ctx, id)
	if err != nil {
		return err
	}
	if before == environment.ObservedRunning && env.Observed != environment.ObservedRunning &&
		env.Desired == environment.DesiredRunning {
		msg := fmt.Sprintf("container no longer running (state=%s, exit_code=%d)", obs.State, obs.ExitCode)
		slog.Warn("unexpected state change", "environment_id", id, "detail", msg)
		c.emitDrift(ctx, env, msg)
	}
	return nil
}

func (c *Controller) refreshLocked(ctx context.Context, id string) (*environment.Environment, runtime.Observation, environment.ObservedState, error) {
	release, err := c.locks.acquire(ctx, id, 0)
	if err != nil {
		return nil, runtime.Observation{}, "", err
	}
	defer release()

	env, err := c.load(ctx, id)
	if err != nil {
		return nil, runtime.Observation{}, "", err
	}
	before := env.Observed
	obs, err := c.observe(ctx, env)
	if err != nil {
		return nil, runtime.Observation{}, "", err
	}
	if obs.State == runtime.StateRunning {
		c.claimRunning(ctx, env, obs)
	} else {
		c.ports.ReleaseOwner(env.ID)
	}
	if env.Observed != before || obs.State != runtime.StateAbsent {
		if err := c.save(ctx, env); err != nil {
			return nil, runtime.Observation{}, "", err
		}
	}
	return env, obs, before, nil
}

func (c *Controller) emitDrift(ctx context.Context, env *environment.Environment, msg string) {
	ev := Event{
		Action:        ActionDrift,
		EnvironmentID: env.ID,
		Environment:   env.Clone(),
		Result:        ResultError,
		Message:       msg,
		At:            c.cfg.Now(),
	}
	for _, l := range c.cfg.Listeners {
		l.OnEvent(ctx, ev)
	}
}

// AutoStart drives every auto-start environment to running, several at a
// time. Failures are collected; one environment failing never stops the
// others.
func (c *Controller) AutoStart(ctx context.Context) error {
	yes := true
	envs, err := c.List(ctx, environment.Filter{AutoStart: &yes})
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.AutoStartConcurrency)
	for _, e := range envs {
		if e.Desired == environment.DesiredAbsent {
			continue
		}
		g.Go(func() error {
			if _, err := c.Transition(gctx, e.ID, environment.DesiredRunning); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("auto-start pass complete", "environments", len(envs), "failed", len(errs))
	return errors.Join(errs...)
}

// RebuildPorts re-derives the port table from the runtime: every
// environment whose container is running holds the ports it publishes.
// Run it before AutoStart after a restart.
func (c *Controller) RebuildPorts(ctx context.Context) error {
	envs, err := c.List(ctx, environment.Filter{})
	if err != nil {
		return err
	}
	table := make(map[int]string)
	for _, e := range envs {
		obs, err := c.inspect(ctx, runtime.Handle{ID: e.RuntimeHandle, Name: e.ContainerName()})
		if err != nil {
			return fault.WithEnvironment(err, e.ID)
		}
		if obs.State != runtime.StateRunning {
			continue
		}
		if id := obs.EnvironmentID(); id != "" && id != e.ID {
			continue
		}
		for _, p := range obs.PortsBound {
			table[p] = e.ID
		}
	}
	c.ports.Reset(table)
	slog.Info("port table rebuilt", "held", len(table))
	return nil
}

// Orphans lists managed containers that no record accounts for.
func (c *Controller) Orphans(ctx context.Context) ([]runtime.Observation, error) {
	var all []runtime.Observation
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		all, err = c.rt.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []runtime.Observation
	for _, obs := range all {
		id := obs.EnvironmentID()
		if id == "" {
			out = append(out, obs)
			continue
		}
		_, err := c.store.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, obs)
			continue
		}
		if err != nil {
			return nil, fault.New(fault.StoreUnavailable, "store.load", err)
		}
	}
	return out, nil
}
