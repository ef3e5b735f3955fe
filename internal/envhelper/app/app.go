// Package app wires the envhelper components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/envhelper/envhelper/common/retry"
	"github.com/envhelper/envhelper/common/spec/manifest"
	"github.com/envhelper/envhelper/internal/envhelper/api"
	"github.com/envhelper/envhelper/internal/envhelper/audit"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/lifecycle"
	"github.com/envhelper/envhelper/internal/envhelper/matrix"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
	"github.com/envhelper/envhelper/internal/envhelper/ports"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/runtime/docker"
	"github.com/envhelper/envhelper/internal/envhelper/runtime/memory"
	"github.com/envhelper/envhelper/internal/envhelper/store"
	"github.com/envhelper/envhelper/internal/envhelper/store/pgstore"
	"github.com/envhelper/envhelper/internal/envhelper/translate"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Runtime backends.
const (
	RuntimeDocker = "docker"
	RuntimeMemory = "memory"
)

// LockFileName is the single-controller lock created in DataDir.
const LockFileName = "envhelper.lock"

// Config holds application configuration
type Config struct {
	// HTTPAddr is the API listen address. Empty disables the API.
	HTTPAddr string
	// RateLimit is the per-client API request rate in requests per second.
	// Zero disables limiting.
	RateLimit float64

	DBDriver     string
	DatabasePath string
	DatabaseURL  string
	// MasterKey encrypts environment variables at rest when non-nil.
	MasterKey []byte

	Runtime       string
	DockerNetwork string
	// HostUser fills DOCKER_USER in every container.
	HostUser string
	// DataDir holds the lock file.
	DataDir string

	ReconcileInterval    time.Duration
	CallTimeout          time.Duration
	PullTimeout          time.Duration
	StopGrace            time.Duration
	LockWait             time.Duration
	PortProbe            bool
	PurgeVolumes         bool
	AutoStartConcurrency int

	// ManifestPath, when set, names a YAML manifest of environments declared
	// or updated at startup.
	ManifestPath string

	Matrix      matrix.Config
	AuditRoomID string

	// Startup controls how long New waits for the store and the runtime.
	// Zero value uses five attempts starting at one second.
	Startup retry.Config
}

func (c *Config) setDefaults() {
	if c.DBDriver == "" {
		c.DBDriver = DriverSQLite
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "./envhelper.db"
	}
	if c.Runtime == "" {
		c.Runtime = RuntimeDocker
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Startup.MaxAttempts == 0 {
		c.Startup = retry.Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 15 * time.Second}
	}
}

// backend is what the app needs from either store implementation.
type backend interface {
	lifecycle.Store
	audit.Writer
	Count(ctx context.Context) (int, error)
	Ping() error
	Close() error
}

// App is the main envhelper application
type App struct {
	config     *Config
	lock       *flock.Flock
	store      backend
	runtime    runtime.Runtime
	closeRT    func() error
	controller *lifecycle.Controller
	metrics    *observability.Metrics
	server     *api.Server
}

// New acquires the data directory lock, connects to the store and the
// runtime, and builds the controller and API server. Nothing runs until Run.
func New(ctx context.Context, config *Config) (*App, error) {
	config.setDefaults()
	a := &App{config: config}

	lock, err := acquireLock(ctx, config.DataDir)
	if err != nil {
		return nil, err
	}
	a.lock = lock

	if err := a.openStore(ctx); err != nil {
		a.Stop()
		return nil, err
	}
	if err := a.openRuntime(ctx); err != nil {
		a.Stop()
		return nil, err
	}

	a.metrics = observability.NewMetrics()

	notifier := audit.Notifier(audit.Noop{})
	if config.Matrix.Enabled() && config.AuditRoomID != "" {
		client, err := matrix.New(config.Matrix)
		if err != nil {
			a.Stop()
			return nil, err
		}
		if err := client.JoinRoom(ctx, config.AuditRoomID); err != nil {
			slog.Warn("could not join audit room; notices may fail", "room", config.AuditRoomID, "err", err)
		}
		notifier = audit.NewMatrixNotifier(client, config.AuditRoomID)
		slog.Info("audit room notifications enabled", "room", config.AuditRoomID)
	}

	var probe ports.Prober
	if config.PortProbe {
		probe = ports.NewDialProbe()
	}
	alloc := ports.New(probe)

	a.controller = lifecycle.New(a.store, a.runtime, alloc, translate.New(config.HostUser), lifecycle.Config{
		CallTimeout:          config.CallTimeout,
		PullTimeout:          config.PullTimeout,
		StopGrace:            config.StopGrace,
		LockWait:             config.LockWait,
		PurgeVolumes:         config.PurgeVolumes,
		AutoStartConcurrency: config.AutoStartConcurrency,
		Interval:             config.ReconcileInterval,
		Listeners: []lifecycle.Listener{
			audit.NewRecorder(a.store, notifier),
			lifecycle.ListenerFunc(a.observeEvent),
		},
		OnPass: a.observePass,
	})
	a.metrics.GaugeFunc("ports_held", "Host ports currently reserved by environments", func() float64 {
		return float64(alloc.Len())
	})

	if config.HTTPAddr != "" {
		a.server = api.NewServer(a.controller, api.Options{
			Addr:      config.HTTPAddr,
			RateLimit: config.RateLimit,
			Metrics:   a.metrics,
			Status:    a.store,
		})
	}
	return a, nil
}

func acquireLock(ctx context.Context, dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)
	lock := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another envhelper instance holds %s", path)
	}
	return lock, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.config
	switch cfg.DBDriver {
	case DriverSQLite:
		slog.Info("opening database", "path", cfg.DatabasePath)
		st, err := store.New(cfg.DatabasePath, cfg.MasterKey)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store = st
		return nil
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
		var st *pgstore.Store
		err := retry.Do(ctx, cfg.Startup, func() error {
			if err := pgstore.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			var err error
			st, err = pgstore.Connect(ctx, cfg.DatabaseURL, cfg.MasterKey)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.store = st
		return nil
	}
	return fmt.Errorf("unknown database driver %q", cfg.DBDriver)
}

func (a *App) openRuntime(ctx context.Context) error {
	cfg := a.config
	switch cfg.Runtime {
	case RuntimeMemory:
		slog.Warn("using the in-memory runtime; no containers will be created")
		a.runtime = memory.New()
		return nil
	case RuntimeDocker:
		adapter, err := docker.New(cfg.DockerNetwork)
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		a.runtime = adapter
		a.closeRT = adapter.Close

		err = retry.Do(ctx, cfg.Startup, func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return adapter.Ping(pingCtx)
		})
		if err != nil {
			return fmt.Errorf("docker daemon unreachable: %w", err)
		}
		if cfg.DockerNetwork != "" {
			if err := adapter.EnsureNetwork(ctx); err != nil {
				slog.Warn("could not ensure docker network; environment starts may fail", "network", cfg.DockerNetwork, "err", err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown runtime %q", cfg.Runtime)
}

func (a *App) observeEvent(_ context.Context, ev lifecycle.Event) {
	if ev.Action == lifecycle.ActionDrift {
		a.metrics.DriftTotal.Inc()
		return
	}
	a.metrics.ObserveTransition(ev.Action, ev.Result, string(fault.KindOf(ev.Err)))
}

func (a *App) observePass(err error) {
	result := lifecycle.ResultSuccess
	if err != nil {
		result = lifecycle.ResultError
	}
	a.metrics.ReconcilePasses.WithLabelValues(result).Inc()
}

// Controller returns the lifecycle controller.
func (a *App) Controller() *lifecycle.Controller { return a.controller }

// Metrics returns the process metrics.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Prepare runs the startup passes: rebuild the port table from the runtime,
// apply the manifest, then start every auto-start environment. Individual
// environment failures are logged, not returned.
func (a *App) Prepare(ctx context.Context) error {
	ctx = audit.WithActor(ctx, "startup")
	if err := a.controller.RebuildPorts(ctx); err != nil {
		return fmt.Errorf("failed to rebuild port table: %w", err)
	}
	if a.config.ManifestPath != "" {
		if err := a.applyManifest(ctx, a.config.ManifestPath); err != nil {
			return err
		}
	}
	if err := a.controller.AutoStart(ctx); err != nil {
		slog.Warn("some environments failed to auto-start", "err", err)
	}
	return nil
}

// applyManifest declares every manifest entry, or updates the existing
// environment with the same owner and name.
func (a *App) applyManifest(ctx context.Context, path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	for _, entry := range m.Environments {
		d, err := entry.Declaration()
		if err != nil {
			return err
		}
		existing, err := a.findByName(ctx, d.Owner, d.Name)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := a.controller.Declare(ctx, d); err != nil {
				slog.Warn("manifest: declare failed", "owner", d.Owner, "name", d.Name, "err", err)
			}
			continue
		}
		if _, err := a.controller.Update(ctx, existing.ID, d); err != nil {
			slog.Warn("manifest: update failed", "environment_id", existing.ID, "err", err)
		}
	}
	slog.Info("manifest applied", "path", path, "environments", len(m.Environments))
	return nil
}

func (a *App) findByName(ctx context.Context, owner, name string) (*environment.Environment, error) {
	envs, err := a.controller.List(ctx, environment.Filter{Owner: owner})
	if err != nil {
		return nil, err
	}
	for _, e := range envs {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, nil
}

// Run runs the startup passes, serves the API and reconciles periodically
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}

	go a.controller.Run(audit.WithActor(ctx, "reconciler"))

	slog.Info("envhelper is running")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Stop releases the runtime client, the store and the lock.
func (a *App) Stop() {
	if a.closeRT != nil {
		if err := a.closeRT(); err != nil {
			slog.Warn("closing runtime client", "err", err)
		}
	}
	if a.store != nil {
		slog.Info("closing database")
		if err := a.store.Close(); err != nil {
			slog.Warn("closing database", "err", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			slog.Warn("releasing lock", "err", err)
		}
	}
}
