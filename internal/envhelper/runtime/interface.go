// Package runtime defines the Runtime interface the lifecycle controller uses
// to drive environment containers.
package runtime

import (
	"context"
	"time"
)

// Runtime abstracts the container backend (Docker, in-memory).
//
// Every error returned is a *fault.Error of kind RuntimeUnavailable, NotFound,
// Conflict, PortConflict or ValidationError. An operation either applies
// completely or reports an error.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling it on demand.
	EnsureImage(ctx context.Context, image string) error

	// Create creates a stopped container from spec. A name already in use
	// is a Conflict.
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)

	// Start starts a created or stopped container. A host port held by
	// another process is a PortConflict.
	Start(ctx context.Context, h Handle) error

	// Stop asks the container to exit and waits up to grace before the
	// engine kills it.
	Stop(ctx context.Context, h Handle, grace time.Duration) error

	// Kill forcibly stops the container.
	Kill(ctx context.Context, h Handle) error

	// Remove deletes a stopped container. A container that no longer exists
	// is a NotFound.
	Remove(ctx context.Context, h Handle) error

	// Inspect reports the current state. A container that does not exist is
	// reported as StateAbsent with a nil error.
	Inspect(ctx context.Context, h Handle) (Observation, error)

	// List returns handles of all containers managed by envhelper.
	List(ctx context.Context) ([]Observation, error)

	// EnsureVolume creates the named volume if it does not exist.
	EnsureVolume(ctx context.Context, name string) error

	// RemoveVolume deletes the named volume. A missing volume is not an
	// error.
	RemoveVolume(ctx context.Context, name string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
