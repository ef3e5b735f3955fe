// Package ports tracks which environment holds which host port.
package ports

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// HeldError reports the current holder of a contested port.
type HeldError struct {
	Port int
	// Holder is the owning environment ID, empty when the port is taken by
	// a process envhelper does not manage.
	Holder string
}

func (e *HeldError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("port %d is in use by a process outside envhelper", e.Port)
	}
	return fmt.Sprintf("port %d is held by environment %s", e.Port, e.Holder)
}

// HolderOf extracts the holding environment from a PortConflict returned by
// Reserve.
func HolderOf(err error) (string, bool) {
	var he *HeldError
	if errors.As(err, &he) && he.Holder != "" {
		return he.Holder, true
	}
	return "", false
}

// Prober reports whether a host port is free of listeners.
type Prober interface {
	Available(port int) bool
}

// Availability is the result of Check.
type Availability struct {
	Port      int    `json:"port"`
	Available bool   `json:"available"`
	Holder    string `json:"holder,omitempty"`
	External  bool   `json:"external,omitempty"`
}

// Allocator is the single owner of the host port table. All methods are
// safe for concurrent use; Reserve and Release are atomic.
type Allocator struct {
	mu    sync.Mutex
	held  map[int]string
	probe Prober
}

// New creates an allocator. probe may be nil to skip host probing.
func New(probe Prober) *Allocator {
	return &Allocator{held: make(map[int]string), probe: probe}
}

// Reserve records that owner holds port. Reserving a port the owner already
// holds succeeds without change. A port held by another owner, or taken by
// an outside process, is a PortConflict; no other port is ever substituted.
func (a *Allocator) Reserve(owner string, port int) (int, error) {
	if port < 1 || port > 65535 {
		return 0, fault.Validation("port %d out of range 1-65535", port)
	}
	if held, err := a.heldBy(owner, port); held || err != nil {
		return port, err
	}
	// The probe dials the host, so it runs without the table lock.
	if a.probe != nil && !a.probe.Available(port) {
		return 0, fault.New(fault.PortConflict, "reserve", &HeldError{Port: port})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if holder, ok := a.held[port]; ok && holder != owner {
		return 0, fault.New(fault.PortConflict, "reserve", &HeldError{Port: port, Holder: holder})
	}
	a.held[port] = owner
	return port, nil
}

// heldBy reports whether owner already holds port, or a PortConflict when
// another owner does.
func (a *Allocator) heldBy(owner string, port int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	holder, ok := a.held[port]
	if !ok {
		return false, nil
	}
	if holder != owner {
		return false, fault.New(fault.PortConflict, "reserve", &HeldError{Port: port, Holder: holder})
	}
	return true, nil
}

// Adopt records owner as the holder of a port its container is already
// confirmed to be bound to. The host probe is skipped since the listener is
// the owner itself. A port held by another owner is still a PortConflict.
func (a *Allocator) Adopt(owner string, port int) error {
	if port < 1 || port > 65535 {
		return fault.Validation("port %d out of range 1-65535", port)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if holder, ok := a.held[port]; ok && holder != owner {
		return fault.New(fault.PortConflict, "adopt", &HeldError{Port: port, Holder: holder})
	}
	a.held[port] = owner
	return nil
}

// Release frees port if owner holds it.
func (a *Allocator) Release(owner string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held[port] == owner {
		delete(a.held, port)
	}
}

// ReleaseOwner frees every port held by owner.
func (a *Allocator) ReleaseOwner(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p, o := range a.held {
		if o == owner {
			delete(a.held, p)
		}
	}
}

// Holder returns the owner of port.
func (a *Allocator) Holder(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.held[port]
	return o, ok
}

// Reset replaces the whole table, used when rebuilding from the runtime.
func (a *Allocator) Reset(table map[int]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held = maps.Clone(table)
	if a.held == nil {
		a.held = make(map[int]string)
	}
}

// Snapshot returns a copy of the table.
func (a *Allocator) Snapshot() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.held)
}

// Len returns the number of held ports.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

// Check reports whether port could be reserved right now, without reserving.
func (a *Allocator) Check(port int) (Availability, error) {
	if port < 1 || port > 65535 {
		return Availability{}, fault.Validation("port %d out of range 1-65535", port)
	}
	if holder, ok := a.Holder(port); ok {
		return Availability{Port: port, Holder: holder}, nil
	}
	if a.probe != nil && !a.probe.Available(port) {
		return Availability{Port: port, External: true}, nil
	}
	if holder, ok := a.Holder(port); ok {
		return Availability{Port: port, Holder: holder}, nil
	}
	return Availability{Port: port, Available: true}, nil
}
