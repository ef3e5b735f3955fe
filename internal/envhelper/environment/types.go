// Package environment defines the declared development environment record and
// the text formats users edit it through.
package environment

import (
	"maps"
	"slices"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// Type selects the defaults table entry applied by the translator.
type Type string

const (
	TypeVSCode Type = "vscode"
	TypeWebtop Type = "webtop"
	TypeCustom Type = "custom"
)

// Valid reports whether t is a known environment type.
func (t Type) Valid() bool {
	switch t {
	case TypeVSCode, TypeWebtop, TypeCustom:
		return true
	}
	return false
}

// DesiredState is what the user asked for.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
	// DesiredAbsent marks a delete in flight. The record survives until the
	// runtime container is confirmed gone.
	DesiredAbsent DesiredState = "absent"
)

// Valid reports whether d is a known desired state.
func (d DesiredState) Valid() bool {
	switch d {
	case DesiredRunning, DesiredStopped, DesiredAbsent:
		return true
	}
	return false
}

// ObservedState is the last state confirmed against the runtime.
type ObservedState string

const (
	ObservedAbsent  ObservedState = "absent"
	ObservedCreated ObservedState = "created"
	ObservedRunning ObservedState = "running"
)

// Phase is the controller state of an environment.
type Phase string

const (
	PhaseAbsent  Phase = "Absent"
	PhaseCreated Phase = "Created"
	PhaseRunning Phase = "Running"
)

// PhaseError returns the phase of an environment whose last transition failed
// with kind.
func PhaseError(kind fault.Kind) Phase {
	return Phase("Error(" + string(kind) + ")")
}

// Mode is a volume access mode.
type Mode string

const (
	ModeRW Mode = "rw"
	ModeRO Mode = "ro"
)

// Volume maps a host path or named volume into the container.
type Volume struct {
	HostPath      string `json:"host_path" yaml:"host_path"`
	ContainerPath string `json:"container_path" yaml:"container_path"`
	Mode          Mode   `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ReadOnly reports whether the volume is mounted read-only.
func (v Volume) ReadOnly() bool { return v.Mode == ModeRO }

// Failure records why the last transition failed.
type Failure struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Environment is the persisted record of a declared environment.
type Environment struct {
	ID          string
	Owner       string
	Name        string
	Description string
	Type        Type

	// Image, Port and ContainerPort hold the declared values. Zero values
	// mean "type default" and are resolved by the translator.
	Image         string
	Port          int
	ContainerPort int

	Volumes     []Volume
	Env         map[string]string
	CPULimit    *float64
	MemoryLimit *int64
	AutoStart   bool

	Desired  DesiredState
	Observed ObservedState

	LastError     *Failure
	RuntimeHandle string
	DataVolume    string

	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContainerName returns the runtime container name of the environment.
func (e *Environment) ContainerName() string {
	return ContainerName(e.Owner, e.Name)
}

// Phase derives the controller phase from the observed state and the last
// failure.
func (e *Environment) Phase() Phase {
	if e.LastError != nil {
		return PhaseError(e.LastError.Kind)
	}
	switch e.Observed {
	case ObservedRunning:
		return PhaseRunning
	case ObservedCreated:
		return PhaseCreated
	default:
		return PhaseAbsent
	}
}

// Fail records a failed transition.
func (e *Environment) Fail(err error, at time.Time) {
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.RuntimeUnavailable
	}
	e.LastError = &Failure{Kind: kind, Message: err.Error(), At: at}
}

// ApplyDeclaration overwrites the declared fields of e with d. Runtime state
// is left untouched.
func (e *Environment) ApplyDeclaration(d Declaration) {
	e.Owner = d.Owner
	e.Name = d.Name
	e.Description = d.Description
	e.Type = d.Type
	e.Image = d.Image
	e.Port = d.Port
	e.ContainerPort = d.ContainerPort
	e.Volumes = slices.Clone(d.Volumes)
	e.Env = maps.Clone(d.Env)
	e.CPULimit = d.CPULimit
	e.MemoryLimit = d.MemoryLimit
	e.AutoStart = d.AutoStart
}

// Clone returns a deep copy of e.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	c := *e
	c.Volumes = slices.Clone(e.Volumes)
	c.Env = maps.Clone(e.Env)
	if e.CPULimit != nil {
		v := *e.CPULimit
		c.CPULimit = &v
	}
	if e.MemoryLimit != nil {
		v := *e.MemoryLimit
		c.MemoryLimit = &v
	}
	if e.LastError != nil {
		f := *e.LastError
		c.LastError = &f
	}
	return &c
}

// Declaration is the user-editable part of an environment.
type Declaration struct {
	Owner         string
	Name          string
	Description   string
	Type          Type
	Image         string
	Port          int
	ContainerPort int
	Volumes       []Volume
	Env           map[string]string
	CPULimit      *float64
	MemoryLimit   *int64
	AutoStart     bool
}

// Declaration returns the user-editable part of e.
func (e *Environment) Declaration() Declaration {
	return Declaration{
		Owner:         e.Owner,
		Name:          e.Name,
		Description:   e.Description,
		Type:          e.Type,
		Image:         e.Image,
		Port:          e.Port,
		ContainerPort: e.ContainerPort,
		Volumes:       slices.Clone(e.Volumes),
		Env:           maps.Clone(e.Env),
		CPULimit:      e.CPULimit,
		MemoryLimit:   e.MemoryLimit,
		AutoStart:     e.AutoStart,
	}
}
