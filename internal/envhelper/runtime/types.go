package runtime

import (
	"slices"
	"time"
)

// Labels attached to every managed container.
const (
	LabelManagedBy     = "envhelper.managed-by"
	LabelEnvironmentID = "envhelper.environment-id"
	LabelOwner         = "envhelper.owner"
	LabelSpecHash      = "envhelper.spec-hash"
	ManagedByValue     = "envhelper"
)

// Restart policies.
const (
	RestartUnlessStopped = "unless-stopped"
	RestartNo            = "no"
)

// Mount is a volume or bind mount.
type Mount struct {
	// Source is an absolute host path for binds or a volume name.
	Source   string
	Target   string
	ReadOnly bool
	// Bind is true when Source is a host path.
	Bind bool
}

// ContainerSpec is the fully resolved description of a container.
type ContainerSpec struct {
	Name  string
	Image string
	// Env holds the merged variables; user values already override defaults.
	Env    map[string]string
	Labels map[string]string

	HostPort      int
	ContainerPort int

	Mounts []Mount

	// CPULimit is in cores, 0 means unlimited.
	CPULimit float64
	// MemoryLimit is in bytes, 0 means unlimited.
	MemoryLimit int64

	RestartPolicy string
	// Network is the network to attach to. Empty means the engine default.
	Network string
}

// Handle identifies a container. Either field addresses it; ID wins when
// both are set.
type Handle struct {
	ID   string
	Name string
}

// Ref returns the identifier to address the container with.
func (h Handle) Ref() string {
	if h.ID != "" {
		return h.ID
	}
	return h.Name
}

func (h Handle) String() string {
	if h.Name != "" && h.ID != "" {
		return h.Name + " (" + shortID(h.ID) + ")"
	}
	return h.Ref()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// State is the coarse container state the controller reasons about.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateAbsent  State = "absent"
)

// Observation is the result of an inspect.
type Observation struct {
	Handle Handle
	State  State
	Image  string
	Labels map[string]string
	// PortsBound lists the host ports the container publishes.
	PortsBound []int
	ExitCode   int
	StartedAt  time.Time
}

// EnvironmentID returns the environment label of the container.
func (o Observation) EnvironmentID() string { return o.Labels[LabelEnvironmentID] }

// SpecHash returns the spec hash label of the container.
func (o Observation) SpecHash() string { return o.Labels[LabelSpecHash] }

// Managed reports whether the container carries the envhelper label.
func (o Observation) Managed() bool { return o.Labels[LabelManagedBy] == ManagedByValue }

// Binds reports whether the container publishes port on the host.
func (o Observation) Binds(port int) bool { return slices.Contains(o.PortsBound, port) }
