package api

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
	"time"

	"github.com/envhelper/envhelper/common/redact"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
	"github.com/envhelper/envhelper/internal/envhelper/translate"
)

// DeclarationRequest is the body of create and update calls.
//
// Variables may be given as an object (env), as KEY=VALUE text (env_text)
// or both; object entries win over text entries with the same key. Volumes
// work the same way with volumes and volumes_text, text lines appended.
type DeclarationRequest struct {
	Owner         string               `json:"owner"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Type          environment.Type     `json:"type"`
	Image         string               `json:"image,omitempty"`
	Port          int                  `json:"port,omitempty"`
	ContainerPort int                  `json:"container_port,omitempty"`
	Volumes       []environment.Volume `json:"volumes,omitempty"`
	VolumesText   string               `json:"volumes_text,omitempty"`
	Env           map[string]string    `json:"env,omitempty"`
	EnvText       string               `json:"env_text,omitempty"`
	CPULimit      *float64             `json:"cpu_limit,omitempty"`
	// MemoryLimit is a byte count or a string such as "2g".
	MemoryLimit json.RawMessage `json:"memory_limit,omitempty"`
	AutoStart   bool            `json:"auto_start,omitempty"`
}

// Declaration converts the request. Format errors are ValidationErrors.
func (req *DeclarationRequest) Declaration() (environment.Declaration, error) {
	d := environment.Declaration{
		Owner:         req.Owner,
		Name:          req.Name,
		Description:   req.Description,
		Type:          req.Type,
		Image:         req.Image,
		Port:          req.Port,
		ContainerPort: req.ContainerPort,
		CPULimit:      req.CPULimit,
		AutoStart:     req.AutoStart,
	}

	vars := make(map[string]string)
	if req.EnvText != "" {
		parsed, err := environment.ParseEnv(req.EnvText)
		if err != nil {
			return d, err
		}
		maps.Copy(vars, parsed)
	}
	maps.Copy(vars, req.Env)
	if len(vars) > 0 {
		d.Env = vars
	}

	d.Volumes = append(d.Volumes, req.Volumes...)
	if req.VolumesText != "" {
		parsed, err := environment.ParseVolumes(req.VolumesText)
		if err != nil {
			return d, err
		}
		d.Volumes = append(d.Volumes, parsed...)
	}
	for i := range d.Volumes {
		if d.Volumes[i].Mode == "" {
			d.Volumes[i].Mode = environment.ModeRW
		}
	}

	mem, err := parseMemoryField(req.MemoryLimit)
	if err != nil {
		return d, err
	}
	d.MemoryLimit = mem
	return d, nil
}

func parseMemoryField(raw json.RawMessage) (*int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fault.Validation("memory_limit: %v", err)
		}
		return environment.ParseMemory(s)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fault.Validation("memory_limit must be a byte count or a size string such as \"2g\"")
	}
	if n < 0 {
		return nil, fault.Validation("memory_limit must not be negative")
	}
	return &n, nil
}

// TransitionRequest is the body of POST .../transition.
type TransitionRequest struct {
	Desired environment.DesiredState `json:"desired"`
}

// FailureResponse describes the last failed transition.
type FailureResponse struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// EnvironmentResponse is the API view of an environment. Sensitive
// variable values are redacted.
type EnvironmentResponse struct {
	ID            string               `json:"id"`
	Owner         string               `json:"owner"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Type          environment.Type     `json:"type"`
	Image         string               `json:"image"`
	Port          int                  `json:"port"`
	ContainerPort int                  `json:"container_port"`
	Volumes       []environment.Volume `json:"volumes"`
	Env           map[string]string    `json:"env"`
	CPULimit      *float64             `json:"cpu_limit,omitempty"`
	MemoryLimit   string               `json:"memory_limit,omitempty"`
	AutoStart     bool                 `json:"auto_start"`

	Desired       environment.DesiredState  `json:"desired"`
	Observed      environment.ObservedState `json:"observed"`
	Phase         environment.Phase         `json:"phase"`
	LastError     *FailureResponse          `json:"last_error,omitempty"`
	ContainerName string                    `json:"container_name"`
	RuntimeHandle string                    `json:"runtime_handle,omitempty"`
	DataVolume    string                    `json:"data_volume,omitempty"`
	LastSeen      *time.Time                `json:"last_seen,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// NewEnvironmentResponse builds the view of e. Image and ports show the
// effective values with type defaults applied.
func NewEnvironmentResponse(e *environment.Environment) EnvironmentResponse {
	resp := EnvironmentResponse{
		ID:            e.ID,
		Owner:         e.Owner,
		Name:          e.Name,
		Description:   e.Description,
		Type:          e.Type,
		Image:         e.Image,
		Port:          e.Port,
		ContainerPort: e.ContainerPort,
		Volumes:       e.Volumes,
		Env:           redact.Env(e.Env),
		CPULimit:      e.CPULimit,
		AutoStart:     e.AutoStart,
		Desired:       e.Desired,
		Observed:      e.Observed,
		Phase:         e.Phase(),
		ContainerName: e.ContainerName(),
		RuntimeHandle: e.RuntimeHandle,
		DataVolume:    e.DataVolume,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if r, err := translate.Resolve(e.Declaration()); err == nil {
		resp.Image, resp.Port, resp.ContainerPort = r.Image, r.Port, r.ContainerPort
	}
	if resp.Volumes == nil {
		resp.Volumes = []environment.Volume{}
	}
	if resp.Env == nil {
		resp.Env = map[string]string{}
	}
	if e.MemoryLimit != nil {
		resp.MemoryLimit = environment.FormatMemory(*e.MemoryLimit)
	}
	if e.LastError != nil {
		resp.LastError = &FailureResponse{Kind: e.LastError.Kind, Message: e.LastError.Message, At: e.LastError.At}
	}
	if !e.LastSeen.IsZero() {
		t := e.LastSeen
		resp.LastSeen = &t
	}
	return resp
}

// OrphanResponse describes a managed container no record accounts for.
type OrphanResponse struct {
	ContainerID   string        `json:"container_id"`
	Name          string        `json:"name"`
	Image         string        `json:"image"`
	State         runtime.State `json:"state"`
	EnvironmentID string        `json:"environment_id,omitempty"`
	Ports         []int         `json:"ports,omitempty"`
}

func newOrphanResponse(o runtime.Observation) OrphanResponse {
	return OrphanResponse{
		ContainerID:   o.Handle.ID,
		Name:          o.Handle.Name,
		Image:         o.Image,
		State:         o.State,
		EnvironmentID: o.EnvironmentID(),
		Ports:         o.PortsBound,
	}
}
