// Package translate turns a declared environment into a container spec.
package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"os"
	"path"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
)

// Translator is a pure mapping from environment records to container specs.
// The only host input, the user name, is captured at construction.
type Translator struct {
	hostUser string
}

// New returns a translator that fills DOCKER_USER with hostUser.
func New(hostUser string) *Translator {
	if hostUser == "" {
		hostUser = "user"
	}
	return &Translator{hostUser: hostUser}
}

// FromProcess returns a translator reading $USER once.
func FromProcess() *Translator {
	return New(os.Getenv("USER"))
}

// Resolved holds the effective image and ports after defaults.
type Resolved struct {
	Image         string
	Port          int
	ContainerPort int
}

// Resolve applies the type defaults to the image and ports of d.
func Resolve(d environment.Declaration) (Resolved, error) {
	def, ok := Defaults(d.Type)
	if !ok {
		return Resolved{}, fault.Validation("unknown type %q", d.Type)
	}
	r := Resolved{Image: def.Image, Port: def.Port, ContainerPort: def.ContainerPort}
	if d.Image != "" {
		r.Image = d.Image
	}
	if d.Port != 0 {
		r.Port = d.Port
	}
	if d.ContainerPort != 0 {
		r.ContainerPort = d.ContainerPort
	}
	if r.ContainerPort == 0 {
		r.ContainerPort = r.Port
	}
	if r.Image == "" {
		return Resolved{}, fault.Validation("%s environments require an image", d.Type)
	}
	if r.Port == 0 {
		return Resolved{}, fault.Validation("%s environments require a port", d.Type)
	}
	return r, nil
}

// Translate validates env and produces its container spec. The spec carries
// the management labels, including a hash over everything that requires
// recreating the container when it changes.
func (t *Translator) Translate(env *environment.Environment) (runtime.ContainerSpec, error) {
	decl := env.Declaration()
	if err := decl.Validate(); err != nil {
		return runtime.ContainerSpec{}, err
	}
	r, err := Resolve(decl)
	if err != nil {
		return runtime.ContainerSpec{}, err
	}

	def, _ := Defaults(env.Type)
	vars := def.Env
	if vars == nil {
		vars = make(map[string]string)
	}
	if _, ok := vars["DOCKER_USER"]; ok {
		vars["DOCKER_USER"] = t.hostUser
	}
	maps.Copy(vars, env.Env)

	var mounts []runtime.Mount
	if env.Type.NeedsDataVolume() && env.DataVolume != "" && def.DataMount != "" {
		mounts = append(mounts, runtime.Mount{Source: env.DataVolume, Target: def.DataMount})
	}
	for _, v := range env.Volumes {
		if len(mounts) > 0 && path.Clean(v.ContainerPath) == def.DataMount {
			return runtime.ContainerSpec{}, fault.Validation("container path %s is reserved for the data volume", def.DataMount)
		}
		mounts = append(mounts, runtime.Mount{
			Source:   v.HostPath,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly(),
			Bind:     v.IsBind(),
		})
	}

	restart := runtime.RestartNo
	if env.AutoStart {
		restart = runtime.RestartUnlessStopped
	}

	spec := runtime.ContainerSpec{
		Name:          env.ContainerName(),
		Image:         r.Image,
		Env:           vars,
		HostPort:      r.Port,
		ContainerPort: r.ContainerPort,
		Mounts:        mounts,
		RestartPolicy: restart,
	}
	spec.CPULimit, spec.MemoryLimit = def.CPULimit, def.MemoryLimit
	if env.CPULimit != nil {
		spec.CPULimit = *env.CPULimit
	}
	if env.MemoryLimit != nil {
		spec.MemoryLimit = *env.MemoryLimit
	}
	spec.Labels = map[string]string{
		runtime.LabelManagedBy:     runtime.ManagedByValue,
		runtime.LabelEnvironmentID: env.ID,
		runtime.LabelOwner:         env.Owner,
		runtime.LabelSpecHash:      SpecHash(spec),
	}
	return spec, nil
}

// SpecHash fingerprints the parts of spec that cannot change without
// recreating the container. Labels and the name are excluded.
func SpecHash(spec runtime.ContainerSpec) string {
	payload := struct {
		Image         string            `json:"image"`
		Env           map[string]string `json:"env"`
		HostPort      int               `json:"host_port"`
		ContainerPort int               `json:"container_port"`
		Mounts        []runtime.Mount   `json:"mounts"`
		CPULimit      float64           `json:"cpu"`
		MemoryLimit   int64             `json:"memory"`
		RestartPolicy string            `json:"restart"`
	}{
		Image:         spec.Image,
		Env:           spec.Env,
		HostPort:      spec.HostPort,
		ContainerPort: spec.ContainerPort,
		Mounts:        spec.Mounts,
		CPULimit:      spec.CPULimit,
		MemoryLimit:   spec.MemoryLimit,
		RestartPolicy: spec.RestartPolicy,
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
