// Package docker provides a Docker Engine runtime adapter for environment
// containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/runtime"
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates a Docker runtime adapter. Uses the DOCKER_HOST env var or the
// default socket path. An empty networkName leaves containers on the
// engine's default bridge.
func New(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: networkName}, nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping checks that the Docker daemon answers.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// EnsureNetwork creates the configured bridge network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	if a.network == "" {
		return nil
	}
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return classify("list networks", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue},
	})
	if err != nil {
		return classify(fmt.Sprintf("create network %q", a.network), err)
	}
	return nil
}

// EnsureImage pulls ref unless it is already present locally.
func (a *Adapter) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := a.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !dockerclient.IsErrNotFound(err) {
		return classify("inspect image", err)
	}

	slog.Info("pulling image", "image", ref)
	reader, err := a.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classifyPull(ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained; errors
	// such as "manifest unknown" arrive inside the stream.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return classifyPull(ref, err)
	}
	return nil
}

// Create creates a stopped container from spec.
func (a *Adapter) Create(ctx context.Context, spec runtime.ContainerSpec) (runtime.Handle, error) {
	if spec.Image == "" {
		return runtime.Handle{}, fault.Newf(fault.ValidationError, "create", "spec.Image is required")
	}

	containerCfg, hostCfg, err := buildConfig(spec)
	if err != nil {
		return runtime.Handle{}, err
	}

	networkName := spec.Network
	if networkName == "" {
		networkName = a.network
	}
	var networkCfg *network.NetworkingConfig
	if networkName != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {},
			},
		}
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return runtime.Handle{}, classify("create container "+spec.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("docker create warning", "container", spec.Name, "warning", w)
	}
	return runtime.Handle{ID: resp.ID, Name: spec.Name}, nil
}

// Start starts a created or stopped container.
func (a *Adapter) Start(ctx context.Context, h runtime.Handle) error {
	if err := a.client.ContainerStart(ctx, h.Ref(), container.StartOptions{}); err != nil {
		return classify("start container "+h.String(), err)
	}
	return nil
}

// Stop stops the container, letting the engine kill it after grace.
func (a *Adapter) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := a.client.ContainerStop(ctx, h.Ref(), container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("stop container "+h.String(), err)
	}
	return nil
}

// Kill sends SIGKILL to the container.
func (a *Adapter) Kill(ctx context.Context, h runtime.Handle) error {
	if err := a.client.ContainerKill(ctx, h.Ref(), "SIGKILL"); err != nil {
		// Killing a container that already exited is a conflict in the
		// engine; the goal state is reached either way.
		if isNotRunning(err) {
			return nil
		}
		return classify("kill container "+h.String(), err)
	}
	return nil
}

// Remove deletes the container. Named volumes are kept.
func (a *Adapter) Remove(ctx context.Context, h runtime.Handle) error {
	if err := a.client.ContainerRemove(ctx, h.Ref(), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		return classify("remove container "+h.String(), err)
	}
	return nil
}

// Inspect returns the current state of the container.
func (a *Adapter) Inspect(ctx context.Context, h runtime.Handle) (runtime.Observation, error) {
	inspect, err := a.client.ContainerInspect(ctx, h.Ref())
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.Observation{Handle: h, State: runtime.StateAbsent}, nil
		}
		return runtime.Observation{}, classify("inspect container "+h.String(), err)
	}
	return observationFromInspect(inspect), nil
}

// List returns observations for all envhelper-managed containers.
func (a *Adapter) List(ctx context.Context) ([]runtime.Observation, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", runtime.LabelManagedBy+"="+runtime.ManagedByValue),
		),
	})
	if err != nil {
		return nil, classify("list containers", err)
	}

	out := make([]runtime.Observation, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		var ports []int
		for _, p := range c.Ports {
			if p.PublicPort != 0 && !slices.Contains(ports, int(p.PublicPort)) {
				ports = append(ports, int(p.PublicPort))
			}
		}
		out = append(out, runtime.Observation{
			Handle:     runtime.Handle{ID: c.ID, Name: name},
			State:      parseContainerState(c.State),
			Image:      c.Image,
			Labels:     maps.Clone(c.Labels),
			PortsBound: ports,
		})
	}
	return out, nil
}

// EnsureVolume creates the named volume unless it exists.
func (a *Adapter) EnsureVolume(ctx context.Context, name string) error {
	if _, err := a.client.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !dockerclient.IsErrNotFound(err) {
		return classify("inspect volume "+name, err)
	}
	_, err := a.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue},
	})
	if err != nil {
		return classify("create volume "+name, err)
	}
	return nil
}

// RemoveVolume deletes the named volume.
func (a *Adapter) RemoveVolume(ctx context.Context, name string) error {
	if err := a.client.VolumeRemove(ctx, name, false); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return classify("remove volume "+name, err)
	}
	return nil
}

// --- helpers ---

func buildConfig(spec runtime.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	labels := map[string]string{runtime.LabelManagedBy: runtime.ManagedByValue}
	maps.Copy(labels, spec.Labels)

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = runtime.RestartNo
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restart)},
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
	}

	if spec.HostPort > 0 {
		containerPort := spec.ContainerPort
		if containerPort == 0 {
			containerPort = spec.HostPort
		}
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, fault.New(fault.ValidationError, "port binding", err)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(spec.HostPort)}},
		}
	}

	for _, m := range spec.Mounts {
		typ := mount.TypeVolume
		if m.Bind {
			typ = mount.TypeBind
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return containerCfg, hostCfg, nil
}

func observationFromInspect(inspect types.ContainerJSON) runtime.Observation {
	obs := runtime.Observation{State: runtime.StateStopped}
	if inspect.ContainerJSONBase != nil {
		obs.Handle = runtime.Handle{ID: inspect.ID, Name: strings.TrimPrefix(inspect.Name, "/")}
		if inspect.State != nil {
			obs.State = parseContainerState(inspect.State.Status)
			obs.ExitCode = inspect.State.ExitCode
			obs.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
		}
		if inspect.HostConfig != nil {
			obs.PortsBound = hostPorts(inspect.HostConfig.PortBindings)
		}
	}
	if inspect.Config != nil {
		obs.Image = inspect.Config.Image
		obs.Labels = maps.Clone(inspect.Config.Labels)
	}
	return obs
}

func hostPorts(bindings nat.PortMap) []int {
	var out []int
	for _, bs := range bindings {
		for _, b := range bs {
			p, err := strconv.Atoi(b.HostPort)
			if err != nil || p == 0 || slices.Contains(out, p) {
				continue
			}
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// parseContainerState folds the engine's states into the three the
// controller reasons about. Paused and restarting containers still hold
// their ports, so they count as running.
func parseContainerState(s string) runtime.State {
	switch strings.ToLower(s) {
	case "running", "restarting", "paused":
		return runtime.StateRunning
	default:
		return runtime.StateStopped
	}
}
