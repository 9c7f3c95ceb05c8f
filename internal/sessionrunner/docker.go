package sessionrunner

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// Docker runs each job inside a container rather than a bare detached
// process, for operators who want container-level isolation around
// an otherwise host-scheduled GPU job (spec §4.3 expanded). GPU
// indices are passed through NVIDIA_VISIBLE_DEVICES rather than a
// device-request API, since the host's nvidia-smi/driver stack is
// what the scheduler already probed against.
type Docker struct {
	client *client.Client
	image  string

	mu       sync.Mutex
	sessions map[string]string // session name -> container id
}

// NewDocker builds a Docker-backed Runner using the ambient Docker
// daemon connection (unix socket or DOCKER_HOST).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sessionrunner: docker client: %w", err)
	}
	image := os.Getenv("NEXUS_DOCKER_IMAGE")
	if image == "" {
		image = "nvidia/cuda:12.4.1-runtime-ubuntu22.04"
	}
	return &Docker{client: cli, image: image, sessions: map[string]string{}}, nil
}

func (d *Docker) Start(ctx context.Context, name, workingDir, command string, env []string) (int, error) {
	config := &container.Config{
		Image:        d.image,
		Cmd:          []string{"/bin/bash", "-c", command},
		Env:          env,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"nexus.session": name,
		},
	}
	hostConfig := &container.HostConfig{
		Binds:      []string{fmt.Sprintf("%s:%s", workingDir, workingDir)},
		AutoRemove: false,
	}
	for _, e := range env {
		if len(e) > len("NVIDIA_VISIBLE_DEVICES=") && e[:len("NVIDIA_VISIBLE_DEVICES=")] == "NVIDIA_VISIBLE_DEVICES=" {
			hostConfig.Runtime = "nvidia"
		}
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "nexus-"+name)
	if err != nil {
		return 0, fmt.Errorf("%w: create container: %v", ErrLaunchFailed, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("%w: start container: %v", ErrLaunchFailed, err)
	}

	d.mu.Lock()
	d.sessions[name] = resp.ID
	d.mu.Unlock()

	logging.Log.WithField("session", name).WithField("container_id", resp.ID).Info("sessionrunner: docker container started")

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil || inspect.State == nil {
		return 0, nil
	}
	return inspect.State.Pid, nil
}

func (d *Docker) Kill(ctx context.Context, name string) error {
	d.mu.Lock()
	id, ok := d.sessions[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	timeout := 5
	return d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (d *Docker) IsAlive(name string) bool {
	d.mu.Lock()
	id, ok := d.sessions[name]
	d.mu.Unlock()
	if !ok {
		return false
	}
	inspect, err := d.client.ContainerInspect(context.Background(), id)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}
