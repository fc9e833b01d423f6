package supervisor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSpawner runs the sidecar as a container. Command.Path becomes the
// entrypoint inside Image; the filtered environment is passed as-is.
type DockerSpawner struct {
	client *client.Client
	image  string
	// networkMode defaults to "host" so the sidecar can bind localhost ports.
	networkMode string
}

// NewDockerSpawner creates a spawner from the standard Docker environment
// variables (DOCKER_HOST, etc.).
func NewDockerSpawner(image, networkMode string) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if networkMode == "" {
		networkMode = "host"
	}
	return &DockerSpawner{client: cli, image: image, networkMode: networkMode}, nil
}

func (d *DockerSpawner) Spawn(c Command) (Process, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", d.image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig(d.image, c), &container.HostConfig{
		NetworkMode: container.NetworkMode(d.networkMode),
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.remove(created.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		d.client.ContainerKill(ctx, created.ID, "KILL")
		d.remove(created.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	pid := 0
	if inspect.State != nil {
		pid = inspect.State.Pid
	}

	go d.streamLogs(created.ID, c.Stdout, c.Stderr)

	return &containerProcess{spawner: d, id: created.ID, pid: pid}, nil
}

// containerConfig translates a Command into a container definition.
func containerConfig(img string, c Command) *container.Config {
	return &container.Config{
		Image:      img,
		Entrypoint: []string{c.Path},
		Cmd:        c.Args,
		Env:        c.Env,
		Labels:     map[string]string{"genplane.sidecar": c.Path},
	}
}

func (d *DockerSpawner) streamLogs(id string, stdout, stderr io.Writer) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	rc, err := d.client.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer rc.Close()
	stdcopy.StdCopy(stdout, stderr, rc)
}

func (d *DockerSpawner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

type containerProcess struct {
	spawner *DockerSpawner
	id      string
	pid     int
}

func (p *containerProcess) Pid() int { return p.pid }

func (p *containerProcess) Wait() error {
	defer p.spawner.remove(p.id)

	statusCh, errCh := p.spawner.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.Error != nil {
			return fmt.Errorf("container %s: %s", p.id, status.Error.Message)
		}
		if status.StatusCode != 0 {
			return fmt.Errorf("container %s exited with status %d", p.id, status.StatusCode)
		}
		return nil
	}
}

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.spawner.client.ContainerKill(ctx, p.id, "KILL")
}
