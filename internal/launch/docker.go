package launch

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	deverrors "github.com/sdrkit/devmgr/internal/errors"
)

// DockerBackend launches a placement inside an OCI container, grounded
// in the ContainerCreate/ContainerAttach/ContainerStart/ContainerWait
// sequence of the pack's own Docker executor. Its Kill maps launch's
// signal-neutral escalation onto ContainerKill with the matching Unix
// signal name, and its Wait drains ContainerWait's status channel.
type DockerBackend struct {
	client *client.Client
	// Image resolves a Spec to the image that should host it. Start
	// always calls it and does not inspect Spec.Env itself; any
	// DEVMGR_IMAGE= handling belongs to the supplied function (as in
	// cmd/devmgr's dockerImageForSpec).
	Image func(spec *Spec) string
}

// NewDockerBackend wraps an already-configured Docker API client.
func NewDockerBackend(cli *client.Client, imageFn func(spec *Spec) string) *DockerBackend {
	return &DockerBackend{client: cli, Image: imageFn}
}

func (b *DockerBackend) Start(ctx context.Context, spec *Spec) (*Process, error) {
	image := b.Image(spec)
	if image == "" {
		return nil, deverrors.New("DockerBackend.Start", deverrors.LaunchFailed, nil, "no image resolved for %s", spec.Label)
	}
	cmd := append([]string{spec.ExecutablePath}, spec.Args...)
	cfg := &container.Config{
		Image: image,
		Cmd:   cmd,
		Env:   spec.Env,
	}
	resp, err := b.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "devmgr-"+spec.Label)
	if err != nil {
		return nil, deverrors.New("DockerBackend.Start", deverrors.LaunchFailed, err, "create container for %s", spec.Label)
	}
	if err := b.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, deverrors.New("DockerBackend.Start", deverrors.LaunchFailed, err, "start container for %s", spec.Label)
	}
	inspect, err := b.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, deverrors.New("DockerBackend.Start", deverrors.LaunchFailed, err, "inspect container for %s", spec.Label)
	}
	pid := inspect.State.Pid

	return &Process{
		Pid: pid,
		Wait: func(ctx context.Context) error {
			statusCh, errCh := b.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
			select {
			case err := <-errCh:
				return err
			case status := <-statusCh:
				if status.StatusCode != 0 {
					return fmt.Errorf("container %s exited with status %d", spec.Label, status.StatusCode)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Kill: func(sig Signal) error {
			return b.client.ContainerKill(context.Background(), resp.ID, dockerSignalName(sig))
		},
	}, nil
}

func dockerSignalName(s Signal) string {
	switch s {
	case SigInterrupt:
		return "SIGINT"
	case SigTerminate:
		return "SIGTERM"
	default:
		return "SIGKILL"
	}
}
