package browserpool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	apxerrors "bpgateway/errors"
)

// dockerLauncher runs each browser inside a disposable container,
// adapting the teacher's BrowserPoolManager container lifecycle
// (create, start, inspect port mapping, stop-then-force-remove) from
// browser-per-test semantics to pool-slot semantics: the container's
// published host port becomes the slot's debugging port, so the rest of
// the pool/gateway stays backend-agnostic. Selected via
// BROWSER_LAUNCH_BACKEND=docker.
type dockerLauncher struct {
	docker *client.Client
	image  string
	log    *zap.Logger
}

// NewDockerLauncher builds the Docker-backed launcher. Returns an error
// if the daemon is unreachable — the caller falls back to the process
// backend with a logged warning, mirroring the teacher's own
// graceful-degradation-without-Docker path.
func NewDockerLauncher(image string, log *zap.Logger) (Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if image == "" {
		image = "chromedp/headless-shell:latest"
	}
	return &dockerLauncher{docker: cli, image: image, log: log}, nil
}

func (l *dockerLauncher) Launch(port int) (Instance, error) {
	ctx := context.Background()
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", port))

	cfg := &container.Config{
		Image:        l.image,
		ExposedPorts: nat.PortSet{containerPort: {}},
		Cmd:          []string{fmt.Sprintf("--remote-debugging-port=%d", port), "--remote-debugging-address=0.0.0.0"},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
	}

	resp, err := l.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("container create: %w", err))
	}
	if err := l.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_, _ = l.docker.ContainerInspect(ctx, resp.ID)
		l.forceRemove(resp.ID)
		return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("container start: %w", err))
	}

	inspect, err := l.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.forceRemove(resp.ID)
		return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("container inspect: %w", err))
	}
	bindings, ok := inspect.NetworkSettings.Ports[containerPort]
	if !ok || len(bindings) == 0 {
		l.forceRemove(resp.ID)
		return Instance{}, apxerrors.LaunchFailedErr(fmt.Errorf("no published port for %s", containerPort))
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		l.forceRemove(resp.ID)
		return Instance{}, apxerrors.LaunchFailedErr(err)
	}

	return Instance{
		DebuggingPort: hostPort,
		ContainerID:   resp.ID,
		LastUsed:      time.Now(),
	}, nil
}

func (l *dockerLauncher) Terminate(inst Instance) error {
	if inst.ContainerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	timeout := 5
	_ = l.docker.ContainerStop(ctx, inst.ContainerID, container.StopOptions{Timeout: &timeout})
	return l.docker.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{Force: true})
}

func (l *dockerLauncher) IsAlive(inst Instance) bool {
	if inst.ContainerID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	inspect, err := l.docker.ContainerInspect(ctx, inst.ContainerID)
	return err == nil && inspect.State.Running
}

func (l *dockerLauncher) forceRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		l.log.Warn("browserpool: container cleanup after failed launch", zap.String("container_id", containerID), zap.Error(err))
	}
}
