package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const pingTimeout = 5 * time.Second

// Docker talks to the daemon through the Docker SDK.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the daemon named by host, or by the DOCKER_* environment
// when host is empty, and verifies it answers a ping.
func NewDocker(ctx context.Context, host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Name() string { return "sdk" }

// Close releases the SDK client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{Binds: binds(spec.Volumes)}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if client.IsErrNotFound(err) {
		if perr := d.pull(ctx, spec.Image); perr != nil {
			return Handle{}, perr
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return Handle{ID: resp.ID, Name: spec.Name}, nil
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, ref string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if client.IsErrNotFound(err) {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Status{}, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return Status{State: StateError, Error: "inspect returned no state"}, nil
	}
	return Status{
		State:    info.State.Status,
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
		Error:    info.State.Error,
	}, nil
}

func (d *Docker) Logs(ctx context.Context, ref string, tail int) ([]string, error) {
	rc, err := d.cli.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg(tail),
	})
	if client.IsErrNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", ref, err)
	}
	defer rc.Close()

	// Containers run without a TTY, so the stream is multiplexed.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("read logs %s: %w", ref, err)
	}
	return splitLines(buf.String()), nil
}

func (d *Docker) Remove(ctx context.Context, ref string) error {
	err := d.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	return nil
}

// binds renders volume mappings as read-only bind specs in a stable order.
func binds(volumes map[string]string) []string {
	out := make([]string, 0, len(volumes))
	for host, ctr := range volumes {
		out = append(out, host+":"+ctr+":ro")
	}
	sort.Strings(out)
	return out
}

func tailArg(tail int) string {
	if tail <= 0 {
		return "all"
	}
	return strconv.Itoa(tail)
}
