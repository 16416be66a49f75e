package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerClient is the subset of the Docker Engine API the backend uses.
type DockerClient interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, ref string) error
	// Logs returns the multiplexed stdout/stderr stream, following it.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// DockerBackend executes steps as Docker containers. Stdout and stderr are
// demultiplexed and parsed like subprocess output.
type DockerBackend struct {
	client       DockerClient
	emitter      EventEmitter
	defaultImage string
	network      string
	autoRemove   bool
	logger       *slog.Logger
	jobs         *tracker
}

// DockerConfig holds configuration for the Docker backend.
type DockerConfig struct {
	// DefaultImage is used for steps that do not name an image.
	DefaultImage string

	// Network the step containers join (empty = default bridge).
	Network string

	// KeepContainers leaves finished containers in place for debugging.
	KeepContainers bool
}

// NewDockerBackend connects to the Docker daemon described by the
// environment (DOCKER_HOST and friends).
func NewDockerBackend(emitter EventEmitter, cfg *DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client: %w", err)
	}
	return NewDockerBackendWithClient(&sdkClient{cli: cli}, emitter, cfg, logger), nil
}

// NewDockerBackendWithClient creates a Docker backend on an existing client.
func NewDockerBackendWithClient(client DockerClient, emitter EventEmitter, cfg *DockerConfig, logger *slog.Logger) *DockerBackend {
	if cfg == nil {
		cfg = &DockerConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerBackend{
		client:       client,
		emitter:      emitter,
		defaultImage: cfg.DefaultImage,
		network:      cfg.Network,
		autoRemove:   !cfg.KeepContainers,
		logger:       logger,
		jobs:         newTracker(),
	}
}

func (b *DockerBackend) Name() string { return "docker" }

// Dispatch creates and starts the container. The image is pulled on demand.
func (b *DockerBackend) Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error) {
	cfg, host, err := b.containerConfig(req)
	if err != nil {
		return Handle{}, err
	}
	name := containerName(req)

	id, err := b.client.CreateContainer(ctx, name, cfg, host)
	if cerrdefs.IsNotFound(err) {
		b.logger.Info("pulling image", slog.String("image", cfg.Image))
		if err := b.client.PullImage(ctx, cfg.Image); err != nil {
			return Handle{}, fmt.Errorf("pull %s: %w", cfg.Image, err)
		}
		id, err = b.client.CreateContainer(ctx, name, cfg, host)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := b.client.StartContainer(ctx, id); err != nil {
		b.remove(id)
		return Handle{}, fmt.Errorf("start container: %w", err)
	}

	h := Handle{ID: req.StepRunID, Backend: b.Name()}
	err = b.jobs.launch(ctx, h.ID, func(ctx context.Context) (*Result, error) {
		return b.follow(ctx, req, id), nil
	})
	if err != nil {
		b.remove(id)
	}
	return h, err
}

func (b *DockerBackend) Await(ctx context.Context, h Handle) (*Result, error) {
	return b.jobs.await(ctx, h.ID)
}

// Cancel kills the container through the follower.
func (b *DockerBackend) Cancel(ctx context.Context, h Handle) error {
	return b.jobs.cancel(h.ID)
}

func (b *DockerBackend) containerConfig(req *DispatchRequest) (*container.Config, *container.HostConfig, error) {
	image := req.Step.Image
	if image == "" {
		image = b.defaultImage
	}
	if image == "" {
		return nil, nil, fmt.Errorf("step %s has no image specified", req.Step.Name)
	}
	env, err := req.Environ()
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]string, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, k+"="+env[k])
	}

	cfg := &container.Config{
		Image: image,
		Cmd:   req.Step.Command,
		Env:   vars,
		Labels: map[string]string{
			"mentatlab.io/run-id":      req.RunID,
			"mentatlab.io/step-run-id": req.StepRunID,
			"mentatlab.io/step":        req.Step.Name,
		},
	}
	host := &container.HostConfig{}
	if b.network != "" {
		host.NetworkMode = container.NetworkMode(b.network)
	}
	return cfg, host, nil
}

func containerName(req *DispatchRequest) string {
	return "lineage-" + shortHandle(req.StepRunID)
}

func shortHandle(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (b *DockerBackend) follow(ctx context.Context, req *DispatchRequest, id string) *Result {
	if b.autoRemove {
		defer b.remove(id)
	}

	timeout := time.Duration(req.Step.TimeoutSeconds) * time.Second
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	col := newCollector(req, b.emitter, b.logger)
	var wg sync.WaitGroup
	if logs, err := b.client.Logs(ctx, id); err != nil {
		b.logger.Warn("container logs unavailable", slog.String("container", id), slog.Any("error", err))
	} else {
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		wg.Add(3)
		go func() {
			defer wg.Done()
			defer logs.Close()
			_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
			stdoutW.CloseWithError(err)
			stderrW.CloseWithError(err)
		}()
		go func() {
			defer wg.Done()
			col.consume(ctx, stdoutR, false)
		}()
		go func() {
			defer wg.Done()
			col.consume(ctx, stderrR, true)
		}()
	}

	code, err := b.client.Wait(waitCtx, id)
	if err != nil {
		if kerr := b.client.Kill(context.WithoutCancel(ctx), id); kerr != nil && !cerrdefs.IsNotFound(kerr) {
			b.logger.Warn("failed to kill container", slog.String("container", id), slog.Any("error", kerr))
		}
		wg.Wait()
		switch {
		case ctx.Err() != nil:
			res := Failure("cancelled")
			res.ExitCode = 130
			return res
		case waitCtx.Err() != nil:
			res := Failure("timed out after %s", timeout)
			res.ExitCode = 124
			return res
		}
		return Failure("wait container: %v", err)
	}
	wg.Wait()
	return col.result(int(code))
}

func (b *DockerBackend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.client.Remove(ctx, id); err != nil && !cerrdefs.IsNotFound(err) {
		b.logger.Warn("failed to remove container", slog.String("container", id), slog.Any("error", err))
	}
}

// sdkClient implements DockerClient with the official Docker Go SDK.
type sdkClient struct {
	cli *dockerclient.Client
}

func (c *sdkClient) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *sdkClient) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *sdkClient) PullImage(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull completes when the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (c *sdkClient) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (c *sdkClient) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return st.StatusCode, nil
	case err := <-errCh:
		return 0, err
	}
}

func (c *sdkClient) Kill(ctx context.Context, id string) error {
	return c.cli.ContainerKill(ctx, id, "KILL")
}

func (c *sdkClient) Remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
