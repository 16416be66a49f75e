package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/k8s"
)

// K8sBackend executes steps as Kubernetes Jobs.
type K8sBackend struct {
	client       *k8s.Client
	jobBuilder   *k8s.JobBuilder
	emitter      EventEmitter
	defaultImage string
	pollInterval time.Duration
	logger       *slog.Logger
	jobs         *tracker
}

// K8sBackendConfig holds configuration for the K8s backend.
type K8sBackendConfig struct {
	// K8s client configuration
	K8sConfig *k8s.Config

	// Job configuration
	JobConfig *k8s.JobConfig

	// DefaultImage is used for steps that do not name an image.
	DefaultImage string

	// PollInterval bounds how long a missed watch event can go unnoticed.
	PollInterval time.Duration
}

// NewK8sBackend creates a K8s backend from kubeconfig or in-cluster config.
func NewK8sBackend(emitter EventEmitter, cfg *K8sBackendConfig, logger *slog.Logger) (*K8sBackend, error) {
	if cfg == nil {
		cfg = &K8sBackendConfig{}
	}
	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}
	return NewK8sBackendWithClient(client, emitter, cfg, logger), nil
}

// NewK8sBackendWithClient creates a K8s backend on an existing client.
func NewK8sBackendWithClient(client *k8s.Client, emitter EventEmitter, cfg *K8sBackendConfig, logger *slog.Logger) *K8sBackend {
	if cfg == nil {
		cfg = &K8sBackendConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &K8sBackend{
		client:       client,
		jobBuilder:   k8s.NewJobBuilder(jobCfg),
		emitter:      emitter,
		defaultImage: cfg.DefaultImage,
		pollInterval: poll,
		logger:       logger,
		jobs:         newTracker(),
	}
}

func (b *K8sBackend) Name() string { return "k8s" }

// Dispatch creates the Job and returns once the API server accepted it.
func (b *K8sBackend) Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error) {
	env, err := req.Environ()
	if err != nil {
		return Handle{}, err
	}
	image := req.Step.Image
	if image == "" {
		image = b.defaultImage
	}

	job, err := b.jobBuilder.BuildJob(&k8s.JobSpec{
		RunID:     req.RunID,
		StepRunID: req.StepRunID,
		Step:      req.Step.Name,
		Image:     image,
		Command:   req.Step.Command,
		Env:       env,
		Timeout:   time.Duration(req.Step.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("build job: %w", err)
	}
	created, err := b.client.CreateJob(ctx, job)
	if err != nil {
		return Handle{}, fmt.Errorf("create job: %w", err)
	}
	jobName := created.Name
	b.logger.Info("created k8s job",
		slog.String("job", jobName),
		slog.String("run_id", req.RunID),
		slog.String("step", req.Step.Name))

	h := Handle{ID: req.StepRunID, Backend: b.Name()}
	err = b.jobs.launch(ctx, h.ID, func(ctx context.Context) (*Result, error) {
		return b.watch(ctx, req, jobName), nil
	})
	return h, err
}

func (b *K8sBackend) Await(ctx context.Context, h Handle) (*Result, error) {
	return b.jobs.await(ctx, h.ID)
}

// Cancel stops watching the Job; the watcher deletes it on the way out.
func (b *K8sBackend) Cancel(ctx context.Context, h Handle) error {
	return b.jobs.cancel(h.ID)
}

// HealthCheck verifies K8s connectivity.
func (b *K8sBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *K8sBackend) watch(ctx context.Context, req *DispatchRequest, jobName string) *Result {
	col := newCollector(req, b.emitter, b.logger)
	watcher := k8s.NewJobWatcher(b.client, jobName, b.logger)
	watcher.SetPollInterval(b.pollInterval)

	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		streamed bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := watcher.StreamLogs(logCtx, func(line string) {
			mu.Lock()
			streamed = true
			mu.Unlock()
			col.line(ctx, line, false)
		})
		if err != nil && logCtx.Err() == nil {
			b.logger.Warn("log stream ended", slog.String("job", jobName), slog.Any("error", err))
		}
	}()

	status, err := watcher.Wait(ctx)
	if err != nil {
		stopLogs()
		wg.Wait()
		if ctx.Err() != nil {
			if delErr := b.client.DeleteJob(context.WithoutCancel(ctx), jobName); delErr != nil {
				b.logger.Warn("failed to delete job", slog.String("job", jobName), slog.Any("error", delErr))
			}
			res := Failure("cancelled")
			res.ExitCode = 130
			return res
		}
		return Failure("watch job %s: %v", jobName, err)
	}

	// Let the follower drain what the pod printed before it exited.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(b.pollInterval):
		stopLogs()
		<-drained
	}

	mu.Lock()
	gotLogs := streamed
	mu.Unlock()
	if !gotLogs {
		logs, err := b.client.JobLogs(ctx, jobName)
		if err != nil {
			b.logger.Warn("failed to read job logs", slog.String("job", jobName), slog.Any("error", err))
		} else {
			col.consume(ctx, strings.NewReader(logs), false)
		}
	}

	if status.Phase == k8s.PhaseFailed {
		res := Failure("job %s failed", jobName)
		if status.Reason != "" {
			res.Error += ": " + status.Reason
		}
		if status.Message != "" {
			res.Error += ": " + status.Message
		}
		res.ExitCode = 1
		return res
	}
	return col.result(0)
}
