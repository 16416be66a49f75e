package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher follows a single Job until it finishes.
type JobWatcher struct {
	client       *Client
	jobName      string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, logger *slog.Logger) *JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobWatcher{
		client:       client,
		jobName:      jobName,
		pollInterval: 2 * time.Second,
		logger:       logger.With(slog.String("job", jobName)),
	}
}

// SetPollInterval sets how often the Job is re-read while a watch is open.
func (w *JobWatcher) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// Wait blocks until the Job succeeds or fails. It watches the Job and
// re-reads it periodically so a missed watch event cannot stall it.
func (w *JobWatcher) Wait(ctx context.Context) (*JobStatus, error) {
	for {
		job, err := w.client.GetJob(ctx, w.jobName)
		if err != nil {
			return nil, fmt.Errorf("get job %s: %w", w.jobName, err)
		}
		if status := GetJobStatus(job); status.Done() {
			return status, nil
		}

		status, err := w.watchOnce(ctx)
		if err != nil {
			return nil, err
		}
		if status != nil {
			return status, nil
		}
	}
}

// watchOnce watches until a terminal status, the poll interval or the end
// of the watch stream. A nil status means the caller should re-read.
func (w *JobWatcher) watchOnce(ctx context.Context) (*JobStatus, error) {
	watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
	})
	if err != nil {
		w.logger.Warn("watch job failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.pollInterval):
			return nil, nil
		}
	}
	defer watcher.Stop()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			return nil, nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil, nil
			}
			if event.Type == watch.Error {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok || job.Name != w.jobName {
				continue
			}
			if event.Type == watch.Deleted {
				return nil, fmt.Errorf("job %s was deleted", w.jobName)
			}
			status := GetJobStatus(job)
			w.logger.Debug("job status", slog.String("phase", status.Phase))
			if status.Done() {
				return status, nil
			}
		}
	}
}

// StreamLogs waits for the Job's pod and follows its container logs,
// calling onLine for every non-empty line until the stream ends.
func (w *JobWatcher) StreamLogs(ctx context.Context, onLine func(line string)) error {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		return err
	}
	if err := w.waitForContainer(ctx, podName); err != nil {
		return err
	}

	stream, err := w.client.clientset.CoreV1().Pods(w.client.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: ContainerName,
		Follow:    true,
	}).Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSuffix(line, "\n"); line != "" {
			onLine(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	for {
		pods, err := w.client.JobPods(ctx, w.jobName)
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		pod, err := w.client.clientset.CoreV1().Pods(w.client.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err == nil {
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == ContainerName && (cs.State.Running != nil || cs.State.Terminated != nil) {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}
