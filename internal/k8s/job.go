package k8s

import (
	"fmt"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Labels set on every step Job and its pods.
const (
	LabelRunID     = "mentatlab.io/run-id"
	LabelStepRunID = "mentatlab.io/step-run-id"
	LabelStep      = "mentatlab.io/step"

	// ContainerName is the name of the step container in the pod.
	ContainerName = "step"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Namespace for the job
	Namespace string

	// ServiceAccountName for the pod
	ServiceAccountName string

	// ImagePullSecrets for private registries
	ImagePullSecrets []string

	// Default resource limits
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds for job timeout
	ActiveDeadlineSeconds *int64

	// TTLSecondsAfterFinished for cleanup
	TTLSecondsAfterFinished *int32

	// BackoffLimit for job retries
	BackoffLimit *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0) // a failed step is final; retries are a new run
	deadline := int64(3600)

	return &JobConfig{
		Namespace:               "mentatlab",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// JobSpec describes one step invocation to run as a Job.
type JobSpec struct {
	RunID     string
	StepRunID string
	Step      string
	Image     string
	Command   []string
	Env       map[string]string
	Timeout   time.Duration
}

// JobBuilder creates Kubernetes Jobs from JobSpecs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName is the deterministic Job name for a step run.
func JobName(step, stepRunID string) string {
	return sanitizeK8sName(fmt.Sprintf("step-%s-%s", shortID(stepRunID), step))
}

// BuildJob creates a K8s Job from a JobSpec.
func (b *JobBuilder) BuildJob(spec *JobSpec) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("step %s has no image specified", spec.Step)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":       "mentatlab-step",
		"app.kubernetes.io/component":  "step",
		"app.kubernetes.io/managed-by": "lineage",
		LabelRunID:                     sanitizeK8sLabel(spec.RunID),
		LabelStepRunID:                 sanitizeK8sLabel(spec.StepRunID),
		LabelStep:                      sanitizeK8sLabel(spec.Step),
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var command, args []string
	if len(spec.Command) > 0 {
		command = []string{spec.Command[0]}
		args = spec.Command[1:]
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	container := corev1.Container{
		Name:            ContainerName,
		Image:           spec.Image,
		Command:         command,
		Args:            args,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.Step, spec.StepRunID),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// Job phases reported by GetJobStatus.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase     string
	Reason    string
	Message   string
	StartTime *metav1.Time
	EndTime   *metav1.Time
	Succeeded int32
	Failed    int32
	Active    int32
}

// Done reports whether the Job reached a terminal phase.
func (s *JobStatus) Done() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		StartTime: job.Status.StartTime,
		EndTime:   job.Status.CompletionTime,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
		Active:    job.Status.Active,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = PhaseSucceeded
	case job.Status.Failed > 0:
		status.Phase = PhaseFailed
	case job.Status.Active > 0:
		status.Phase = PhaseRunning
	default:
		status.Phase = PhasePending
	}

	// Conditions win over counters.
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = PhaseSucceeded
		case batchv1.JobFailed:
			status.Phase = PhaseFailed
			status.Reason = cond.Reason
			status.Message = cond.Message
		}
	}
	return status
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeK8sName(name string) string {
	// K8s names must be lowercase, alphanumeric, -, and max 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	// Label values must be 63 chars or less, alphanumeric, -, _, .
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func boolPtr(b bool) *bool {
	return &b
}

func int64Ptr(i int64) *int64 {
	return &i
}
