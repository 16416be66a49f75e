package k8s

import (
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

func TestBuildJob(t *testing.T) {
	b := NewJobBuilder(nil)
	job, err := b.BuildJob(&JobSpec{
		RunID:     "7f1c2a9e-1111-2222-3333-444455556666",
		StepRunID: "ab12",
		Step:      "Train_Model",
		Image:     "trainer:1",
		Command:   []string{"python", "-m", "train"},
		Env:       map[string]string{"B": "2", "A": "1"},
		Timeout:   90 * time.Second,
	})
	if err != nil {
		t.Fatalf("BuildJob: %v", err)
	}

	if job.Name != "step-ab12-train-model" {
		t.Errorf("name = %q", job.Name)
	}
	if job.Labels[LabelStep] != "Train_Model" || job.Labels[LabelRunID] == "" {
		t.Errorf("labels = %v", job.Labels)
	}
	if *job.Spec.ActiveDeadlineSeconds != 90 {
		t.Errorf("deadline = %d", *job.Spec.ActiveDeadlineSeconds)
	}
	c := job.Spec.Template.Spec.Containers[0]
	if c.Name != ContainerName || c.Command[0] != "python" || len(c.Args) != 2 {
		t.Errorf("container = %+v", c)
	}
	if len(c.Env) != 2 || c.Env[0].Name != "A" {
		t.Errorf("env not sorted: %v", c.Env)
	}

	if _, err := b.BuildJob(&JobSpec{Step: "x"}); err == nil {
		t.Error("job without image built")
	}
}

func TestJobNameLength(t *testing.T) {
	name := JobName(strings.Repeat("very_long_step_name_", 6), "0123456789abcdef")
	if len(name) > 63 || strings.HasSuffix(name, "-") {
		t.Errorf("name %q invalid", name)
	}
	if !strings.HasPrefix(name, "step-01234567-") {
		t.Errorf("name %q lost step run prefix", name)
	}
}

func TestGetJobStatus(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   string
	}{
		{"pending", batchv1.JobStatus{}, PhasePending},
		{"running", batchv1.JobStatus{Active: 1}, PhaseRunning},
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, PhaseSucceeded},
		{"failed counter", batchv1.JobStatus{Failed: 1}, PhaseFailed},
		{"failed condition", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded"},
		}}, PhaseFailed},
		{"false condition ignored", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionFalse},
		}}, PhaseRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetJobStatus(&batchv1.Job{Status: tt.status})
			if got.Phase != tt.want {
				t.Errorf("phase = %s, want %s", got.Phase, tt.want)
			}
		})
	}
}
