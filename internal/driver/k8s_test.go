package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const testNamespace = "lineage-test"

func newK8sBackend(t *testing.T) (*K8sBackend, *fake.Clientset, *recordingEmitter) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	emitter := &recordingEmitter{}
	b := NewK8sBackendWithClient(k8s.NewClientFromInterface(cs, testNamespace), emitter, &K8sBackendConfig{
		DefaultImage: "python:3.12-slim",
		PollInterval: 10 * time.Millisecond,
	}, nil)
	return b, cs, emitter
}

func setJobCondition(t *testing.T, cs *fake.Clientset, name string, cond batchv1.JobConditionType, reason string) {
	t.Helper()
	ctx := context.Background()
	job, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
		Type:   cond,
		Status: corev1.ConditionTrue,
		Reason: reason,
	})
	_, err = cs.BatchV1().Jobs(testNamespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestK8sBackendSucceeded(t *testing.T) {
	b, cs, emitter := newK8sBackend(t)
	ctx := context.Background()

	step := &types.StepSpec{Name: "trainer", Entrypoint: "steps.train", Command: []string{"python", "train.py"}}
	req := newRequest(step)
	h, err := b.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "k8s", h.Backend)

	jobName := k8s.JobName("trainer", req.StepRunID)
	job, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, jobName, metav1.GetOptions{})
	require.NoError(t, err)
	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "python:3.12-slim", c.Image)
	assert.Equal(t, []string{"python"}, c.Command)
	assert.Equal(t, "sr-trainer", job.Labels[k8s.LabelStepRunID])

	_, err = cs.CoreV1().Pods(testNamespace).Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: jobName + "-abcde", Labels: map[string]string{"job-name": jobName}},
		Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
	setJobCondition(t, cs, jobName, batchv1.JobComplete, "")

	res, err := b.Await(ctx, h)
	require.NoError(t, err)
	assert.True(t, res.Succeeded(), "result: %+v", res)

	// The fake clientset serves a fixed log body.
	require.NotEmpty(t, emitter.messages())
	assert.Equal(t, "fake logs", emitter.messages()[0]["message"])
}

func TestK8sBackendFailed(t *testing.T) {
	b, cs, _ := newK8sBackend(t)
	ctx := context.Background()

	req := newRequest(&types.StepSpec{Name: "trainer", Image: "trainer:1"})
	h, err := b.Dispatch(ctx, req)
	require.NoError(t, err)
	setJobCondition(t, cs, k8s.JobName("trainer", req.StepRunID), batchv1.JobFailed, "DeadlineExceeded")

	res, err := b.Await(ctx, h)
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Error, "DeadlineExceeded")
}

func TestK8sBackendCancelDeletesJob(t *testing.T) {
	b, cs, _ := newK8sBackend(t)
	ctx := context.Background()

	req := newRequest(&types.StepSpec{Name: "trainer"})
	h, err := b.Dispatch(ctx, req)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, h))

	res, err := b.Await(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 130, res.ExitCode)

	_, err = cs.BatchV1().Jobs(testNamespace).Get(ctx, k8s.JobName("trainer", req.StepRunID), metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "job still present: %v", err)
}
