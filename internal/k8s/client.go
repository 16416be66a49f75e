// Package k8s runs step executions as Kubernetes Jobs.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const defaultNamespace = "mentatlab"

// Config selects the cluster and namespace step Jobs run in.
type Config struct {
	InCluster  bool
	Kubeconfig string
	Namespace  string
}

// DefaultConfig uses $KUBECONFIG, falling back to ~/.kube/config.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{Kubeconfig: kubeconfig, Namespace: defaultNamespace}
}

func (c *Config) restConfig() (*rest.Config, error) {
	if c.InCluster {
		rc, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return rc, nil
	}
	rc, err := clientcmd.BuildConfigFromFlags("", c.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig %s: %w", c.Kubeconfig, err)
	}
	return rc, nil
}

// Client is a clientset bound to the namespace step Jobs live in.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rc, err := cfg.restConfig()
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromInterface(cs, cfg.Namespace), nil
}

// NewClientFromInterface wraps an existing clientset, such as a fake.
func NewClientFromInterface(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Client{clientset: clientset, namespace: namespace}
}

func (c *Client) Namespace() string { return c.namespace }

func (c *Client) jobs() batchclient.JobInterface {
	return c.clientset.BatchV1().Jobs(c.namespace)
}

func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.jobs().Create(ctx, job, metav1.CreateOptions{})
}

func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.jobs().Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob removes a Job; its pods are garbage collected in the background.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	return c.jobs().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
}

// JobPods lists the pods created for a Job.
func (c *Client) JobPods(ctx context.Context, jobName string) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
}

// JobLogs returns the step container's full log from the Job's first pod.
func (c *Client) JobLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := c.JobPods(ctx, jobName)
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}
	raw, err := c.clientset.CoreV1().Pods(c.namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{Container: ContainerName}).
		DoRaw(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Ping checks that the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}
