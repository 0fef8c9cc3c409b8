// Package orchestrator submits runner jobs to Kubernetes and discovers the
// pod IP that the gateway will proxy to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/arakoodev/k8s-cli-agents/internal/logging"
)

const (
	// TerminalPort is the fixed port the runner's terminal server listens on.
	TerminalPort = 7681

	jobNamePrefix = "wscli-"
	sessionLabel  = "wscli.dev/session-id"
	appLabelKey   = "app.kubernetes.io/name"
	appLabelValue = "wscli-runner"
	runnerUID     = int64(1000)
)

// ErrDiscoveryTimeout means no pod exposed an IP within the deadline.
var ErrDiscoveryTimeout = errors.New("orchestrator: pod discovery timed out")

// JobConfig carries the lifecycle bounds applied to every submitted job.
type JobConfig struct {
	RunnerImage             string
	TTLSecondsAfterFinished int32
	ActiveDeadlineSeconds   int64
}

// JobParams describes one workload submission. Command and Prompt are passed
// to the runner as plain env values; nothing between admission and the
// sandbox boot script interprets them through a shell.
type JobParams struct {
	SessionID    string
	CodeURL      string
	CodeChecksum string
	Command      string
	Prompt       string
}

// Client wraps a Kubernetes clientset scoped to one namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	jobs      JobConfig
	logger    *slog.Logger
}

// New builds a client from in-cluster config, falling back to the given
// kubeconfig path.
func New(kubeconfig, namespace string, jobs JobConfig) (*Client, error) {
	var restCfg *rest.Config
	var err error

	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}

	return NewWithClientset(clientset, namespace, jobs), nil
}

// NewWithClientset wraps an existing clientset. Tests inject a fake here.
func NewWithClientset(clientset kubernetes.Interface, namespace string, jobs JobConfig) *Client {
	return &Client{
		clientset: clientset,
		namespace: namespace,
		jobs:      jobs,
		logger:    logging.Component("orchestrator"),
	}
}

// JobNameForSession derives the deterministic job name for a session id.
func JobNameForSession(sessionID string) string {
	short := sessionID
	if len(short) > 13 {
		short = short[:13]
	}
	return jobNamePrefix + short
}

// CreateJob submits the runner job for a session and returns the job name.
func (c *Client) CreateJob(ctx context.Context, p JobParams) (string, error) {
	jobName := JobNameForSession(p.SessionID)
	labels := map[string]string{
		appLabelKey:  appLabelValue,
		sessionLabel: p.SessionID,
	}

	env := []corev1.EnvVar{
		{Name: "WSCLI_SESSION_ID", Value: p.SessionID},
		{Name: "WSCLI_CODE_URL", Value: p.CodeURL},
		{Name: "WSCLI_COMMAND", Value: p.Command},
	}
	if p.CodeChecksum != "" {
		env = append(env, corev1.EnvVar{Name: "WSCLI_CODE_CHECKSUM", Value: p.CodeChecksum})
	}
	if p.Prompt != "" {
		env = append(env, corev1.EnvVar{Name: "WSCLI_PROMPT", Value: p.Prompt})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: int32Ptr(c.jobs.TTLSecondsAfterFinished),
			ActiveDeadlineSeconds:   int64Ptr(c.jobs.ActiveDeadlineSeconds),
			BackoffLimit:            int32Ptr(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:    int64Ptr(runnerUID),
						RunAsNonRoot: boolPtr(true),
					},
					Containers: []corev1.Container{
						{
							Name:  "runner",
							Image: c.jobs.RunnerImage,
							Env:   env,
							Ports: []corev1.ContainerPort{
								{
									Name:          "terminal",
									ContainerPort: TerminalPort,
									Protocol:      corev1.ProtocolTCP,
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create job %s: %w", jobName, err)
	}

	c.logger.Info("Job submitted", "job", jobName, "session", p.SessionID)
	return jobName, nil
}

// WaitForPodIP polls until a pod labeled with the session id exposes an IP,
// or the context deadline passes. Polling uses a jittered interval between
// 500ms and 1s so many concurrent discoveries do not synchronize against the
// API server. When multiple pods report IPs the lexicographically first pod
// name wins, so retries converge on the same pod.
func (c *Client) WaitForPodIP(ctx context.Context, sessionID string) (podName, podIP string, err error) {
	selector := fmt.Sprintf("%s=%s", sessionLabel, sessionID)

	backoff := wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   1.0,
		Jitter:   1.0,
		Steps:    math.MaxInt32,
	}

	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		pods, listErr := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		if listErr != nil {
			// Transient API errors should not abort the wait; the deadline
			// bounds the total time spent.
			c.logger.Warn("Pod list failed during discovery", "session", sessionID, "error", listErr)
			return false, nil
		}

		name, ip := firstPodWithIP(pods.Items)
		if ip == "" {
			return false, nil
		}
		podName, podIP = name, ip
		return true, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", "", fmt.Errorf("%w: session %s", ErrDiscoveryTimeout, sessionID)
		}
		return "", "", fmt.Errorf("pod discovery: %w", err)
	}

	c.logger.Info("Pod discovered", "session", sessionID, "pod", podName, "podIp", podIP)
	return podName, podIP, nil
}

func firstPodWithIP(pods []corev1.Pod) (string, string) {
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	for _, pod := range pods {
		if pod.Status.PodIP != "" {
			return pod.Name, pod.Status.PodIP
		}
	}
	return "", ""
}

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
