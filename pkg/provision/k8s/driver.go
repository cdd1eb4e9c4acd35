// Package k8s implements a pod-per-session driver. Every replica gets its
// own desktop pod built from an operator-supplied template; commands are
// relayed to the agent process inside the pod over HTTP.
package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"deskgrid/internal/model"
	"deskgrid/pkg/codec"
	"deskgrid/pkg/config"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/logger"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelReplica   = "deskgrid.io/replica"

	readyPollInterval = 2 * time.Second
)

// Driver pod-per-session driver
type Driver struct {
	client    kubernetes.Interface
	namespace string
	template  []byte
	agentPort int
	http      *http.Client

	mu   sync.Mutex
	pods map[string]string // replica id -> pod ip
}

// NewDriver creates a pod-per-session driver from config. It prefers the
// in-cluster service account and falls back to the local kubeconfig.
func NewDriver(cfg *config.Config) (*Driver, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		restCfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kube config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	template, err := os.ReadFile(cfg.Provisioner.PodTemplate)
	if err != nil {
		return nil, fmt.Errorf("read pod template: %w", err)
	}
	// Fail at startup on an unparsable template, not at first provision.
	var probe corev1.Pod
	if err := yaml.Unmarshal(template, &probe); err != nil {
		return nil, fmt.Errorf("parse pod template: %w", err)
	}

	namespace := cfg.Provisioner.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &Driver{
		client:    client,
		namespace: namespace,
		template:  template,
		agentPort: cfg.Provisioner.AgentPort,
		http:      &http.Client{Timeout: 60 * time.Second},
		pods:      make(map[string]string),
	}, nil
}

// Provision creates the session pod and blocks until it is running and the
// agent answers, or ctx expires.
func (d *Driver) Provision(ctx context.Context, id string, profile model.ResourceProfile, task model.TaskConfig) error {
	pod, err := d.buildPod(id, profile, task)
	if err != nil {
		return err
	}

	created, err := d.client.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("%w: create pod %s: %v", faults.ErrProvision, pod.Name, err)
	}
	logger.InfoCtx(ctx, "Session pod created: replica=%s pod=%s", id, created.Name)

	ip, err := d.awaitReady(ctx, created.Name)
	if err != nil {
		// Leave no orphan behind a failed provision.
		_ = d.deletePod(context.Background(), created.Name)
		return err
	}

	d.mu.Lock()
	d.pods[id] = ip
	d.mu.Unlock()

	if err := d.postBaseline(ctx, ip, task); err != nil {
		_ = d.Dispose(context.Background(), id)
		return err
	}
	return nil
}

// Perform relays one command to the in-pod agent.
func (d *Driver) Perform(ctx context.Context, id string, cmd *model.ActionCommand) (*model.StepResult, error) {
	ip, err := d.podIP(id)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	data, err := d.post(ctx, fmt.Sprintf("http://%s:%d/v1/perform", ip, d.agentPort), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrReplicaUnavailable, err)
	}
	return codec.DecodeStepResult(data)
}

// Capture fetches the current frame from the in-pod agent.
func (d *Driver) Capture(ctx context.Context, id string) (*model.Observation, error) {
	ip, err := d.podIP(id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:%d/v1/frame", ip, d.agentPort), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrReplicaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent returned %d", faults.ErrReplicaUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrReplicaUnavailable, err)
	}

	format := "png"
	if ct := resp.Header.Get("Content-Type"); ct == "image/jpeg" {
		format = "jpeg"
	}
	return &model.Observation{Data: data, Format: format}, nil
}

// Dispose deletes the session pod. Unknown ids are a no-op.
func (d *Driver) Dispose(ctx context.Context, id string) error {
	d.mu.Lock()
	_, known := d.pods[id]
	delete(d.pods, id)
	d.mu.Unlock()
	if !known {
		return nil
	}

	if err := d.deletePod(ctx, podName(id)); err != nil {
		logger.WarnCtx(ctx, "Session pod delete failed: replica=%s err=%v", id, err)
		return err
	}
	return nil
}

func (d *Driver) buildPod(id string, profile model.ResourceProfile, task model.TaskConfig) (*corev1.Pod, error) {
	var pod corev1.Pod
	if err := yaml.Unmarshal(d.template, &pod); err != nil {
		return nil, fmt.Errorf("%w: parse pod template: %v", faults.ErrProvision, err)
	}
	if len(pod.Spec.Containers) == 0 {
		return nil, fmt.Errorf("%w: pod template has no containers", faults.ErrProvision)
	}

	pod.Name = podName(id)
	pod.Namespace = d.namespace
	if pod.Labels == nil {
		pod.Labels = make(map[string]string)
	}
	pod.Labels[labelManagedBy] = "deskgrid"
	pod.Labels[labelReplica] = id

	c := &pod.Spec.Containers[0]
	if profile.MemoryMB > 0 || profile.VCPU > 0 {
		if c.Resources.Limits == nil {
			c.Resources.Limits = corev1.ResourceList{}
		}
		if profile.MemoryMB > 0 {
			c.Resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(profile.MemoryMB)<<20, resource.BinarySI)
		}
		if profile.VCPU > 0 {
			c.Resources.Limits[corev1.ResourceCPU] = *resource.NewQuantity(int64(profile.VCPU), resource.DecimalSI)
		}
	}
	if profile.DisplayWidth > 0 && profile.DisplayHeight > 0 {
		c.Env = append(c.Env,
			corev1.EnvVar{Name: "DESKGRID_DISPLAY_WIDTH", Value: fmt.Sprintf("%d", profile.DisplayWidth)},
			corev1.EnvVar{Name: "DESKGRID_DISPLAY_HEIGHT", Value: fmt.Sprintf("%d", profile.DisplayHeight)},
		)
	}
	c.Env = append(c.Env, corev1.EnvVar{Name: "DESKGRID_TASK_ID", Value: task.TaskID})
	return &pod, nil
}

// awaitReady polls until the pod is running with an assigned ip.
func (d *Driver) awaitReady(ctx context.Context, name string) (string, error) {
	for {
		pod, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				if pod.Status.PodIP != "" {
					return pod.Status.PodIP, nil
				}
			case corev1.PodFailed, corev1.PodSucceeded:
				return "", fmt.Errorf("%w: pod %s entered phase %s", faults.ErrProvision, name, pod.Status.Phase)
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: pod %s not ready: %v", faults.ErrProvision, name, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// postBaseline pushes the task baseline to the agent so the first frame
// reflects the task's initial desktop state.
func (d *Driver) postBaseline(ctx context.Context, ip string, task model.TaskConfig) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task baseline: %w", err)
	}
	if _, err := d.post(ctx, fmt.Sprintf("http://%s:%d/v1/baseline", ip, d.agentPort), body); err != nil {
		return fmt.Errorf("%w: apply baseline: %v", faults.ErrProvision, err)
	}
	return nil
}

func (d *Driver) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func (d *Driver) podIP(id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, ok := d.pods[id]
	if !ok {
		return "", fmt.Errorf("%w: session %s", faults.ErrReplicaUnavailable, id)
	}
	return ip, nil
}

func (d *Driver) deletePod(ctx context.Context, name string) error {
	grace := int64(10)
	err := d.client.CoreV1().Pods(d.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func podName(id string) string {
	return "deskgrid-session-" + id
}

func isNotFound(err error) bool {
	se, ok := err.(interface{ Status() metav1.Status })
	return ok && se.Status().Reason == metav1.StatusReasonNotFound
}
