package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// errPodDeleted is returned by Wait when the pod disappears before finishing.
var errPodDeleted = errors.New("pod deleted")

// KubernetesConfig places the sidecar pod.
type KubernetesConfig struct {
	Name           string
	Image          string
	Namespace      string
	ServiceAccount string
	CPULimit       string
	MemoryLimit    string
}

// KubernetesSpawner runs the sidecar as a bare pod with RestartPolicyNever,
// so restarts stay with the Supervisor's backoff and crash-loop breaker.
type KubernetesSpawner struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	limits    corev1.ResourceList
	// pollInterval paces the wait before log streaming starts.
	pollInterval time.Duration
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// NewKubernetesSpawner tries in-cluster configuration first and falls back to
// ~/.kube/config for local development.
func NewKubernetesSpawner(cfg KubernetesConfig) (*KubernetesSpawner, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		log.Printf("In-cluster config not available, trying kubeconfig: %v", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return newKubernetesSpawner(clientset, cfg)
}

func newKubernetesSpawner(clientset kubernetes.Interface, cfg KubernetesConfig) (*KubernetesSpawner, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Name == "" {
		cfg.Name = "sidecar"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "1"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "1Gi"
	}

	cpu, err := resource.ParseQuantity(cfg.CPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu limit %q: %w", cfg.CPULimit, err)
	}
	mem, err := resource.ParseQuantity(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
	}

	return &KubernetesSpawner{
		clientset:    clientset,
		config:       cfg,
		limits:       corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem},
		pollInterval: 500 * time.Millisecond,
	}, nil
}

func (k *KubernetesSpawner) Spawn(c Command) (Process, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pod := k.podSpec(c, fmt.Sprintf("genplane-%s-%d", k.config.Name, time.Now().UnixNano()))
	created, err := k.clientset.CoreV1().Pods(k.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}

	p := &podProcess{spawner: k, name: created.Name}
	go p.streamLogs(c.Stdout)
	return p, nil
}

// podSpec translates a Command into a single-container pod.
func (k *KubernetesSpawner) podSpec(c Command, name string) *corev1.Pod {
	var env []corev1.EnvVar
	for _, kv := range c.Env {
		key, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels: map[string]string{
				managedByLabel:           "genplane",
				"app.kubernetes.io/name": k.config.Name,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      k.config.Name,
				Image:     k.config.Image,
				Command:   []string{c.Path},
				Args:      c.Args,
				Env:       env,
				Resources: corev1.ResourceRequirements{Limits: k.limits},
			}},
		},
	}
	if k.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return pod
}

type podProcess struct {
	spawner *KubernetesSpawner
	name    string
}

// Pid is 0: the container runs on a node, not in this host's process table.
func (p *podProcess) Pid() int { return 0 }

func (p *podProcess) pods() corev1client.PodInterface {
	return p.spawner.clientset.CoreV1().Pods(p.spawner.config.Namespace)
}

// Wait watches the pod until it succeeds, fails or is deleted, then removes it.
func (p *podProcess) Wait() error {
	defer p.remove()
	return p.wait()
}

// wait re-establishes the watch whenever the server closes it.
func (p *podProcess) wait() error {
	ctx := context.Background()
	for {
		watcher, err := p.pods().Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", p.name),
		})
		if err != nil {
			return fmt.Errorf("watch pod %s: %w", p.name, err)
		}

		// The pod may have finished before the watch was registered.
		current, err := p.pods().Get(ctx, p.name, metav1.GetOptions{})
		if err != nil {
			watcher.Stop()
			if apierrors.IsNotFound(err) {
				return fmt.Errorf("pod %s: %w", p.name, errPodDeleted)
			}
			return fmt.Errorf("get pod %s: %w", p.name, err)
		}
		if done, exitErr := podExit(current); done {
			watcher.Stop()
			return exitErr
		}

		done, exitErr := p.consume(watcher)
		watcher.Stop()
		if done {
			return exitErr
		}
	}
}

func (p *podProcess) consume(watcher watch.Interface) (bool, error) {
	for event := range watcher.ResultChan() {
		pod, ok := event.Object.(*corev1.Pod)
		if !ok || pod.Name != p.name {
			continue
		}
		switch event.Type {
		case watch.Deleted:
			return true, fmt.Errorf("pod %s: %w", p.name, errPodDeleted)
		case watch.Error:
			return false, nil
		}
		if done, err := podExit(pod); done {
			return true, err
		}
	}
	return false, nil
}

// podExit reports whether the pod has finished and, if it failed, why.
func podExit(pod *corev1.Pod) (bool, error) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return true, nil
	case corev1.PodFailed:
		for _, cs := range pod.Status.ContainerStatuses {
			if t := cs.State.Terminated; t != nil {
				return true, fmt.Errorf("pod %s exited with status %d: %s", pod.Name, t.ExitCode, t.Reason)
			}
		}
		return true, fmt.Errorf("pod %s failed: %s", pod.Name, pod.Status.Reason)
	}
	return false, nil
}

// Kill deletes the pod immediately.
func (p *podProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grace := int64(0)
	if err := p.pods().Delete(ctx, p.name, metav1.DeleteOptions{GracePeriodSeconds: &grace}); err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", p.name, err)
	}
	return nil
}

func (p *podProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.pods().Delete(ctx, p.name, metav1.DeleteOptions{})
}

// streamLogs follows the container output once it has started. Pods merge
// stdout and stderr into one stream.
func (p *podProcess) streamLogs(out io.Writer) {
	if out == nil {
		return
	}
	ctx := context.Background()
	ticker := time.NewTicker(p.spawner.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		pod, err := p.pods().Get(ctx, p.name, metav1.GetOptions{})
		if err != nil {
			return
		}
		if pod.Status.Phase != corev1.PodPending {
			break
		}
	}

	rc, err := p.pods().GetLogs(p.name, &corev1.PodLogOptions{Container: p.spawner.config.Name, Follow: true}).Stream(ctx)
	if err != nil {
		return
	}
	defer rc.Close()
	io.Copy(out, rc)
}
