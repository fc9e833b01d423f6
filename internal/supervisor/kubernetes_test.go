package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newFakeKubernetesSpawner(t *testing.T) (*KubernetesSpawner, *fake.Clientset) {
	t.Helper()
	clientset := fake.NewClientset()
	k, err := newKubernetesSpawner(clientset, KubernetesConfig{
		Name:           "avatar",
		Image:          "ghcr.io/acme/avatar:1.4",
		Namespace:      "test-ns",
		ServiceAccount: "avatar-sa",
		CPULimit:       "500m",
		MemoryLimit:    "256Mi",
	})
	require.NoError(t, err)
	return k, clientset
}

func onlyPod(t *testing.T, clientset *fake.Clientset) corev1.Pod {
	t.Helper()
	pods, err := clientset.CoreV1().Pods("test-ns").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1)
	return pods.Items[0]
}

func setPodPhase(t *testing.T, clientset *fake.Clientset, name string, phase corev1.PodPhase, exitCode int32) {
	t.Helper()
	ctx := context.Background()
	pod, err := clientset.CoreV1().Pods("test-ns").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = phase
	if phase == corev1.PodFailed {
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:  "avatar",
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode, Reason: "Error"}},
		}}
	}
	_, err = clientset.CoreV1().Pods("test-ns").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestKubernetesSpawner_SpawnCreatesPod(t *testing.T) {
	k, clientset := newFakeKubernetesSpawner(t)

	proc, err := k.Spawn(Command{
		Path: "/usr/local/bin/avatar-agent",
		Args: []string{"--port", "8765"},
		Env:  []string{"LANG=C", "AVATAR_TOKEN=a=b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, proc.Pid())

	pod := onlyPod(t, clientset)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, "avatar-sa", pod.Spec.ServiceAccountName)
	assert.Equal(t, "genplane", pod.Labels[managedByLabel])

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "ghcr.io/acme/avatar:1.4", c.Image)
	assert.Equal(t, []string{"/usr/local/bin/avatar-agent"}, c.Command)
	assert.Equal(t, []string{"--port", "8765"}, c.Args)
	assert.Equal(t, []corev1.EnvVar{{Name: "LANG", Value: "C"}, {Name: "AVATAR_TOKEN", Value: "a=b"}}, c.Env)
	assert.Equal(t, "500m", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "256Mi", c.Resources.Limits.Memory().String())
}

func TestPodProcess_WaitReportsFailure(t *testing.T) {
	k, clientset := newFakeKubernetesSpawner(t)
	proc, err := k.Spawn(Command{Path: "/usr/local/bin/avatar-agent"})
	require.NoError(t, err)

	setPodPhase(t, clientset, onlyPod(t, clientset).Name, corev1.PodFailed, 137)

	err = proc.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "137")
}

func TestPodProcess_WaitSucceededRemovesPod(t *testing.T) {
	k, clientset := newFakeKubernetesSpawner(t)
	proc, err := k.Spawn(Command{Path: "/usr/local/bin/avatar-agent"})
	require.NoError(t, err)

	setPodPhase(t, clientset, onlyPod(t, clientset).Name, corev1.PodSucceeded, 0)

	require.NoError(t, proc.Wait())
	pods, err := clientset.CoreV1().Pods("test-ns").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
}

func TestPodProcess_KillEndsWait(t *testing.T) {
	k, _ := newFakeKubernetesSpawner(t)
	proc, err := k.Spawn(Command{Path: "/usr/local/bin/avatar-agent"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	require.NoError(t, proc.Kill())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errPodDeleted), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Kill")
	}
}

func TestNewKubernetesSpawner_InvalidLimits(t *testing.T) {
	_, err := newKubernetesSpawner(fake.NewClientset(), KubernetesConfig{CPULimit: "lots"})
	assert.Error(t, err)

	k, err := newKubernetesSpawner(fake.NewClientset(), KubernetesConfig{})
	require.NoError(t, err)
	assert.Equal(t, "default", k.config.Namespace)
	assert.Equal(t, "sidecar", k.config.Name)
}
