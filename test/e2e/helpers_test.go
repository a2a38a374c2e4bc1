//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	// testNamespacePrefix is the prefix for test namespace names.
	testNamespacePrefix = "nsnotify-e2e-"

	// e2eLabel marks resources created by E2E tests for cleanup.
	e2eLabel = "nsnotify-e2e"

	// controllerNamespace is the namespace where the watcher is deployed.
	controllerNamespace = "nodeselector-notify-system"

	// controllerDeploymentName is the name of the watcher deployment.
	controllerDeploymentName = "nodeselector-notify"

	defaultPollInterval = 1 * time.Second

	// notificationTimeout covers scheduling, the debounce window and delivery.
	notificationTimeout = 90 * time.Second
)

// waitForCondition polls fn every interval until it reports done, failing
// the test when timeout passes first. Errors from fn are logged and polling
// continues.
func waitForCondition(t *testing.T, timeout, interval time.Duration, fn func() (bool, error)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := wait.PollUntilContextCancel(ctx, interval, true, func(context.Context) (bool, error) {
		done, err := fn()
		if err != nil {
			t.Logf("still waiting: %v", err)
			return false, nil
		}
		return done, nil
	})
	require.NoError(t, err, "condition not met within %v", timeout)
}

// deploymentReady reports whether every replica of the Deployment runs the
// latest template and is ready.
func deploymentReady(ctx context.Context, clientset kubernetes.Interface, namespace, name string) (bool, error) {
	d, err := clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	s := d.Status
	return s.ObservedGeneration >= d.Generation && s.UpdatedReplicas >= want && s.ReadyReplicas >= want, nil
}

// waitForDeploymentReady waits until deploymentReady holds.
func waitForDeploymentReady(t *testing.T, clientset kubernetes.Interface, namespace, name string, timeout time.Duration) {
	t.Helper()
	t.Logf("Waiting for %s/%s to roll out", namespace, name)
	waitForCondition(t, timeout, defaultPollInterval, func() (bool, error) {
		return deploymentReady(context.Background(), clientset, namespace, name)
	})
}

// createTestNamespace creates a namespace named after testNamespacePrefix
// and returns its name with a function that removes it.
func createTestNamespace(t *testing.T, clientset kubernetes.Interface) (string, func()) {
	t.Helper()
	ns, err := clientset.CoreV1().Namespaces().Create(context.Background(), &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: testNamespacePrefix,
			Labels:       map[string]string{e2eLabel: "true"},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err, "creating test namespace")

	return ns.Name, func() {
		if err := clientset.CoreV1().Namespaces().Delete(context.Background(), ns.Name, metav1.DeleteOptions{}); err != nil {
			t.Logf("namespace %s left behind: %v", ns.Name, err)
		}
	}
}

// createPinnedDeployment creates a one-replica Deployment whose pods select
// nodes by nodeSelector. Returns a cleanup function.
func createPinnedDeployment(t *testing.T, clientset kubernetes.Interface, namespace, name string, nodeSelector map[string]string) func() {
	t.Helper()
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{e2eLabel: "true"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
				Spec: corev1.PodSpec{
					NodeSelector: nodeSelector,
					Containers: []corev1.Container{
						{Name: "pause", Image: "registry.k8s.io/pause:3.9"},
					},
				},
			},
		},
	}
	_, err := clientset.AppsV1().Deployments(namespace).Create(context.Background(), dep, metav1.CreateOptions{})
	require.NoError(t, err, "failed to create Deployment %s/%s", namespace, name)

	return func() {
		err := clientset.AppsV1().Deployments(namespace).Delete(context.Background(), name, metav1.DeleteOptions{})
		if err != nil {
			t.Logf("Warning: failed to delete Deployment %s/%s: %v", namespace, name, err)
		}
	}
}

// waitForUnschedulablePod waits until a pod in namespace reports
// PodScheduled=False and returns its name.
func waitForUnschedulablePod(t *testing.T, clientset kubernetes.Interface, namespace string, timeout time.Duration) string {
	t.Helper()
	var name string
	waitForCondition(t, timeout, defaultPollInterval, func() (bool, error) {
		pods, err := clientset.CoreV1().Pods(namespace).List(context.Background(), metav1.ListOptions{})
		if err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			for _, c := range pod.Status.Conditions {
				if c.Type == corev1.PodScheduled && c.Status == corev1.ConditionFalse {
					name = pod.Name
					return true, nil
				}
			}
		}
		return false, nil
	})
	return name
}

// getControllerLogs returns the recent log lines of every watcher pod.
func getControllerLogs(t *testing.T, clientset kubernetes.Interface, tailLines int64) string {
	t.Helper()
	return podLogs(t, clientset, controllerNamespace, "app.kubernetes.io/name="+controllerDeploymentName, tailLines)
}

// podLogs concatenates the last tailLines of each running pod matching selector.
func podLogs(t *testing.T, clientset kubernetes.Interface, namespace, selector string, tailLines int64) string {
	t.Helper()
	ctx := context.Background()
	pods, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		t.Logf("listing pods %q in %s: %v", selector, namespace, err)
		return ""
	}

	var buf bytes.Buffer
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
			continue
		}
		raw, err := clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines: ptr.To(tailLines),
		}).DoRaw(ctx)
		if err != nil {
			t.Logf("reading logs of %s/%s: %v", namespace, pod.Name, err)
			continue
		}
		buf.Write(raw)
	}
	return buf.String()
}

// pollForLogMessage polls the watcher logs until a line contains every
// fragment, failing the test on timeout.
func pollForLogMessage(t *testing.T, clientset kubernetes.Interface, message string, timeout time.Duration, fragments ...string) string {
	t.Helper()
	var found string
	waitForCondition(t, timeout, 2*time.Second, func() (bool, error) {
		for _, line := range strings.Split(getControllerLogs(t, clientset, 500), "\n") {
			if !strings.Contains(line, message) {
				continue
			}
			if containsAll(line, fragments) {
				found = line
				return true, nil
			}
		}
		return false, nil
	})
	return found
}

func containsAll(s string, parts []string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
