// Package testutil provides shared test helpers for the nodeselector-notify project.
// Import this in test files to avoid duplicating pod builders and fixture loading.
package testutil

import (
	"embed"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"

	"github.com/ijanc/nodeselector-notify/internal/types"
)

// Scheduler messages as kube-scheduler writes them on PodScheduled=False.
const (
	MsgNodeSelector  = "0/3 nodes are available: 3 node(s) didn't match Pod's node affinity/selector. preemption: 0/3 nodes are available: 3 Preemption is not helpful for scheduling."
	MsgTaint         = "0/2 nodes are available: 2 node(s) had untolerated taint {dedicated: gpu}."
	MsgPodAffinity   = "0/3 nodes are available: 3 node(s) didn't match pod affinity rules."
	MsgAntiAffinity  = "0/3 nodes are available: 3 node(s) didn't match pod anti-affinity rules."
	MsgInsufficient  = "0/3 nodes are available: 3 Insufficient cpu."
	MsgMixedSelector = "0/3 nodes are available: 1 Insufficient memory, 2 node(s) didn't match Pod's node affinity/selector."
	MsgVolume        = "0/3 nodes are available: 3 node(s) had volume node affinity conflict."
)

//go:embed testdata/*.yaml
var fixtures embed.FS

// LoadPod reads a pod manifest from testdata and parses it.
// Fails the test immediately if the file can't be read or parsed.
func LoadPod(t *testing.T, name string) *corev1.Pod {
	t.Helper()
	data, err := fixtures.ReadFile("testdata/" + name)
	require.NoError(t, err, "failed to read fixture %s", name)
	pod := &corev1.Pod{}
	require.NoError(t, yaml.Unmarshal(data, pod), "failed to parse fixture %s", name)
	return pod
}

// PodOption mutates a pod built by NewPod.
type PodOption func(*corev1.Pod)

// NewPod creates a Pending pod with no conditions. Use options to shape it.
func NewPod(ns, name string, opts ...PodOption) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       ns,
			UID:             k8stypes.UID(ns + "-" + name),
			ResourceVersion: "1",
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "app", Image: "registry.example.com/app:1.0"}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodPending},
	}
	for _, o := range opts {
		o(pod)
	}
	return pod
}

// WithNodeSelector sets spec.nodeSelector.
func WithNodeSelector(sel map[string]string) PodOption {
	return func(p *corev1.Pod) { p.Spec.NodeSelector = sel }
}

// WithResourceVersion sets metadata.resourceVersion.
func WithResourceVersion(rv string) PodOption {
	return func(p *corev1.Pod) { p.ResourceVersion = rv }
}

// WithAnnotation adds one annotation.
func WithAnnotation(k, v string) PodOption {
	return func(p *corev1.Pod) {
		if p.Annotations == nil {
			p.Annotations = map[string]string{}
		}
		p.Annotations[k] = v
	}
}

// WithLabels sets metadata.labels.
func WithLabels(l map[string]string) PodOption {
	return func(p *corev1.Pod) { p.Labels = l }
}

// WithUnschedulable sets PodScheduled=False with the given scheduler message.
func WithUnschedulable(message string, since time.Time) PodOption {
	return func(p *corev1.Pod) {
		setScheduled(p, corev1.PodCondition{
			Type:               corev1.PodScheduled,
			Status:             corev1.ConditionFalse,
			Reason:             corev1.PodReasonUnschedulable,
			Message:            message,
			LastTransitionTime: metav1.NewTime(since),
		})
	}
}

// WithScheduled binds the pod to node and sets PodScheduled=True.
func WithScheduled(node string) PodOption {
	return func(p *corev1.Pod) {
		p.Spec.NodeName = node
		p.Status.Phase = corev1.PodRunning
		setScheduled(p, corev1.PodCondition{
			Type:   corev1.PodScheduled,
			Status: corev1.ConditionTrue,
		})
	}
}

// WithPhase overrides status.phase.
func WithPhase(phase corev1.PodPhase) PodOption {
	return func(p *corev1.Pod) { p.Status.Phase = phase }
}

// WithOwner adds a controller owner reference.
func WithOwner(kind, name string) PodOption {
	return func(p *corev1.Pod) {
		controller := true
		p.OwnerReferences = append(p.OwnerReferences, metav1.OwnerReference{
			APIVersion: "apps/v1",
			Kind:       kind,
			Name:       name,
			UID:        k8stypes.UID(name),
			Controller: &controller,
		})
	}
}

func setScheduled(p *corev1.Pod, c corev1.PodCondition) {
	for i := range p.Status.Conditions {
		if p.Status.Conditions[i].Type == corev1.PodScheduled {
			p.Status.Conditions[i] = c
			return
		}
	}
	p.Status.Conditions = append(p.Status.Conditions, c)
}

// Snapshot is a shorthand for types.SnapshotFromPod(NewPod(...)).
func Snapshot(ns, name string, opts ...PodOption) types.PodSnapshot {
	return types.SnapshotFromPod(NewPod(ns, name, opts...))
}

// Event wraps a snapshot of a freshly built pod in an Event.
func Event(kind types.EventKind, ns, name string, opts ...PodOption) types.Event {
	return types.Event{Kind: kind, Snapshot: Snapshot(ns, name, opts...)}
}
