package types

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
)

// PodRef is the identity of a pod. It keys every piece of per-pod state.
type PodRef struct {
	Namespace string
	Name      string
}

// String renders the ref as "namespace/name".
func (r PodRef) String() string {
	return r.Namespace + "/" + r.Name
}

// ParsePodRef parses "namespace/name". A bare name is placed in the default namespace.
func ParsePodRef(s string) (PodRef, error) {
	ns, name, found := strings.Cut(s, "/")
	if !found {
		ns, name = metav1.NamespaceDefault, s
	}
	if ns == "" || name == "" || strings.Contains(name, "/") {
		return PodRef{}, fmt.Errorf("invalid pod reference %q, expected namespace/name", s)
	}
	return PodRef{Namespace: ns, Name: name}, nil
}

// EventKind is the kind of change reported by the cluster event source.
type EventKind string

const (
	EventAdded    EventKind = "Added"
	EventModified EventKind = "Modified"
	EventDeleted  EventKind = "Deleted"
)

// Event is a single pod change observed on the cluster.
type Event struct {
	Kind     EventKind
	Snapshot PodSnapshot
}

// PodSnapshot carries the pod fields needed to classify scheduling state.
// It is a copy; mutating it never touches the informer or watch cache.
type PodSnapshot struct {
	Ref             PodRef
	UID             k8stypes.UID
	ResourceVersion string

	Phase      corev1.PodPhase
	NodeName   string
	Conditions []corev1.PodCondition

	NodeSelector map[string]string
	Affinity     *corev1.Affinity
	Tolerations  []corev1.Toleration

	Annotations map[string]string

	// First controller owner, if any (e.g. ReplicaSet/foo-7d9c).
	OwnerKind string
	OwnerName string
}

// SnapshotFromPod copies the scheduling-relevant fields of a pod.
func SnapshotFromPod(pod *corev1.Pod) PodSnapshot {
	if pod == nil {
		return PodSnapshot{}
	}
	s := PodSnapshot{
		Ref:             PodRef{Namespace: pod.Namespace, Name: pod.Name},
		UID:             pod.UID,
		ResourceVersion: pod.ResourceVersion,
		Phase:           pod.Status.Phase,
		NodeName:        pod.Spec.NodeName,
		NodeSelector:    copyStringMap(pod.Spec.NodeSelector),
		Annotations:     copyStringMap(pod.Annotations),
	}
	if len(pod.Status.Conditions) > 0 {
		s.Conditions = make([]corev1.PodCondition, len(pod.Status.Conditions))
		for i := range pod.Status.Conditions {
			pod.Status.Conditions[i].DeepCopyInto(&s.Conditions[i])
		}
	}
	if pod.Spec.Affinity != nil {
		s.Affinity = pod.Spec.Affinity.DeepCopy()
	}
	if len(pod.Spec.Tolerations) > 0 {
		s.Tolerations = make([]corev1.Toleration, len(pod.Spec.Tolerations))
		for i := range pod.Spec.Tolerations {
			pod.Spec.Tolerations[i].DeepCopyInto(&s.Tolerations[i])
		}
	}
	if owner := metav1.GetControllerOf(pod); owner != nil {
		s.OwnerKind = owner.Kind
		s.OwnerName = owner.Name
	}
	return s
}

// Condition returns the condition of the given type, or nil.
func (s PodSnapshot) Condition(t corev1.PodConditionType) *corev1.PodCondition {
	for i := range s.Conditions {
		if s.Conditions[i].Type == t {
			return &s.Conditions[i]
		}
	}
	return nil
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
