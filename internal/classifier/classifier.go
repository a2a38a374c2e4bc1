package classifier

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/ijanc/nodeselector-notify/internal/annotations"
	"github.com/ijanc/nodeselector-notify/internal/types"
)

// Scheduler message fragments, lowercased.
var (
	nodeSelectorPatterns = []string{
		"didn't match pod's node affinity",
		"didn't match node selector",
		"didn't match node affinity",
		"matchnodeselector",
	}
	taintPatterns = []string{
		"untolerated taint",
		"had taint",
		"didn't tolerate",
		"podtoleratesnodetaints",
	}
	podAntiAffinityPatterns = []string{
		"pod anti-affinity",
		"pods anti-affinity",
	}
	podAffinityPatterns = []string{
		"pod affinity",
		"pods affinity",
		"affinity/anti-affinity",
		"matchinterpodaffinity",
	}
	resourcePatterns = []string{
		"insufficient ",
		"too many pods",
	}
)

// Classify returns the scheduling status of a pod snapshot.
func Classify(s types.PodSnapshot) types.SchedulingStatus {
	if s.Phase == corev1.PodSucceeded || s.Phase == corev1.PodFailed {
		return types.SchedulingStatus{Phase: types.StatusTerminated}
	}

	cond := s.Condition(corev1.PodScheduled)
	if cond != nil && cond.Status == corev1.ConditionFalse {
		status := types.SchedulingStatus{Since: cond.LastTransitionTime.Time}
		if cond.Reason == corev1.PodReasonSchedulingGated || annotations.IsIgnored(s.Annotations) {
			status.Phase = types.StatusPendingOther
			return status
		}
		status.Phase = types.StatusPendingUnschedulable
		status.Reason = ParseReason(cond.Message, s.NodeSelector)
		return status
	}

	if (cond != nil && cond.Status == corev1.ConditionTrue) || s.NodeName != "" {
		status := types.SchedulingStatus{Phase: types.StatusScheduled}
		if cond != nil {
			status.Since = cond.LastTransitionTime.Time
		}
		return status
	}
	return types.SchedulingStatus{Phase: types.StatusPendingOther}
}

// ParseReason maps a scheduler message to a Reason. nodeSelector is the pod's
// spec.nodeSelector; when non-empty, a node affinity/selector failure is
// attributed to it.
func ParseReason(message string, nodeSelector map[string]string) types.Reason {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, nodeSelectorPatterns):
		if len(nodeSelector) > 0 {
			sel := make(map[string]string, len(nodeSelector))
			for k, v := range nodeSelector {
				sel[k] = v
			}
			return types.Reason{Cause: types.CauseNodeSelectorMismatch, Selector: sel, Message: message}
		}
		return types.Reason{Cause: types.CauseAffinityMismatch, Kind: types.AffinityNode, Message: message}
	case containsAny(msg, taintPatterns):
		return types.Reason{Cause: types.CauseAffinityMismatch, Kind: types.AffinityTaintToleration, Message: message}
	case containsAny(msg, podAntiAffinityPatterns):
		return types.Reason{Cause: types.CauseAffinityMismatch, Kind: types.AffinityPodAnti, Message: message}
	case containsAny(msg, podAffinityPatterns):
		return types.Reason{Cause: types.CauseAffinityMismatch, Kind: types.AffinityPod, Message: message}
	case containsAny(msg, resourcePatterns):
		return types.Reason{Cause: types.CauseInsufficientResources, Message: message}
	default:
		return types.Reason{Cause: types.CauseUnknown, Message: message}
	}
}

// Describe renders a reason as one human-readable sentence.
func Describe(r types.Reason) string {
	switch r.Cause {
	case types.CauseNodeSelectorMismatch:
		return fmt.Sprintf("no node matches nodeSelector %s", types.FormatSelector(r.Selector))
	case types.CauseAffinityMismatch:
		switch r.Kind {
		case types.AffinityNode:
			return "no node satisfies the pod's required node affinity"
		case types.AffinityTaintToleration:
			return "candidate nodes carry taints the pod does not tolerate"
		case types.AffinityPod:
			return "the pod's affinity to other pods cannot be satisfied"
		case types.AffinityPodAnti:
			return "the pod's anti-affinity to other pods cannot be satisfied"
		}
		return "affinity rules cannot be satisfied"
	case types.CauseInsufficientResources:
		if r.Message != "" {
			return "not enough free capacity: " + r.Message
		}
		return "not enough free capacity"
	case "":
		return ""
	default:
		if r.Message != "" {
			return r.Message
		}
		return "unknown scheduling failure"
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
