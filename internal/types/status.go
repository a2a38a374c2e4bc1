package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StatusPhase is the derived scheduling state of a pod.
type StatusPhase string

const (
	StatusScheduled            StatusPhase = "Scheduled"
	StatusPendingUnschedulable StatusPhase = "PendingUnschedulable"
	StatusPendingOther         StatusPhase = "PendingOther"
	StatusTerminated           StatusPhase = "Terminated"
)

// Cause categorizes why the scheduler could not place a pod.
type Cause string

const (
	CauseNodeSelectorMismatch  Cause = "NodeSelectorMismatch"
	CauseAffinityMismatch      Cause = "AffinityMismatch"
	CauseInsufficientResources Cause = "InsufficientResources"
	CauseUnknown               Cause = "Unknown"
)

// AffinityKind narrows down a CauseAffinityMismatch.
type AffinityKind string

const (
	AffinityNode            AffinityKind = "NodeAffinity"
	AffinityPod             AffinityKind = "PodAffinity"
	AffinityPodAnti         AffinityKind = "PodAntiAffinity"
	AffinityTaintToleration AffinityKind = "Taint"
)

// Reason is the structured cause of an unschedulable pod.
type Reason struct {
	Cause Cause

	// Selector is the pod's nodeSelector (CauseNodeSelectorMismatch only).
	Selector map[string]string

	// Kind is set for CauseAffinityMismatch.
	Kind AffinityKind

	// Message is the scheduler's condition message, verbatim.
	Message string
}

// Key is a stable identity for the reason. Two reasons with the same key are
// the same incident. Node counts in free-text messages are ignored so that a
// cluster growing from 3 to 4 nodes does not look like a new incident.
func (r Reason) Key() string {
	switch r.Cause {
	case CauseNodeSelectorMismatch:
		return string(r.Cause) + ":" + FormatSelector(r.Selector)
	case CauseAffinityMismatch:
		return string(r.Cause) + ":" + string(r.Kind)
	case CauseInsufficientResources:
		return string(r.Cause)
	case "":
		return ""
	default:
		return string(r.Cause) + ":" + normalizeMessage(r.Message)
	}
}

// Equal reports whether both reasons describe the same incident.
func (r Reason) Equal(o Reason) bool {
	return r.Key() == o.Key()
}

// IsZero reports whether no cause is set.
func (r Reason) IsZero() bool {
	return r.Cause == ""
}

// String returns a compact form for logs, e.g. "AffinityMismatch(Taint)".
func (r Reason) String() string {
	switch r.Cause {
	case CauseNodeSelectorMismatch:
		return fmt.Sprintf("%s{%s}", r.Cause, FormatSelector(r.Selector))
	case CauseAffinityMismatch:
		return fmt.Sprintf("%s(%s)", r.Cause, r.Kind)
	default:
		return string(r.Cause)
	}
}

// SchedulingStatus is the classifier's verdict for one pod snapshot.
type SchedulingStatus struct {
	Phase  StatusPhase
	Reason Reason

	// Since is when the pod entered its current PodScheduled state, if known.
	Since time.Time
}

// Unschedulable reports whether the status is PendingUnschedulable.
func (s SchedulingStatus) Unschedulable() bool {
	return s.Phase == StatusPendingUnschedulable
}

// Resolved reports whether the pod no longer needs attention.
func (s SchedulingStatus) Resolved() bool {
	return s.Phase == StatusScheduled || s.Phase == StatusTerminated
}

func (s SchedulingStatus) String() string {
	if s.Phase == StatusPendingUnschedulable {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return string(s.Phase)
}

// FormatSelector renders a selector as "k1=v1,k2=v2" with sorted keys.
func FormatSelector(sel map[string]string) string {
	if len(sel) == 0 {
		return ""
	}
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sel[k])
	}
	return strings.Join(parts, ",")
}

// normalizeMessage collapses digit runs to "#" and trims whitespace.
func normalizeMessage(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))
	inDigits := false
	for _, r := range strings.TrimSpace(msg) {
		if r >= '0' && r <= '9' {
			if !inDigits {
				b.WriteByte('#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}
