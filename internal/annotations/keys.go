// Package annotations defines the annotation keys that nodeselector-notify
// reads from pods.
//
// # Pod Annotations
//
// Workload owners can opt a pod (or every pod of a Deployment, through its
// pod template) out of alerts:
//
//	metadata:
//	  annotations:
//	    nodeselector-notify.io/ignore: "true"
//
// An opted-out pod is still watched, but it is never reported as
// unschedulable, so no incident, reminder or resolution is sent for it.
package annotations

import "strconv"

// Ignore opts a pod out of notifications.
// Value: "true" (any value accepted by strconv.ParseBool)
const Ignore = "nodeselector-notify.io/ignore"

// IsIgnored reports whether the annotations opt the object out of alerts.
// Unparseable values are treated as false.
func IsIgnored(annotations map[string]string) bool {
	v, ok := annotations[Ignore]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
