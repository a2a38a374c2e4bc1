// Package classifier derives a pod's scheduling status from a snapshot.
//
// # Contract
//
// Classify is a pure function of the snapshot. It holds no state and never
// talks to the API server. The rules, applied in order:
//  1. Phase Succeeded or Failed: Terminated
//  2. PodScheduled=False: PendingUnschedulable with a Reason parsed from the
//     scheduler's condition message
//  3. PodScheduled=True or spec.nodeName set: Scheduled
//  4. Anything else: PendingOther
//
// Pods opted out with the nodeselector-notify.io/ignore annotation, and pods
// held back by scheduling gates, never classify as PendingUnschedulable.
//
// # Message Heuristics
//
// The scheduler reports every failed predicate in one free-text message, for
// example:
//
//	0/3 nodes are available: 1 Insufficient cpu, 2 node(s) didn't match Pod's node affinity/selector.
//
// Categories are tried in this order and the first match wins:
//
//	node affinity/selector  -> NodeSelectorMismatch (pod has a nodeSelector) or AffinityMismatch(NodeAffinity)
//	taints                  -> AffinityMismatch(Taint)
//	pod (anti-)affinity     -> AffinityMismatch(PodAffinity | PodAntiAffinity)
//	resources               -> InsufficientResources
//	anything else           -> Unknown (message kept verbatim)
package classifier
