// Package tracker holds the per-pod notification state machine.
//
// # Contract
//
// A Tracker is owned by exactly one goroutine (the reconciliation loop) and is
// not safe for concurrent use. It never performs I/O: every call returns the
// Actions the caller must carry out, and delivery outcomes come back through
// Complete.
//
// # States
//
//	Idle             resolved, waiting out the cool-down
//	PendingDebounce  unschedulable, waiting for the debounce window
//	Notified         an incident was sent for the current reason
//	Suppressed       a delivery failed, waiting out the cool-down
//
// A record moves Idle -> PendingDebounce -> Notified and leaves Notified only
// through a resolution or a new reason. At most one delivery per pod is in
// flight; observations made meanwhile are stored and evaluated once the
// result arrives, so messages for one pod are never reordered.
//
// # Resync
//
// Before a relist the caller marks every record unconfirmed. Replayed events
// confirm them again; Reap treats whatever is left as deleted.
package tracker
