package tracker

import (
	"sort"
	"strconv"
	"time"

	"github.com/ijanc/nodeselector-notify/internal/types"
)

// State is the notification state of one pod.
type State string

const (
	StateIdle            State = "Idle"
	StatePendingDebounce State = "PendingDebounce"
	StateNotified        State = "Notified"
	StateSuppressed      State = "Suppressed"
)

// ActionType tells the caller what to do for a pod.
type ActionType string

const (
	// ActionNotify announces a new incident.
	ActionNotify ActionType = "Notify"
	// ActionRemind repeats an incident that is still ongoing.
	ActionRemind ActionType = "Remind"
	// ActionResolve announces that an incident is over.
	ActionResolve ActionType = "Resolve"
	// ActionDiagnose records a delivery failure locally. Nothing is sent.
	ActionDiagnose ActionType = "Diagnose"
)

// Action is a side effect requested by the tracker.
type Action struct {
	Type   ActionType
	Ref    types.PodRef
	Reason types.Reason
	// Record is a copy of the record after the transition.
	Record Record
	// Failed and Err describe the failed delivery behind a Diagnose action.
	Failed ActionType
	Err    error
}

// Outcome is the final result of a delivery.
type Outcome string

const (
	OutcomeDelivered Outcome = "Delivered"
	// OutcomeFailed covers permanent failures and exhausted retries.
	OutcomeFailed Outcome = "Failed"
	// OutcomeDropped means the message never left the delivery queue.
	OutcomeDropped Outcome = "Dropped"
)

// Result reports the outcome of a Notify, Remind or Resolve action.
type Result struct {
	Ref      types.PodRef
	Action   ActionType
	Outcome  Outcome
	Attempts int
	Err      error
}

// Record is the notification state of one pod.
type Record struct {
	Ref types.PodRef

	// Reason of the current (or pending) incident.
	Reason types.Reason
	// NotifiedReason is the last reason delivered successfully.
	NotifiedReason types.Reason

	FirstSeenAt    time.Time
	LastNotifiedAt time.Time
	State          State
	RetryCount     int

	ResourceVersion string
	// Observed is the latest classification, including ones received while a
	// delivery was in flight.
	Observed types.SchedulingStatus
	// Gone is set once the pod was deleted.
	Gone bool
	// InFlight is the action awaiting a delivery result, if any.
	InFlight ActionType
	// Announced is set while a delivered incident has not been resolved.
	Announced       bool
	ResolvedAt      time.Time
	SuppressedUntil time.Time
	// Diagnosed is set once the current failure episode has been reported.
	Diagnosed   bool
	Unconfirmed bool
}

// Options are the timing parameters of the state machine.
type Options struct {
	Debounce time.Duration
	// RenotifyInterval of zero disables reminders.
	RenotifyInterval time.Duration
	Cooldown         time.Duration
}

// Tracker maps each pod to at most one Record.
type Tracker struct {
	opts    Options
	records map[types.PodRef]*Record
}

// New creates an empty Tracker.
func New(opts Options) *Tracker {
	return &Tracker{
		opts:    opts,
		records: make(map[types.PodRef]*Record),
	}
}

// Observe applies one cluster event and its classification.
func (t *Tracker) Observe(ev types.Event, status types.SchedulingStatus, now time.Time) []Action {
	ref := ev.Snapshot.Ref
	rec, ok := t.records[ref]
	if !ok {
		if ev.Kind == types.EventDeleted || !status.Unschedulable() {
			return nil
		}
		rec = &Record{Ref: ref, ResourceVersion: ev.Snapshot.ResourceVersion, Observed: status}
		t.records[ref] = rec
		t.startDebounce(rec, status.Reason, firstSeen(status, now))
		return t.step(rec, now)
	}

	if olderVersion(ev.Snapshot.ResourceVersion, rec.ResourceVersion) {
		return nil
	}
	if ev.Snapshot.ResourceVersion != "" {
		rec.ResourceVersion = ev.Snapshot.ResourceVersion
	}
	rec.Unconfirmed = false
	rec.Gone = ev.Kind == types.EventDeleted
	rec.Observed = status
	if rec.InFlight != "" {
		return nil
	}
	return t.step(rec, now)
}

// Tick evaluates timer-driven transitions for every record.
func (t *Tracker) Tick(now time.Time) []Action {
	var actions []Action
	for _, ref := range t.sortedRefs() {
		rec := t.records[ref]
		if rec.InFlight != "" {
			continue
		}
		actions = append(actions, t.step(rec, now)...)
	}
	return actions
}

// Complete applies a delivery result. Results that do not match the action
// in flight are ignored.
func (t *Tracker) Complete(res Result, now time.Time) []Action {
	rec, ok := t.records[res.Ref]
	if !ok || rec.InFlight == "" || rec.InFlight != res.Action {
		return nil
	}
	rec.InFlight = ""

	var actions []Action
	switch {
	case res.Outcome == OutcomeDelivered:
		rec.RetryCount = 0
		rec.Diagnosed = false
		switch res.Action {
		case ActionNotify:
			rec.NotifiedReason = rec.Reason
			rec.LastNotifiedAt = now
			rec.Announced = true
		case ActionRemind:
			rec.LastNotifiedAt = now
		case ActionResolve:
			rec.Announced = false
			rec.State = StateIdle
			rec.ResolvedAt = now
		}
	case res.Outcome == OutcomeDropped && res.Action == ActionRemind:
		// Skip this reminder; the next one is due a full interval later.
		rec.LastNotifiedAt = now
	default:
		rec.RetryCount = res.Attempts
		rec.State = StateSuppressed
		rec.SuppressedUntil = now.Add(t.opts.Cooldown)
		if !rec.Diagnosed {
			rec.Diagnosed = true
			diag := t.action(ActionDiagnose, rec)
			diag.Failed = res.Action
			diag.Err = res.Err
			actions = append(actions, diag)
		}
	}
	return append(actions, t.step(rec, now)...)
}

// MarkUnconfirmed flags every record ahead of a relist.
func (t *Tracker) MarkUnconfirmed() {
	for _, rec := range t.records {
		rec.Unconfirmed = true
	}
}

// Reap treats every record not confirmed since MarkUnconfirmed as deleted.
func (t *Tracker) Reap(now time.Time) []Action {
	var actions []Action
	for _, ref := range t.sortedRefs() {
		rec := t.records[ref]
		if !rec.Unconfirmed {
			continue
		}
		rec.Unconfirmed = false
		rec.Gone = true
		rec.Observed = types.SchedulingStatus{Phase: types.StatusTerminated}
		if rec.InFlight != "" {
			continue
		}
		actions = append(actions, t.step(rec, now)...)
	}
	return actions
}

// Get returns a copy of the record for ref.
func (t *Tracker) Get(ref types.PodRef) (Record, bool) {
	rec, ok := t.records[ref]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked pods.
func (t *Tracker) Len() int {
	return len(t.records)
}

// Counts returns the number of records per state.
func (t *Tracker) Counts() map[State]int {
	counts := map[State]int{
		StateIdle:            0,
		StatePendingDebounce: 0,
		StateNotified:        0,
		StateSuppressed:      0,
	}
	for _, rec := range t.records {
		counts[rec.State]++
	}
	return counts
}

// step evaluates a record that has no delivery in flight.
func (t *Tracker) step(rec *Record, now time.Time) []Action {
	obs := rec.Observed
	unschedulable := !rec.Gone && obs.Unschedulable()
	resolved := rec.Gone || obs.Resolved()

	switch rec.State {
	case StatePendingDebounce:
		if !unschedulable {
			if !rec.Announced {
				t.remove(rec)
				return nil
			}
			if resolved {
				return t.send(ActionResolve, rec)
			}
			// Still pending: the announced incident stays open.
			rec.State = StateNotified
			rec.Reason = rec.NotifiedReason
			return nil
		}
		if !obs.Reason.Equal(rec.Reason) {
			t.startDebounce(rec, obs.Reason, now)
		}
		if now.Sub(rec.FirstSeenAt) < t.opts.Debounce {
			return nil
		}
		rec.State = StateNotified
		if rec.Reason.Equal(rec.NotifiedReason) && !rec.LastNotifiedAt.IsZero() &&
			now.Sub(rec.LastNotifiedAt) < t.opts.Debounce {
			rec.Announced = true
			return nil
		}
		return t.send(ActionNotify, rec)

	case StateNotified:
		if resolved {
			if rec.Announced {
				return t.send(ActionResolve, rec)
			}
			t.remove(rec)
			return nil
		}
		if !unschedulable {
			// PendingOther keeps the incident open.
			return nil
		}
		if !obs.Reason.Equal(rec.Reason) {
			t.startDebounce(rec, obs.Reason, now)
			return t.step(rec, now)
		}
		if t.opts.RenotifyInterval > 0 && now.Sub(rec.LastNotifiedAt) >= t.opts.RenotifyInterval {
			return t.send(ActionRemind, rec)
		}
		return nil

	case StateSuppressed:
		if now.Before(rec.SuppressedUntil) {
			return nil
		}
		rec.SuppressedUntil = time.Time{}
		rec.State = StatePendingDebounce
		return t.step(rec, now)

	default: // StateIdle
		if now.Sub(rec.ResolvedAt) < t.opts.Cooldown {
			return nil
		}
		if !unschedulable {
			t.remove(rec)
			return nil
		}
		rec.ResolvedAt = time.Time{}
		t.startDebounce(rec, obs.Reason, firstSeen(obs, now))
		return t.step(rec, now)
	}
}

func (t *Tracker) startDebounce(rec *Record, reason types.Reason, at time.Time) {
	rec.State = StatePendingDebounce
	rec.Reason = reason
	rec.FirstSeenAt = at
	rec.RetryCount = 0
}

func (t *Tracker) send(typ ActionType, rec *Record) []Action {
	rec.InFlight = typ
	return []Action{t.action(typ, rec)}
}

func (t *Tracker) action(typ ActionType, rec *Record) Action {
	reason := rec.Reason
	if typ == ActionResolve && !rec.NotifiedReason.IsZero() {
		reason = rec.NotifiedReason
	}
	return Action{Type: typ, Ref: rec.Ref, Reason: reason, Record: *rec}
}

func (t *Tracker) remove(rec *Record) {
	delete(t.records, rec.Ref)
}

func (t *Tracker) sortedRefs() []types.PodRef {
	refs := make([]types.PodRef, 0, len(t.records))
	for ref := range t.records {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Namespace != refs[j].Namespace {
			return refs[i].Namespace < refs[j].Namespace
		}
		return refs[i].Name < refs[j].Name
	})
	return refs
}

// firstSeen is the condition's transition time unless it is unset or in the future.
func firstSeen(status types.SchedulingStatus, now time.Time) time.Time {
	if status.Since.IsZero() || status.Since.After(now) {
		return now
	}
	return status.Since
}

// olderVersion reports whether resource version a is strictly older than b.
// Versions that are not unsigned integers are never considered older.
func olderVersion(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	av, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	bv, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return false
	}
	return av < bv
}
