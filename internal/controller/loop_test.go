package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/ijanc/nodeselector-notify/internal/notifier"
	"github.com/ijanc/nodeselector-notify/internal/source"
	"github.com/ijanc/nodeselector-notify/internal/testutil"
	"github.com/ijanc/nodeselector-notify/internal/tracker"
	"github.com/ijanc/nodeselector-notify/internal/types"
)

var (
	t0       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	zoneEast = map[string]string{"zone": "us-east"}
)

// fakeStream is a Stream fed by the test.
type fakeStream struct {
	ch   chan types.Event
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan types.Event, 16)}
}

func (s *fakeStream) Events() <-chan types.Event { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Stop() { s.end(nil) }

func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

type listResponse struct {
	pods []types.PodSnapshot
	rv   string
	err  error
}

// fakeSource serves scripted list responses; the last one repeats.
type fakeSource struct {
	mu       sync.Mutex
	lists    []listResponse
	listed   int
	watchErr error
	streams  []*fakeStream
	watchRVs []string
}

func (f *fakeSource) List(context.Context) ([]types.PodSnapshot, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.listed
	if i >= len(f.lists) {
		i = len(f.lists) - 1
	}
	f.listed++
	r := f.lists[i]
	return r.pods, r.rv, r.err
}

func (f *fakeSource) Watch(_ context.Context, rv string) (source.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchRVs = append(f.watchRVs, rv)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) respond(lists ...listResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, lists...)
}

func (f *fakeSource) latest() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// fakeOutbox records enqueued messages. drop decides which messages are
// rejected immediately.
type fakeOutbox struct {
	mu      sync.Mutex
	sent    []notifier.OutboundMessage
	drop    func(notifier.OutboundMessage) bool
	results chan notifier.Result
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{results: make(chan notifier.Result, 16)}
}

func (o *fakeOutbox) Enqueue(msg notifier.OutboundMessage) []notifier.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drop != nil && o.drop(msg) {
		return []notifier.OutboundMessage{msg}
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *fakeOutbox) Results() <-chan notifier.Result { return o.results }

func (o *fakeOutbox) messages() []notifier.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notifier.OutboundMessage(nil), o.sent...)
}

func (o *fakeOutbox) kinds() []notifier.MessageKind {
	var kinds []notifier.MessageKind
	for _, m := range o.messages() {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

func (o *fakeOutbox) last(t *testing.T) notifier.OutboundMessage {
	t.Helper()
	msgs := o.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type harness struct {
	loop    *Loop
	clock   *testingclock.FakeClock
	source  *fakeSource
	outbox  *fakeOutbox
	tracker *tracker.Tracker
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, opts Options, lists ...listResponse) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(t0)
	src := &fakeSource{}
	src.respond(lists...)
	out := newFakeOutbox()
	tr := tracker.New(tracker.Options{Debounce: 30 * time.Second, RenotifyInterval: time.Hour, Cooldown: 5 * time.Minute})
	core, logs := observer.New(zapcore.DebugLevel)

	opts.Clock = clk
	return &harness{
		loop:    NewLoop(zap.New(core), src, tr, out, opts),
		clock:   clk,
		source:  src,
		outbox:  out,
		tracker: tr,
		logs:    logs,
	}
}

func emptyList(rv string) listResponse { return listResponse{rv: rv} }

func unschedulable(name, rv string, since time.Time) types.PodSnapshot {
	return testutil.Snapshot("ns", name,
		testutil.WithNodeSelector(zoneEast),
		testutil.WithResourceVersion(rv),
		testutil.WithUnschedulable(testutil.MsgNodeSelector, since),
	)
}

func delivered(msg notifier.OutboundMessage) notifier.Result {
	return notifier.Result{Message: msg, Ack: notifier.Ack{Status: 200, Attempts: 1}}
}

func TestLoop_NodeSelectorScenario(t *testing.T) {
	h := newHarness(t, Options{Cluster: "prod"}, emptyList("10"))
	h.loop.resync(context.Background())
	require.True(t, h.loop.Synced())
	assert.Equal(t, []string{"10"}, h.source.watchRVs)

	h.loop.handleEvent(testutil.Event(types.EventAdded, "ns", "foo",
		testutil.WithNodeSelector(zoneEast),
		testutil.WithResourceVersion("11"),
		testutil.WithUnschedulable(testutil.MsgNodeSelector, t0),
	))
	h.clock.Step(10 * time.Second)
	h.loop.tick()
	assert.Empty(t, h.outbox.messages(), "nothing is sent inside the debounce window")

	h.clock.Step(21 * time.Second)
	h.loop.tick()
	require.Len(t, h.outbox.messages(), 1)
	incident := h.outbox.last(t)
	assert.Equal(t, notifier.KindIncident, incident.Kind)
	assert.Equal(t, "prod", incident.Cluster)
	assert.Equal(t, t0, incident.Since)
	assert.Equal(t, "⚠️ Pod ns/foo is unschedulable (NodeSelectorMismatch)\nenv: prod\nnodeSelector: zone=us-east", notifier.Render(incident))

	// Further ticks while the delivery is in flight send nothing.
	h.clock.Step(time.Minute)
	h.loop.tick()
	require.Len(t, h.outbox.messages(), 1)

	h.loop.handleResult(delivered(incident))
	rec, ok := h.tracker.Get(types.PodRef{Namespace: "ns", Name: "foo"})
	require.True(t, ok)
	assert.Equal(t, tracker.StateNotified, rec.State)

	h.loop.handleEvent(testutil.Event(types.EventModified, "ns", "foo",
		testutil.WithNodeSelector(zoneEast),
		testutil.WithResourceVersion("12"),
		testutil.WithScheduled("worker-1"),
	))
	require.Len(t, h.outbox.messages(), 2)
	resolution := h.outbox.last(t)
	assert.Equal(t, notifier.KindResolution, resolution.Kind)
	assert.False(t, resolution.Deleted)
	assert.Equal(t, "✅ Pod ns/foo is scheduled again\nenv: prod", notifier.Render(resolution))

	h.loop.handleResult(delivered(resolution))
	assert.Equal(t, 1, h.tracker.Len(), "record kept during cool-down")

	h.clock.Step(5 * time.Minute)
	h.loop.tick()
	assert.Zero(t, h.tracker.Len())
	assert.Len(t, h.outbox.messages(), 2)
}

func TestLoop_ScheduledBeforeDebounceSendsNothing(t *testing.T) {
	h := newHarness(t, Options{}, emptyList("1"))
	h.loop.resync(context.Background())

	h.loop.handleEvent(types.Event{Kind: types.EventAdded, Snapshot: unschedulable("foo", "2", t0)})
	h.clock.Step(10 * time.Second)
	h.loop.handleEvent(testutil.Event(types.EventModified, "ns", "foo",
		testutil.WithResourceVersion("3"), testutil.WithScheduled("worker-1")))
	h.clock.Step(time.Minute)
	h.loop.tick()

	assert.Empty(t, h.outbox.messages())
	assert.Zero(t, h.tracker.Len())
}

func TestLoop_StartupSummary(t *testing.T) {
	old := t0.Add(-time.Hour)
	pods := []types.PodSnapshot{
		unschedulable("a", "5", old),
		unschedulable("b", "6", old),
		unschedulable("c", "7", old),
		// Still inside the debounce window at startup.
		unschedulable("d", "8", t0.Add(-5*time.Second)),
		testutil.Snapshot("ns", "running", testutil.WithScheduled("worker-1")),
	}
	h := newHarness(t, Options{StartupSummary: true}, listResponse{pods: pods, rv: "9"})
	h.loop.resync(context.Background())

	require.Len(t, h.outbox.messages(), 1)
	summary := h.outbox.last(t)
	assert.Equal(t, notifier.KindSummary, summary.Kind)
	require.Len(t, summary.Items, 3)
	assert.Equal(t, "ns/a", summary.Items[0].Ref.String())

	h.loop.handleResult(delivered(summary))
	for _, name := range []string{"a", "b", "c"} {
		rec, ok := h.tracker.Get(types.PodRef{Namespace: "ns", Name: name})
		require.True(t, ok, name)
		assert.Equal(t, tracker.StateNotified, rec.State, name)
		assert.True(t, rec.Announced, name)
		assert.Empty(t, rec.InFlight, name)
	}

	// The pod still in its debounce window is announced on its own later.
	h.clock.Step(30 * time.Second)
	h.loop.tick()
	assert.Equal(t, []notifier.MessageKind{notifier.KindSummary, notifier.KindIncident}, h.outbox.kinds())
	assert.Equal(t, "d", h.outbox.last(t).Ref.Name)
}

func TestLoop_StartupSummaryDisabledOrSingle(t *testing.T) {
	old := t0.Add(-time.Hour)

	h := newHarness(t, Options{StartupSummary: false},
		listResponse{pods: []types.PodSnapshot{unschedulable("a", "1", old), unschedulable("b", "2", old)}, rv: "3"})
	h.loop.resync(context.Background())
	assert.Equal(t, []notifier.MessageKind{notifier.KindIncident, notifier.KindIncident}, h.outbox.kinds())

	h = newHarness(t, Options{StartupSummary: true},
		listResponse{pods: []types.PodSnapshot{unschedulable("a", "1", old)}, rv: "3"})
	h.loop.resync(context.Background())
	assert.Equal(t, []notifier.MessageKind{notifier.KindIncident}, h.outbox.kinds())
}

func TestLoop_FailedSummarySuppressesEveryPod(t *testing.T) {
	old := t0.Add(-time.Hour)
	h := newHarness(t, Options{StartupSummary: true},
		listResponse{pods: []types.PodSnapshot{unschedulable("a", "1", old), unschedulable("b", "2", old)}, rv: "3"})
	h.loop.resync(context.Background())

	summary := h.outbox.last(t)
	h.loop.handleResult(notifier.Result{
		Message: summary,
		Err:     &notifier.DeliveryError{Kind: notifier.ErrorExhausted, Attempts: 6, Err: errors.New("503")},
	})
	for _, name := range []string{"a", "b"} {
		rec, _ := h.tracker.Get(types.PodRef{Namespace: "ns", Name: name})
		assert.Equal(t, tracker.StateSuppressed, rec.State)
		assert.Equal(t, 6, rec.RetryCount)
	}
	assert.Equal(t, 2, h.logs.FilterMessageSnippet("could not be delivered").Len())
	assert.Empty(t, h.loop.summaries)
}

func TestLoop_ResyncResolvesDeletedAndKeepsNotified(t *testing.T) {
	old := t0.Add(-time.Hour)
	h := newHarness(t, Options{},
		listResponse{pods: []types.PodSnapshot{unschedulable("keep", "1", old)}, rv: "2"},
	)
	h.loop.resync(context.Background())
	h.loop.handleResult(delivered(h.outbox.last(t)))

	h.loop.handleEvent(types.Event{Kind: types.EventAdded, Snapshot: unschedulable("gone", "3", old)})
	h.loop.tick()
	require.Len(t, h.outbox.messages(), 2)
	h.loop.handleResult(delivered(h.outbox.last(t)))

	// The watch breaks; the relist no longer contains "gone".
	h.source.respond(listResponse{pods: []types.PodSnapshot{unschedulable("keep", "1", old)}, rv: "20"})
	h.clock.Step(time.Minute)
	stream := h.source.latest()
	stream.end(fmt.Errorf("%w: watch closed", source.ErrStreamBroken))
	h.loop.streamEnded(context.Background())

	msgs := h.outbox.messages()
	require.Len(t, msgs, 3, "no duplicate incident for the pod that is still listed")
	assert.Equal(t, notifier.KindResolution, msgs[2].Kind)
	assert.Equal(t, "gone", msgs[2].Ref.Name)
	assert.True(t, msgs[2].Deleted)
	assert.Equal(t, []string{"2", "20"}, h.source.watchRVs)
}

func TestLoop_ListFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, Options{ReconnectInitial: time.Second, ReconnectMax: 4 * time.Second},
		listResponse{err: errors.New("connection refused")},
		listResponse{err: errors.New("connection refused")},
		emptyList("7"),
	)
	ctx := context.Background()

	h.loop.resync(ctx)
	assert.False(t, h.loop.Synced())
	require.NotNil(t, h.loop.retryTimer)
	assert.Nil(t, h.loop.stream)

	for i := 0; i < 2; i++ {
		h.clock.Step(10 * time.Second)
		select {
		case <-h.loop.retryC():
		default:
			t.Fatalf("retry timer %d did not fire", i)
		}
		h.loop.retryTimer = nil
		h.loop.resync(ctx)
	}
	assert.True(t, h.loop.Synced())
	assert.Nil(t, h.loop.retryTimer)
	assert.NotNil(t, h.loop.stream)
	assert.Equal(t, 2, h.logs.FilterMessage("Pod source unavailable, retrying").Len())
}

func TestLoop_ShortLivedStreamBacksOff(t *testing.T) {
	h := newHarness(t, Options{}, emptyList("1"))
	h.loop.resync(context.Background())

	h.source.latest().end(fmt.Errorf("%w: gone", source.ErrStreamBroken))
	h.loop.streamEnded(context.Background())
	assert.NotNil(t, h.loop.retryTimer)
	assert.Len(t, h.source.watchRVs, 1, "no immediate rewatch")
}

func TestLoop_StreamStoppedCleanly(t *testing.T) {
	h := newHarness(t, Options{}, emptyList("1"))
	h.loop.resync(context.Background())

	h.source.latest().end(nil)
	h.loop.streamEnded(context.Background())
	assert.Nil(t, h.loop.retryTimer)
	assert.Nil(t, h.loop.stream)
}

func TestLoop_DroppedIncidentIsDiagnosed(t *testing.T) {
	old := t0.Add(-time.Hour)
	h := newHarness(t, Options{}, emptyList("1"))
	h.loop.resync(context.Background())
	h.outbox.drop = func(notifier.OutboundMessage) bool { return true }

	h.loop.handleEvent(types.Event{Kind: types.EventAdded, Snapshot: unschedulable("foo", "2", old)})

	rec, ok := h.tracker.Get(types.PodRef{Namespace: "ns", Name: "foo"})
	require.True(t, ok)
	assert.Equal(t, tracker.StateSuppressed, rec.State)
	entries := h.logs.FilterMessageSnippet("could not be delivered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "Notify", entries[0].ContextMap()["failed_action"])

	// Cool-down over: the whole cycle is retried once the queue accepts again.
	h.outbox.drop = nil
	h.clock.Step(5 * time.Minute)
	h.loop.tick()
	assert.Equal(t, []notifier.MessageKind{notifier.KindIncident}, h.outbox.kinds())
}

func TestLoop_DroppedReminderIsSkipped(t *testing.T) {
	old := t0.Add(-time.Hour)
	h := newHarness(t, Options{}, listResponse{pods: []types.PodSnapshot{unschedulable("foo", "1", old)}, rv: "2"})
	h.loop.resync(context.Background())
	h.loop.handleResult(delivered(h.outbox.last(t)))

	h.outbox.drop = func(m notifier.OutboundMessage) bool { return m.Kind == notifier.KindReminder }
	h.clock.Step(time.Hour)
	h.loop.tick()

	rec, _ := h.tracker.Get(types.PodRef{Namespace: "ns", Name: "foo"})
	assert.Equal(t, tracker.StateNotified, rec.State)
	assert.Equal(t, h.clock.Now(), rec.LastNotifiedAt)
	assert.Zero(t, h.logs.FilterMessageSnippet("could not be delivered").Len())
}

func TestLoop_Run(t *testing.T) {
	old := t0.Add(-time.Hour)
	h := newHarness(t, Options{TickInterval: time.Second},
		listResponse{pods: []types.PodSnapshot{unschedulable("foo", "1", old)}, rv: "2"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, h.loop.Synced, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.outbox.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	incident := h.outbox.messages()[0]
	assert.Equal(t, notifier.KindIncident, incident.Kind)
	h.outbox.results <- delivered(incident)

	var stream *fakeStream
	require.Eventually(t, func() bool { stream = h.source.latest(); return stream != nil }, 5*time.Second, 10*time.Millisecond)
	stream.ch <- types.Event{Kind: types.EventDeleted, Snapshot: unschedulable("foo", "3", old)}

	require.Eventually(t, func() bool { return len(h.outbox.messages()) == 2 }, 5*time.Second, 10*time.Millisecond)
	resolution := h.outbox.messages()[1]
	assert.Equal(t, notifier.KindResolution, resolution.Kind)
	assert.True(t, resolution.Deleted)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
