package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/ijanc/nodeselector-notify/internal/classifier"
	"github.com/ijanc/nodeselector-notify/internal/notifier"
	"github.com/ijanc/nodeselector-notify/internal/source"
	"github.com/ijanc/nodeselector-notify/internal/tracker"
	"github.com/ijanc/nodeselector-notify/internal/types"
)

// A stream that breaks sooner than this after it was opened is retried with
// backoff instead of relisting right away.
const minStreamLifetime = 5 * time.Second

// Outbox accepts outbound messages and reports their outcome.
// *notifier.Dispatcher implements it.
type Outbox interface {
	Enqueue(msg notifier.OutboundMessage) []notifier.OutboundMessage
	Results() <-chan notifier.Result
}

// Options configures a Loop.
type Options struct {
	// Cluster is the environment name put on every message.
	Cluster      string
	TickInterval time.Duration
	// StartupSummary batches the notifications due right after the initial
	// list into one message.
	StartupSummary bool
	// ReconnectInitial and ReconnectMax bound the relist backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// Clock defaults to the real clock.
	Clock clock.WithTicker
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Cluster:          "unknown",
		TickInterval:     time.Second,
		StartupSummary:   true,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// Loop is the single owner of the notification tracker.
type Loop struct {
	logger  *zap.Logger
	source  source.Source
	tracker *tracker.Tracker
	outbox  Outbox
	clock   clock.WithTicker
	opts    Options

	synced atomic.Bool

	// Everything below is owned by the Run goroutine.
	stream        source.Stream
	streamStarted time.Time
	reconnect     *backoff.ExponentialBackOff
	retryTimer    clock.Timer
	// startup collects Notify actions while the initial list is replayed.
	startup   []tracker.Action
	gathering bool
	// summaries maps a Summary message ID to the pods it announced.
	summaries map[string][]types.PodRef
}

// NewLoop creates a Loop. The tracker must not be used by anyone else.
func NewLoop(logger *zap.Logger, src source.Source, t *tracker.Tracker, outbox Outbox, opts Options) *Loop {
	def := DefaultOptions()
	if opts.Cluster == "" {
		opts.Cluster = def.Cluster
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = def.ReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitial
	b.MaxInterval = opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Clock = opts.Clock
	b.Reset()

	return &Loop{
		logger:    logger.Named("loop"),
		source:    src,
		tracker:   t,
		outbox:    outbox,
		clock:     opts.Clock,
		opts:      opts,
		reconnect: b,
		summaries: make(map[string][]types.PodRef),
	}
}

// Synced reports whether the initial pod list has been processed.
func (l *Loop) Synced() bool {
	return l.synced.Load()
}

// Run processes events until ctx is cancelled. It always returns nil on
// cancellation; per-pod failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Starting reconciliation loop",
		zap.String("cluster", l.opts.Cluster),
		zap.Duration("tick_interval", l.opts.TickInterval),
		zap.Bool("startup_summary", l.opts.StartupSummary),
	)
	ticker := l.clock.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()
	defer l.closeStream()
	defer l.stopRetryTimer()

	l.resync(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Reconciliation loop stopped", zap.Int("tracked_pods", l.tracker.Len()))
			return nil
		case ev, ok := <-l.events():
			if !ok {
				l.streamEnded(ctx)
				continue
			}
			l.handleEvent(ev)
		case <-ticker.C():
			l.tick()
		case res := <-l.outbox.Results():
			l.handleResult(res)
		case <-l.retryC():
			l.retryTimer = nil
			l.resync(ctx)
		}
	}
}

// events returns the live stream's channel, or nil while disconnected.
func (l *Loop) events() <-chan types.Event {
	if l.stream == nil {
		return nil
	}
	return l.stream.Events()
}

func (l *Loop) retryC() <-chan time.Time {
	if l.retryTimer == nil {
		return nil
	}
	return l.retryTimer.C()
}

// resync lists every pod, reconciles the tracker against the list and
// reopens the watch.
func (l *Loop) resync(ctx context.Context) {
	l.closeStream()
	initial := !l.synced.Load()

	snapshots, rv, err := l.source.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		resyncsTotal.WithLabelValues("list_error").Inc()
		l.scheduleRetry("list", err)
		return
	}

	now := l.clock.Now()
	if initial {
		l.gathering = true
	}
	l.tracker.MarkUnconfirmed()
	for _, snap := range snapshots {
		l.observe(types.Event{Kind: types.EventModified, Snapshot: snap}, now)
	}
	l.apply(l.tracker.Reap(now))
	if initial {
		l.apply(l.tracker.Tick(now))
		l.gathering = false
		l.flushStartup()
		l.synced.Store(true)
	}
	updateStateGauge(l.tracker.Counts())
	l.logger.Info("Pods resynced",
		zap.Int("listed", len(snapshots)),
		zap.Int("tracked", l.tracker.Len()),
		zap.String("resource_version", rv),
		zap.Bool("initial", initial),
	)

	stream, err := l.source.Watch(ctx, rv)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		resyncsTotal.WithLabelValues("watch_error").Inc()
		l.scheduleRetry("watch", err)
		return
	}
	resyncsTotal.WithLabelValues("success").Inc()
	l.stream = stream
	l.streamStarted = l.clock.Now()
}

func (l *Loop) streamEnded(ctx context.Context) {
	err := l.stream.Err()
	lived := l.clock.Since(l.streamStarted)
	l.stream = nil
	if err == nil || ctx.Err() != nil {
		return
	}
	if !errors.Is(err, source.ErrStreamBroken) {
		l.logger.Error("Pod stream ended with an unexpected error", zap.Error(err))
	}
	if lived < minStreamLifetime {
		l.scheduleRetry("watch", err)
		return
	}
	l.logger.Debug("Pod stream ended, resyncing", zap.Error(err), zap.Duration("lived", lived))
	l.reconnect.Reset()
	l.resync(ctx)
}

func (l *Loop) scheduleRetry(stage string, err error) {
	delay := l.reconnect.NextBackOff()
	l.logger.Warn("Pod source unavailable, retrying",
		zap.String("stage", stage),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	l.stopRetryTimer()
	l.retryTimer = l.clock.NewTimer(delay)
}

func (l *Loop) stopRetryTimer() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

func (l *Loop) closeStream() {
	if l.stream != nil {
		l.stream.Stop()
		l.stream = nil
	}
}

func (l *Loop) handleEvent(ev types.Event) {
	l.observe(ev, l.clock.Now())
	updateStateGauge(l.tracker.Counts())
}

func (l *Loop) observe(ev types.Event, now time.Time) {
	status := classifier.Classify(ev.Snapshot)
	podEventsTotal.WithLabelValues(string(ev.Kind), string(status.Phase)).Inc()
	if status.Unschedulable() {
		l.logger.Debug("Pod is unschedulable",
			zap.String("pod", ev.Snapshot.Ref.String()),
			zap.String("cause", string(status.Reason.Cause)),
			zap.String("reason", classifier.Describe(status.Reason)),
		)
	}
	l.apply(l.tracker.Observe(ev, status, now))
}

func (l *Loop) tick() {
	l.apply(l.tracker.Tick(l.clock.Now()))
	updateStateGauge(l.tracker.Counts())
}

// handleResult maps a dispatcher result back onto the tracker.
func (l *Loop) handleResult(res notifier.Result) {
	outcome := tracker.OutcomeDelivered
	attempts := res.Ack.Attempts
	if res.Err != nil {
		outcome = tracker.OutcomeFailed
		var de *notifier.DeliveryError
		if errors.As(res.Err, &de) {
			attempts = de.Attempts
		}
	}
	l.complete(res.Message, outcome, attempts, res.Err)
	updateStateGauge(l.tracker.Counts())
}

func (l *Loop) complete(msg notifier.OutboundMessage, outcome tracker.Outcome, attempts int, err error) {
	now := l.clock.Now()
	if msg.Kind == notifier.KindSummary {
		refs := l.summaries[msg.ID]
		delete(l.summaries, msg.ID)
		for _, ref := range refs {
			l.apply(l.tracker.Complete(tracker.Result{
				Ref: ref, Action: tracker.ActionNotify, Outcome: outcome, Attempts: attempts, Err: err,
			}, now))
		}
		return
	}
	action, ok := actionFor(msg.Kind)
	if !ok {
		return
	}
	l.apply(l.tracker.Complete(tracker.Result{
		Ref: msg.Ref, Action: action, Outcome: outcome, Attempts: attempts, Err: err,
	}, now))
}

// apply turns tracker actions into messages and diagnostics.
func (l *Loop) apply(actions []tracker.Action) {
	for _, a := range actions {
		switch a.Type {
		case tracker.ActionDiagnose:
			l.diagnose(a)
		case tracker.ActionNotify:
			if l.gathering {
				l.startup = append(l.startup, a)
				continue
			}
			l.enqueue(l.message(a))
		default:
			l.enqueue(l.message(a))
		}
	}
}

func (l *Loop) message(a tracker.Action) notifier.OutboundMessage {
	var kind notifier.MessageKind
	switch a.Type {
	case tracker.ActionNotify:
		kind = notifier.KindIncident
	case tracker.ActionRemind:
		kind = notifier.KindReminder
	default:
		kind = notifier.KindResolution
	}
	msg := notifier.NewMessage(kind, a.Ref, a.Reason, l.opts.Cluster)
	msg.Since = a.Record.FirstSeenAt
	msg.Deleted = a.Record.Gone
	return msg
}

func (l *Loop) enqueue(msg notifier.OutboundMessage) {
	l.logger.Info("Sending notification",
		zap.String("kind", string(msg.Kind)),
		zap.String("pod", msg.Ref.String()),
		zap.String("correlation_key", msg.CorrelationKey()),
		zap.String("message_id", msg.ID),
	)
	for _, dropped := range l.outbox.Enqueue(msg) {
		l.complete(dropped, tracker.OutcomeDropped, 0, errors.New("dropped from delivery queue"))
	}
}

// flushStartup sends the Notify actions gathered during the initial list.
func (l *Loop) flushStartup() {
	actions := l.startup
	l.startup = nil
	if !l.opts.StartupSummary || len(actions) < 2 {
		for _, a := range actions {
			l.enqueue(l.message(a))
		}
		return
	}

	items := make([]notifier.SummaryItem, 0, len(actions))
	refs := make([]types.PodRef, 0, len(actions))
	for _, a := range actions {
		items = append(items, notifier.SummaryItem{Ref: a.Ref, Reason: a.Reason})
		refs = append(refs, a.Ref)
	}
	msg := notifier.NewSummary(items, l.opts.Cluster)
	l.summaries[msg.ID] = refs
	l.enqueue(msg)
}

func (l *Loop) diagnose(a tracker.Action) {
	deliveryDiagnosticsTotal.WithLabelValues(string(a.Failed)).Inc()
	l.logger.Warn("Notification could not be delivered, suppressing pod until cool-down ends",
		zap.String("pod", a.Ref.String()),
		zap.String("cause", string(a.Reason.Cause)),
		zap.String("state", string(a.Record.State)),
		zap.Int("attempts", a.Record.RetryCount),
		zap.String("failed_action", string(a.Failed)),
		zap.Time("suppressed_until", a.Record.SuppressedUntil),
		zap.Error(a.Err),
	)
}

func actionFor(kind notifier.MessageKind) (tracker.ActionType, bool) {
	switch kind {
	case notifier.KindIncident:
		return tracker.ActionNotify, true
	case notifier.KindReminder:
		return tracker.ActionRemind, true
	case notifier.KindResolution:
		return tracker.ActionResolve, true
	}
	return "", false
}
