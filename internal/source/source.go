// Package source lists and watches pods on the API server and turns them into
// snapshot events.
//
// # Contract
//
// List returns every pod (outside ignored namespaces) plus the resource
// version of the list. Watch streams changes after that version. A Stream
// ends in one of two ways:
//   - Err() == nil: the caller's context was cancelled or Stop was called
//   - errors.Is(Err(), ErrStreamBroken): the watch closed, expired (410 Gone),
//     returned an error event or delivered an undecodable object. The caller
//     must relist before watching again.
//
// Bookmarks are requested and swallowed; they never produce events.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/ijanc/nodeselector-notify/internal/types"
	"github.com/ijanc/nodeselector-notify/internal/util"
)

// ErrStreamBroken means the watch can no longer be trusted and a relist is needed.
var ErrStreamBroken = errors.New("pod event stream broken")

const (
	defaultPageSize     = 500
	defaultWatchTimeout = 10 * time.Minute
	eventBuffer         = 64
)

// Source lists and watches pods.
type Source interface {
	List(ctx context.Context) ([]types.PodSnapshot, string, error)
	Watch(ctx context.Context, resourceVersion string) (Stream, error)
}

// Stream is a live sequence of pod events.
type Stream interface {
	// Events is closed when the stream ends.
	Events() <-chan types.Event
	// Err is valid once Events is closed.
	Err() error
	// Stop ends the stream. Safe to call more than once.
	Stop()
}

// Options configures a KubeSource.
type Options struct {
	// Namespace restricts the source to one namespace. Empty means all.
	Namespace         string
	LabelSelector     string
	IgnoredNamespaces []string
	PageSize          int64
	// WatchTimeout is the server-side watch timeout. When it expires the
	// stream ends with ErrStreamBroken, which triggers a periodic resync.
	WatchTimeout time.Duration
}

// KubeSource implements Source over a Kubernetes clientset.
type KubeSource struct {
	client  kubernetes.Interface
	logger  *zap.Logger
	opts    Options
	ignored map[string]struct{}
}

// NewKubeSource creates a KubeSource.
func NewKubeSource(client kubernetes.Interface, logger *zap.Logger, opts Options) *KubeSource {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = defaultWatchTimeout
	}
	return &KubeSource{
		client:  client,
		logger:  logger.Named("source"),
		opts:    opts,
		ignored: util.StringSet(opts.IgnoredNamespaces),
	}
}

// List implements Source. Pages through the pod list.
func (s *KubeSource) List(ctx context.Context) ([]types.PodSnapshot, string, error) {
	var (
		snapshots []types.PodSnapshot
		rv        string
		cont      string
	)
	for {
		list, err := s.client.CoreV1().Pods(s.opts.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: s.opts.LabelSelector,
			Limit:         s.opts.PageSize,
			Continue:      cont,
		})
		if err != nil {
			return nil, "", fmt.Errorf("list pods: %w", err)
		}
		rv = list.ResourceVersion
		for i := range list.Items {
			if s.isIgnored(list.Items[i].Namespace) {
				continue
			}
			snapshots = append(snapshots, types.SnapshotFromPod(&list.Items[i]))
		}
		cont = list.Continue
		if cont == "" {
			break
		}
	}
	s.logger.Debug("Listed pods", zap.Int("count", len(snapshots)), zap.String("resource_version", rv))
	return snapshots, rv, nil
}

// Watch implements Source.
func (s *KubeSource) Watch(ctx context.Context, resourceVersion string) (Stream, error) {
	timeout := int64(s.opts.WatchTimeout.Seconds())
	w, err := s.client.CoreV1().Pods(s.opts.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:       s.opts.LabelSelector,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      &timeout,
	})
	if err != nil {
		if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
			return nil, fmt.Errorf("%w: resource version %q expired: %w", ErrStreamBroken, resourceVersion, err)
		}
		return nil, fmt.Errorf("%w: start watch: %w", ErrStreamBroken, err)
	}
	st := &watchStream{
		watcher: w,
		logger:  s.logger,
		ignored: s.ignored,
		events:  make(chan types.Event, eventBuffer),
		stop:    make(chan struct{}),
		lastRV:  resourceVersion,
	}
	go st.run(ctx)
	return st, nil
}

func (s *KubeSource) isIgnored(ns string) bool {
	_, ok := s.ignored[ns]
	return ok
}

// watchStream adapts a watch.Interface to Stream.
type watchStream struct {
	watcher watch.Interface
	logger  *zap.Logger
	ignored map[string]struct{}
	events  chan types.Event
	stop    chan struct{}
	once    sync.Once

	// err and lastRV are written by run before events is closed.
	err    error
	lastRV string
}

func (w *watchStream) Events() <-chan types.Event { return w.events }

func (w *watchStream) Err() error { return w.err }

func (w *watchStream) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Stop()
	})
}

func (w *watchStream) run(ctx context.Context) {
	defer close(w.events)
	defer w.watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.ResultChan():
			if !ok {
				select {
				case <-w.stop:
				case <-ctx.Done():
				default:
					w.err = fmt.Errorf("%w: watch closed at resource version %q", ErrStreamBroken, w.lastRV)
				}
				return
			}
			if done := w.handle(ctx, ev); done {
				return
			}
		}
	}
}

// handle processes one watch event and reports whether the stream is over.
func (w *watchStream) handle(ctx context.Context, ev watch.Event) bool {
	var kind types.EventKind
	switch ev.Type {
	case watch.Added:
		kind = types.EventAdded
	case watch.Modified:
		kind = types.EventModified
	case watch.Deleted:
		kind = types.EventDeleted
	case watch.Bookmark:
		if obj, err := meta.Accessor(ev.Object); err == nil {
			w.lastRV = obj.GetResourceVersion()
		}
		return false
	case watch.Error:
		w.err = fmt.Errorf("%w: %w", ErrStreamBroken, apierrors.FromObject(ev.Object))
		return true
	default:
		w.logger.Debug("Ignoring unknown watch event type", zap.String("type", string(ev.Type)))
		return false
	}

	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		w.err = fmt.Errorf("%w: unexpected object %T", ErrStreamBroken, ev.Object)
		return true
	}
	w.lastRV = pod.ResourceVersion
	if _, skip := w.ignored[pod.Namespace]; skip {
		return false
	}

	select {
	case w.events <- types.Event{Kind: kind, Snapshot: types.SnapshotFromPod(pod)}:
		return false
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	}
}
