package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DispatcherOptions configures the Dispatcher behavior.
type DispatcherOptions struct {
	Workers            int // default 3
	QueueSize          int // default 100
	RateLimitPerMinute int // default 60; burst is 10% of it
}

// DefaultDispatcherOptions returns sensible defaults.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		Workers:            3,
		QueueSize:          100,
		RateLimitPerMinute: 60,
	}
}

// Result is the final outcome of one dequeued message.
type Result struct {
	Message OutboundMessage
	Ack     Ack
	// Err is nil on success, otherwise usually a *DeliveryError.
	Err error
}

// retryStopper is implemented by senders that can refuse new retries.
type retryStopper interface {
	StopRetries()
}

// Dispatcher queues outbound messages and delivers them on a bounded worker
// pool, pacing requests with a global token bucket.
type Dispatcher struct {
	logger  *zap.Logger
	sender  Sender
	opts    DispatcherOptions
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   *messageQueue
	closing bool

	wake    chan struct{}
	stopped chan struct{}
	results chan Result

	// ctx bounds in-flight deliveries; cancelled when the shutdown grace ends.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a Dispatcher. Call Start to launch the workers.
func NewDispatcher(logger *zap.Logger, sender Sender, opts DispatcherOptions) *Dispatcher {
	def := DefaultDispatcherOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = def.RateLimitPerMinute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RateLimitPerMinute)/60.0), max(1, opts.RateLimitPerMinute/10)),
		queue:   newMessageQueue(opts.QueueSize),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		results: make(chan Result, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. Non-blocking.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.opts.Workers),
		zap.Int("queue_size", d.opts.QueueSize),
		zap.Int("rate_limit_per_minute", d.opts.RateLimitPerMinute),
	)
}

// Results delivers one Result per dequeued message. The reader must keep
// draining it until Shutdown returns.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Enqueue adds msg without blocking. It returns the messages that will never
// be delivered because of this call: an evicted message when the queue was
// full, or msg itself after Shutdown.
func (d *Dispatcher) Enqueue(msg OutboundMessage) []OutboundMessage {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		deliveriesTotal.WithLabelValues(string(msg.Kind), "abandoned").Inc()
		return []OutboundMessage{msg}
	}
	evicted, dropped := d.queue.push(msg)
	queueDepth.Set(float64(d.queue.len()))
	d.mu.Unlock()

	d.signal()
	if !dropped {
		return nil
	}
	deliveriesTotal.WithLabelValues(string(evicted.Kind), "dropped").Inc()
	d.logger.Warn("Delivery queue full, dropping message",
		zap.String("kind", string(evicted.Kind)),
		zap.String("pod", evicted.Ref.String()),
		zap.String("message_id", evicted.ID),
	)
	return []OutboundMessage{evicted}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// Shutdown stops accepting work and abandons queued messages. In-flight
// deliveries get grace to finish before they are cancelled; no retry starts
// once Shutdown has been called. Returns the abandoned messages.
func (d *Dispatcher) Shutdown(grace time.Duration) []OutboundMessage {
	var abandoned []OutboundMessage
	d.once.Do(func() {
		d.mu.Lock()
		d.closing = true
		abandoned = d.queue.drain()
		queueDepth.Set(0)
		d.mu.Unlock()
		close(d.stopped)

		if rs, ok := d.sender.(retryStopper); ok {
			rs.StopRetries()
		}
		for _, m := range abandoned {
			deliveriesTotal.WithLabelValues(string(m.Kind), "abandoned").Inc()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			d.logger.Warn("Shutdown grace period elapsed, cancelling in-flight deliveries")
			d.cancel()
			<-done
		}
		d.cancel()
		d.logger.Info("Dispatcher stopped", zap.Int("abandoned", len(abandoned)))
	})
	return abandoned
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next blocks until a message is available or the dispatcher stops.
func (d *Dispatcher) next() (OutboundMessage, bool) {
	for {
		d.mu.Lock()
		if d.closing {
			d.mu.Unlock()
			return OutboundMessage{}, false
		}
		msg, ok := d.queue.pop()
		more := d.queue.len() > 0
		queueDepth.Set(float64(d.queue.len()))
		d.mu.Unlock()
		if ok {
			if more {
				d.signal()
			}
			return msg, true
		}
		select {
		case <-d.wake:
		case <-d.stopped:
			return OutboundMessage{}, false
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		msg, ok := d.next()
		if !ok {
			return
		}
		if err := d.limiter.Wait(d.ctx); err != nil {
			deliveriesTotal.WithLabelValues(string(msg.Kind), "abandoned").Inc()
			return
		}

		ack, err := d.sender.Deliver(d.ctx, msg)
		outcome := "delivered"
		if err != nil {
			outcome = "failed"
			d.logger.Error("Webhook delivery failed",
				zap.String("kind", string(msg.Kind)),
				zap.String("pod", msg.Ref.String()),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("Webhook delivered",
				zap.String("kind", string(msg.Kind)),
				zap.String("pod", msg.Ref.String()),
				zap.Int("attempts", ack.Attempts),
			)
		}
		deliveriesTotal.WithLabelValues(string(msg.Kind), outcome).Inc()

		res := Result{Message: msg, Ack: ack, Err: err}
		select {
		case d.results <- res:
		case <-d.stopped:
			// The reader may be gone already.
			select {
			case d.results <- res:
			default:
			}
		}
	}
}
