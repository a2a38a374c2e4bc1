package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	// ErrorTransient is a failure worth retrying: network errors, timeouts,
	// HTTP 408, 429 and 5xx.
	ErrorTransient ErrorKind = "Transient"
	// ErrorPermanent is a failure that retrying cannot fix, such as HTTP 400.
	ErrorPermanent ErrorKind = "Permanent"
	// ErrorExhausted means every allowed attempt failed transiently.
	ErrorExhausted ErrorKind = "Exhausted"
)

// DeliveryError is returned by Deliver when a message could not be delivered.
type DeliveryError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Ack confirms a successful delivery.
type Ack struct {
	Status   int
	Attempts int
}

// Sender delivers one message, retrying as it sees fit.
type Sender interface {
	Deliver(ctx context.Context, msg OutboundMessage) (Ack, error)
}

// RetryPolicy bounds the retry loop of a Deliverer.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Deliverer renders messages and posts them through a Transport with
// exponential backoff and jitter.
type Deliverer struct {
	transport Transport
	policy    RetryPolicy
	logger    *zap.Logger

	// stopped is cancelled by StopRetries.
	stopped context.Context
	stop    context.CancelFunc
}

// NewDeliverer creates a Deliverer. Unset backoff bounds take their default.
func NewDeliverer(logger *zap.Logger, transport Transport, policy RetryPolicy) *Deliverer {
	def := DefaultRetryPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	stopped, stop := context.WithCancel(context.Background())
	return &Deliverer{
		transport: transport,
		policy:    policy,
		logger:    logger.Named("deliverer"),
		stopped:   stopped,
		stop:      stop,
	}
}

// StopRetries prevents any further retry from starting. Attempts already
// on the wire are not interrupted.
func (d *Deliverer) StopRetries() {
	d.stop()
}

// Deliver implements Sender.
func (d *Deliverer) Deliver(ctx context.Context, msg OutboundMessage) (Ack, error) {
	body, err := MarshalPayload(msg)
	if err != nil {
		webhookSendTotal.WithLabelValues("error").Inc()
		return Ack{}, &DeliveryError{Kind: ErrorPermanent, Err: err}
	}

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(d.stopped, cancel)
	defer unhook()

	var (
		attempts int
		status   int
		lastErr  error
		kind     ErrorKind
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			webhookSendTotal.WithLabelValues("retry").Inc()
		}
		status, lastErr = d.transport.Post(ctx, body, msg.ID)
		if lastErr == nil {
			return nil
		}
		kind = classify(lastErr)
		if kind == ErrorPermanent {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, next time.Duration) {
		d.logger.Debug("Webhook send transient failure, will retry",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(d.newBackOff(), retryCtx), notify); err == nil {
		webhookSendTotal.WithLabelValues("success").Inc()
		return Ack{Status: status, Attempts: attempts}, nil
	}

	webhookSendTotal.WithLabelValues("error").Inc()
	if lastErr == nil {
		// Cancelled before the first attempt finished.
		lastErr = retryCtx.Err()
	}
	if kind != ErrorPermanent {
		kind = ErrorExhausted
	}
	return Ack{}, &DeliveryError{Kind: kind, Attempts: attempts, Err: lastErr}
}

func (d *Deliverer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.policy.InitialBackoff
	b.MaxInterval = d.policy.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	retries := d.policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// classify maps a transport error to an ErrorKind.
func classify(err error) ErrorKind {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout, se.Code >= 500:
			return ErrorTransient
		default:
			return ErrorPermanent
		}
	}
	// Connection refused, DNS, timeouts.
	return ErrorTransient
}

// IsPermanent reports whether err is a DeliveryError that retrying cannot fix.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == ErrorPermanent
}
