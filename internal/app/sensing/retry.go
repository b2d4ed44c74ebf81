package sensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// ErrInitExhausted is returned when every acquisition attempt failed with a
// retryable error.
var ErrInitExhausted = errors.New("device init attempts exhausted")

var errStopRequested = errors.New("stop requested")

// RetryPolicy bounds device acquisition: MaxAttempts tries with a fixed
// Backoff between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 5 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// acquire runs the acquisition protocol. Fatal errors abort immediately;
// retryable ones release any partial handle, wait Backoff and try again.
func (w *Worker) acquire(ctx context.Context, inst *instance) (ports.DeviceHandle, error) {
	pol := w.retry
	var lastErr error

	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if inst.stop.IsSet() {
			return nil, errStopRequested
		}

		w.obs.IncCounter(ports.MetricWorkerInitAttempt, 1)
		h, err := w.sensor.AcquireDevices(ctx)
		if err == nil {
			return h, nil
		}
		if inst.stop.IsSet() {
			return nil, errStopRequested
		}

		var ie *ports.InitError
		if errors.As(err, &ie) && ie.Partial != nil {
			if rerr := w.sensor.ReleaseDevices(ie.Partial); rerr != nil {
				w.obs.LogWarn("worker_partial_release_failed", rerr, ports.Field{Key: "worker", Value: inst.id})
			}
		}

		kind := ports.Classify(err)
		if !kind.Retryable() {
			w.obs.LogCritical("worker_init_fatal", err,
				ports.Field{Key: "worker", Value: inst.id},
				ports.Field{Key: "attempt", Value: attempt})
			return nil, err
		}

		lastErr = err
		w.obs.LogWarn("worker_init_retry", err,
			ports.Field{Key: "worker", Value: inst.id},
			ports.Field{Key: "kind", Value: kind.String()},
			ports.Field{Key: "attempt", Value: attempt},
			ports.Field{Key: "remaining", Value: pol.MaxAttempts - attempt})

		if attempt == pol.MaxAttempts {
			break
		}

		timer := time.NewTimer(pol.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errStopRequested
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrInitExhausted, pol.MaxAttempts, lastErr)
}
