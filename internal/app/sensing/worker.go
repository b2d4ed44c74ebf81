package sensing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// Worker supervises one sensing session at a time. Each Start launches a
// fresh instance that acquires the devices, then counts people per frame
// and pushes samples into the channel until stopped or failed.
type Worker struct {
	sensor ports.Sensor
	ch     ports.SampleChannel
	obs    ports.Observability
	retry  RetryPolicy
	now    func() time.Time

	region atomic.Pointer[domain.Region]

	mu   sync.Mutex
	inst *instance
}

type instance struct {
	id      string
	status  atomic.Int32
	started *latch
	failed  *latch
	stop    *latch
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
}

type instanceKey struct{}

// Option customizes a Worker.
type Option func(*Worker)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(w *Worker) { w.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorker(sensor ports.Sensor, ch ports.SampleChannel, obs ports.Observability, opts ...Option) *Worker {
	w := &Worker{
		sensor: sensor,
		ch:     ch,
		obs:    obs,
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.retry = w.retry.normalized()
	empty := domain.Region{}
	w.region.Store(&empty)
	return w
}

// SetRegion publishes a new region snapshot. A running instance picks it up
// on its next cycle.
func (w *Worker) SetRegion(r domain.Region) {
	snap := r.Clone()
	if snap == nil {
		snap = domain.Region{}
	}
	w.region.Store(&snap)
}

func (w *Worker) Region() domain.Region {
	return *w.region.Load()
}

// Start launches a new instance. It returns false when an instance is
// already live.
func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inst != nil && !isClosed(w.inst.done) {
		return false
	}

	inst := &instance{
		id:      uuid.NewString(),
		started: newLatch(),
		failed:  newLatch(),
		stop:    newLatch(),
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), instanceKey{}, inst))
	inst.cancel = cancel
	w.inst = inst
	w.setStatus(inst, domain.WorkerStarting)

	go w.run(ctx, inst)

	w.obs.LogInfo("worker_started", ports.Field{Key: "worker", Value: inst.id})
	return true
}

// Stop raises the stop signal and waits for the live instance to exit. When
// ctx belongs to the instance itself the call only raises the signal. It
// returns false when no instance is live.
func (w *Worker) Stop(ctx context.Context) bool {
	w.mu.Lock()
	inst := w.inst
	if inst == nil || isClosed(inst.done) {
		w.mu.Unlock()
		return false
	}
	inst.stop.Set()
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if self, _ := ctx.Value(instanceKey{}).(*instance); self == inst {
		return true
	}

	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		w.obs.LogWarn("worker_stop_wait_abandoned", ctx.Err(), ports.Field{Key: "worker", Value: inst.id})
	}
	return true
}

// Status reports the state of the current instance.
func (w *Worker) Status() domain.WorkerStatus {
	w.mu.Lock()
	inst := w.inst
	w.mu.Unlock()
	if inst == nil {
		return domain.WorkerNotStarted
	}
	return domain.WorkerStatus(inst.status.Load())
}

// Live reports whether an instance is starting, running or stopping.
func (w *Worker) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inst != nil && !isClosed(w.inst.done)
}

// Started is closed once the current instance reaches Running. It is nil
// before the first Start.
func (w *Worker) Started() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inst == nil {
		return nil
	}
	return w.inst.started.Done()
}

// Failed is closed when the current instance fails. It is nil before the
// first Start.
func (w *Worker) Failed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inst == nil {
		return nil
	}
	return w.inst.failed.Done()
}

// Err returns the failure cause of the current instance once it has failed.
func (w *Worker) Err() error {
	w.mu.Lock()
	inst := w.inst
	w.mu.Unlock()
	if inst == nil || !inst.failed.IsSet() {
		return nil
	}
	return inst.err
}

// InstanceID identifies the current instance in logs.
func (w *Worker) InstanceID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inst == nil {
		return ""
	}
	return w.inst.id
}

func (w *Worker) run(ctx context.Context, inst *instance) {
	var handle ports.DeviceHandle
	defer close(inst.done)
	defer inst.cancel()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("sensing panic: %v", r)
		w.obs.LogCritical("worker_panic", err, ports.Field{Key: "worker", Value: inst.id})
		if handle != nil {
			w.release(inst, handle)
		}
		w.fail(inst, err)
	}()

	h, err := w.acquire(ctx, inst)
	if err != nil {
		if errors.Is(err, errStopRequested) {
			w.setStatus(inst, domain.WorkerNotStarted)
			return
		}
		w.fail(inst, err)
		return
	}
	handle = h

	w.setStatus(inst, domain.WorkerRunning)
	inst.started.Set()
	w.obs.LogInfo("worker_running", ports.Field{Key: "worker", Value: inst.id})

	if err := w.sample(ctx, inst, h); err != nil {
		handle = nil
		w.release(inst, h)
		w.fail(inst, err)
		return
	}

	handle = nil
	w.setStatus(inst, domain.WorkerStopping)
	w.release(inst, h)
	w.setStatus(inst, domain.WorkerNotStarted)
	w.obs.LogInfo("worker_stopped", ports.Field{Key: "worker", Value: inst.id})
}

// sample loops capture, inference and push until the stop signal is raised.
// The stop signal is checked once per cycle.
func (w *Worker) sample(ctx context.Context, inst *instance, h ports.DeviceHandle) error {
	for {
		if inst.stop.IsSet() {
			return nil
		}

		region := w.Region()
		start := time.Now()

		frame, err := w.sensor.CaptureFrame(ctx, h)
		if err != nil {
			if inst.stop.IsSet() {
				return nil
			}
			return fmt.Errorf("capture frame: %w", err)
		}

		detections, err := w.sensor.RunInference(ctx, frame, region)
		frame.Release()
		if err != nil {
			if inst.stop.IsSet() {
				return nil
			}
			return fmt.Errorf("run inference: %w", err)
		}
		w.obs.ObserveLatency(ports.MetricInferenceLatency, time.Since(start).Seconds())

		count := 0
		for _, d := range detections {
			if d.InsideRegion {
				count++
			}
		}

		if inst.stop.IsSet() {
			return nil
		}
		w.ch.Push(domain.NewSample(w.now(), count))
	}
}

func (w *Worker) release(inst *instance, h ports.DeviceHandle) {
	if err := w.sensor.ReleaseDevices(h); err != nil {
		w.obs.LogError("worker_release_failed", err, ports.Field{Key: "worker", Value: inst.id})
	}
}

func (w *Worker) fail(inst *instance, err error) {
	inst.err = err
	w.setStatus(inst, domain.WorkerFailed)
	inst.failed.Set()
	w.obs.LogCritical("worker_failed", err, ports.Field{Key: "worker", Value: inst.id})
}

func (w *Worker) setStatus(inst *instance, s domain.WorkerStatus) {
	inst.status.Store(int32(s))
	w.obs.SetGauge(ports.MetricWorkerStatus, float64(s))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
