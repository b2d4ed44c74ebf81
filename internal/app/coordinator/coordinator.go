package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/attributes"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var (
	// ErrWorkerFailed is reported once the sensing worker reached its terminal
	// Failed state and the coordinator halted.
	ErrWorkerFailed   = errors.New("sensing worker failed")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

const (
	defaultIdleInterval = 1500 * time.Millisecond
	defaultFetchTimeout = 10 * time.Second
)

// Worker is the sensing worker surface the coordinator drives.
type Worker interface {
	Start() bool
	Stop(ctx context.Context) bool
	Status() domain.WorkerStatus
	Live() bool
	Started() <-chan struct{}
	Failed() <-chan struct{}
	Err() error
	SetRegion(r domain.Region)
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evAttribute
)

type event struct {
	kind  eventKind
	err   error
	key   string
	value any
}

type fetchResult struct {
	shared map[string]any
	err    error
}

// Coordinator runs the single control loop between the platform connection,
// the validated configuration and the sensing worker. Network callbacks are
// posted as events so the loop goroutine is the only writer of the
// configuration.
type Coordinator struct {
	conn   ports.Connection
	worker Worker
	ch     ports.SampleChannel
	obs    ports.Observability
	pol    ports.Policy

	events   chan event
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	started bool
	err     error
	failed  atomic.Bool

	// owned by the loop goroutine
	connected   bool
	cfg         *attributes.Configuration
	reported    bool
	lastDropped uint64
}

func New(conn ports.Connection, worker Worker, ch ports.SampleChannel, obs ports.Observability, pol ports.Policy) *Coordinator {
	if pol.IdleInterval <= 0 {
		pol.IdleInterval = defaultIdleInterval
	}
	if pol.FetchTimeout <= 0 {
		pol.FetchTimeout = defaultFetchTimeout
	}
	return &Coordinator{
		conn:    conn,
		worker:  worker,
		ch:      ch,
		obs:     obs,
		pol:     pol,
		events:  make(chan event, 64),
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start connects to the platform, subscribes to the shared attributes and
// launches the loop. It returns immediately.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	if err := c.conn.Connect(c.onConnect); err != nil {
		err = fmt.Errorf("connect: %w", err)
		c.halt(err)
		return err
	}
	for _, key := range []string{attributes.KeyEnabled, attributes.KeyRegion} {
		key := key
		err := c.conn.SubscribeAttribute(key, func(value any) {
			c.post(event{kind: evAttribute, key: key, value: value})
		})
		if err != nil {
			err = fmt.Errorf("subscribe %s: %w", key, err)
			c.halt(err)
			return err
		}
	}

	go c.run()
	return nil
}

// Stop asks the loop to exit and waits until the worker has been stopped and
// the loop has returned. It is safe to call repeatedly; only the first call
// that initiates the shutdown returns true.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}

	initiated := false
	c.stopOnce.Do(func() {
		close(c.stopReq)
		initiated = true
	})
	<-c.done
	return initiated
}

// IsStopped reports whether the loop has exited, normally or after a worker
// failure.
func (c *Coordinator) IsStopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Failed reports whether the loop halted because the worker failed.
func (c *Coordinator) Failed() bool { return c.failed.Load() }

// Err returns the reason the loop halted, or nil after a normal stop.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) onConnect(err error) {
	if err != nil {
		c.post(event{kind: evDisconnected, err: err})
		return
	}
	c.post(event{kind: evConnected})
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stopReq) })
	close(c.done)
}

func (c *Coordinator) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stopReq:
			c.shutdown()
			return
		default:
		}

		state := Derive(c.connected, c.cfg, c.worker.Status())
		switch state {
		case StateFailed:
			c.publishDetecting(false)
			err := fmt.Errorf("%w: %v", ErrWorkerFailed, c.worker.Err())
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.failed.Store(true)
			c.obs.LogCritical("coordinator_halted", err)
			return
		case StateDisconnected:
			c.waitEvent(nil)
		case StateAwaitingConfig:
			c.fetchConfiguration()
		case StateIdle:
			c.idle()
		case StateDetecting:
			c.detect()
		}
	}
}

// waitEvent blocks until an event, a stop request, a worker failure or the
// optional timer fires.
func (c *Coordinator) waitEvent(timer <-chan time.Time) {
	select {
	case <-c.stopReq:
	case ev := <-c.events:
		c.handle(ev)
	case <-c.worker.Failed():
	case <-timer:
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evConnected:
		c.connected = true
		c.cfg = nil
		c.obs.LogInfo("platform_connected")
	case evDisconnected:
		c.connected = false
		c.cfg = nil
		c.obs.LogWarn("platform_disconnected", ev.err)
	case evAttribute:
		if c.cfg == nil {
			c.obs.LogDebug("attribute_update_ignored", ports.Field{Key: "key", Value: ev.key})
			return
		}
		switch ev.key {
		case attributes.KeyEnabled:
			c.cfg.SetEnabled(ev.value)
		case attributes.KeyRegion:
			c.cfg.SetRegion(ev.value)
			c.worker.SetRegion(c.cfg.Region)
		default:
			return
		}
		c.obs.LogInfo("attribute_updated",
			ports.Field{Key: "key", Value: ev.key},
			ports.Field{Key: "enabled", Value: c.cfg.Enabled},
			ports.Field{Key: "configured", Value: c.cfg.Configured()})
		c.publishAttributes(c.cfg.Report())
	}
}

// fetchConfiguration requests the shared attributes and waits for the single
// response, bounded by FetchTimeout.
func (c *Coordinator) fetchConfiguration() {
	result := make(chan fetchResult, 1)
	err := c.conn.FetchAttributes([]string{attributes.KeyEnabled, attributes.KeyRegion}, func(shared map[string]any, err error) {
		select {
		case result <- fetchResult{shared: shared, err: err}:
		default:
		}
	})
	if err != nil {
		c.obs.LogWarn("attribute_fetch_failed", err)
		c.pause()
		return
	}

	timer := time.NewTimer(c.pol.FetchTimeout)
	defer timer.Stop()

	// Pushes received while the request is outstanding may be newer than
	// the reply; the latest value per key is applied on top of it.
	pushed := make(map[string]any)

	for {
		select {
		case <-c.stopReq:
			return
		case <-c.worker.Failed():
			return
		case <-timer.C:
			c.obs.LogWarn("attribute_fetch_timeout", fmt.Errorf("no response within %s", c.pol.FetchTimeout))
			return
		case ev := <-c.events:
			if ev.kind == evAttribute {
				pushed[ev.key] = ev.value
				continue
			}
			c.handle(ev)
			return
		case r := <-result:
			if r.err != nil {
				c.obs.LogWarn("attribute_fetch_failed", r.err)
				c.pause()
				return
			}
			c.cfg = attributes.FromShared(r.shared)
			for key, value := range pushed {
				switch key {
				case attributes.KeyEnabled:
					c.cfg.SetEnabled(value)
				case attributes.KeyRegion:
					c.cfg.SetRegion(value)
				}
			}
			c.worker.SetRegion(c.cfg.Region)
			c.obs.LogInfo("configuration_loaded",
				ports.Field{Key: "enabled", Value: c.cfg.Enabled},
				ports.Field{Key: "region_points", Value: len(c.cfg.Region)},
				ports.Field{Key: "configured", Value: c.cfg.Configured()})
			c.publishAttributes(c.cfg.Report())
			return
		}
	}
}

func (c *Coordinator) pause() {
	timer := time.NewTimer(c.pol.IdleInterval)
	defer timer.Stop()
	c.waitEvent(timer.C)
}

// idle keeps the worker stopped and the session alive with an empty
// attribute heartbeat every IdleInterval.
func (c *Coordinator) idle() {
	if c.worker.Live() {
		c.worker.Stop(context.Background())
		c.obs.LogInfo("detection_stopped")
		c.publishDetecting(false)
	}
	c.reported = false

	if err := c.conn.PublishAttributes(map[string]any{}); err != nil {
		c.obs.LogDebug("heartbeat_failed", ports.Field{Key: "error", Value: err.Error()})
	}
	c.pause()
}

// detect keeps a worker running and forwards one sample per iteration.
func (c *Coordinator) detect() {
	if !c.worker.Live() {
		if c.worker.Start() {
			c.reported = false
			c.obs.LogInfo("detection_started")
		}
	}

	var started <-chan struct{}
	if !c.reported {
		started = c.worker.Started()
	}

	select {
	case <-c.stopReq:
	case ev := <-c.events:
		c.handle(ev)
	case <-c.worker.Failed():
	case <-started:
		c.publishDetecting(true)
		c.reported = true
	case <-c.ch.Ready():
		if s, ok := c.ch.TryPop(); ok {
			c.publishSample(s)
		}
	}
}

func (c *Coordinator) publishSample(s domain.Sample) {
	start := time.Now()
	err := c.conn.PublishTelemetry(s)
	c.obs.ObserveLatency(ports.MetricPublishLatency, time.Since(start).Seconds())
	if err != nil {
		c.obs.IncCounter(ports.MetricPublishFailures, 1)
		c.obs.LogError("telemetry_publish_failed", err,
			ports.Field{Key: "ts", Value: s.Timestamp},
			ports.Field{Key: "count", Value: s.Count})
	} else {
		c.obs.IncCounter(ports.MetricSamplesPublished, 1)
	}

	c.obs.SetGauge(ports.MetricPeopleCount, float64(s.Count))
	c.obs.SetGauge(ports.MetricChannelLength, float64(c.ch.Len()))
	if dropped := c.ch.Dropped(); dropped > c.lastDropped {
		c.obs.IncCounter(ports.MetricChannelDropped, float64(dropped-c.lastDropped))
		c.lastDropped = dropped
	}
}

func (c *Coordinator) publishDetecting(v bool) {
	c.publishAttributes(map[string]any{attributes.KeyDetecting: v})
}

func (c *Coordinator) publishAttributes(attrs map[string]any) {
	if err := c.conn.PublishAttributes(attrs); err != nil {
		c.obs.IncCounter(ports.MetricPublishFailures, 1)
		c.obs.LogError("attribute_publish_failed", err)
	}
}

func (c *Coordinator) shutdown() {
	if c.worker.Live() {
		c.worker.Stop(context.Background())
		if c.reported {
			c.publishDetecting(false)
		}
	}
	c.obs.LogInfo("coordinator_stopped")
}
