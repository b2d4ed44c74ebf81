package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/loopback"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/queue"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/attributes"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var triangle = []any{
	map[string]any{"x": 0.1, "y": 0.1},
	map[string]any{"x": 0.9, "y": 0.1},
	map[string]any{"x": 0.5, "y": 0.9},
}

func testPolicy() ports.Policy {
	return ports.Policy{IdleInterval: 5 * time.Millisecond, FetchTimeout: 50 * time.Millisecond}
}

func TestCoordinatorDetectingReportsOnce(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: true, attributes.KeyRegion: triangle})
	worker := &fakeWorker{}
	ch := queue.NewRingChannel(4)
	c := New(conn, worker, ch, &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return countAttr(conn, attributes.KeyDetecting, true) == 1 })

	ch.Push(domain.Sample{Timestamp: 1, Count: 2})
	ch.Push(domain.Sample{Timestamp: 2, Count: 3})
	eventually(t, func() bool { return len(conn.Telemetry()) == 2 })

	time.Sleep(20 * time.Millisecond)
	if n := countAttr(conn, attributes.KeyDetecting, true); n != 1 {
		t.Fatalf("expected exactly one detecting=true report, got %d", n)
	}
	if worker.startCount() != 1 {
		t.Fatalf("expected a single worker start, got %d", worker.startCount())
	}
	if r := worker.lastRegion(); len(r) != 3 {
		t.Fatalf("expected worker to receive the region, got %v", r)
	}
	if got := conn.Telemetry()[1]; got.Count != 3 || got.Timestamp != 2 {
		t.Fatalf("unexpected telemetry %+v", got)
	}

	if !c.Stop() {
		t.Fatalf("expected first stop to initiate shutdown")
	}
	if worker.Live() {
		t.Fatalf("worker still live after stop")
	}
	if countAttr(conn, attributes.KeyDetecting, false) != 1 {
		t.Fatalf("expected detecting=false on shutdown")
	}
	if !c.IsStopped() || c.Failed() {
		t.Fatalf("expected clean stop")
	}
}

func TestCoordinatorWorkerFailureHalts(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: true, attributes.KeyRegion: triangle})
	worker := &fakeWorker{}
	c := New(conn, worker, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return countAttr(conn, attributes.KeyDetecting, true) == 1 })

	worker.fail(errors.New("camera unplugged"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not halt after worker failure")
	}

	if !c.IsStopped() || !c.Failed() {
		t.Fatalf("expected stopped and failed")
	}
	if !errors.Is(c.Err(), ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", c.Err())
	}

	conn.SetShared(attributes.KeyEnabled, true)
	time.Sleep(20 * time.Millisecond)

	if n := countAttr(conn, attributes.KeyDetecting, false); n != 1 {
		t.Fatalf("expected exactly one detecting=false, got %d", n)
	}
	if worker.startCount() != 1 {
		t.Fatalf("failed worker must not be restarted, got %d starts", worker.startCount())
	}
	c.Stop()
	if !c.IsStopped() {
		t.Fatalf("stopped state must be permanent")
	}
}

func TestCoordinatorDisconnectForcesRefetch(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: true, attributes.KeyRegion: triangle})
	worker := &fakeWorker{}
	c := New(conn, worker, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	eventually(t, func() bool { return countAttr(conn, attributes.KeyDetecting, true) == 1 })
	if conn.Fetches() != 1 {
		t.Fatalf("expected one fetch, got %d", conn.Fetches())
	}

	conn.Drop(nil)
	conn.SetShared(attributes.KeyEnabled, false)
	time.Sleep(20 * time.Millisecond)

	if !worker.Live() || worker.stopCount() != 0 {
		t.Fatalf("no start/stop decision may be taken while disconnected")
	}

	conn.Reconnect()
	eventually(t, func() bool { return conn.Fetches() == 2 })
	eventually(t, func() bool { return worker.stopCount() == 1 })
	if countAttr(conn, attributes.KeyDetecting, false) != 1 {
		t.Fatalf("expected detecting=false after the refetched configuration disabled detection")
	}
}

func TestCoordinatorIdleHeartbeat(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: false, attributes.KeyRegion: map[string]any{}})
	worker := &fakeWorker{}
	c := New(conn, worker, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	eventually(t, func() bool { return countEmpty(conn) >= 3 })
	if countAttr(conn, attributes.KeyConfigured, true) != 1 {
		t.Fatalf("expected configured=true after fetch")
	}
	if worker.startCount() != 0 {
		t.Fatalf("idle coordinator must not start the worker")
	}
}

func TestCoordinatorFetchTimeoutRetries(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: false, attributes.KeyRegion: map[string]any{}})
	conn.HoldFetches(true)
	c := New(conn, &fakeWorker{}, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	eventually(t, func() bool { return conn.Fetches() >= 2 })
	if countAttr(conn, attributes.KeyConfigured, true) != 0 {
		t.Fatalf("must not act without a configuration")
	}

	conn.HoldFetches(false)
	eventually(t, func() bool { return countAttr(conn, attributes.KeyConfigured, true) == 1 })
}

func TestCoordinatorAttributePushes(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: false, attributes.KeyRegion: triangle})
	worker := &fakeWorker{}
	c := New(conn, worker, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	eventually(t, func() bool { return countAttr(conn, attributes.KeyConfigured, true) == 1 })

	conn.SetShared(attributes.KeyEnabled, true)
	eventually(t, func() bool { return countAttr(conn, attributes.KeyDetecting, true) == 1 })

	square := []any{
		map[string]any{"x": 0.0, "y": 0.0},
		map[string]any{"x": 0.5, "y": 0.0},
		map[string]any{"x": 0.5, "y": 0.5},
		map[string]any{"x": 0.0, "y": 0.5},
	}
	conn.SetShared(attributes.KeyRegion, square)
	eventually(t, func() bool { return len(worker.lastRegion()) == 4 })
	if worker.stopCount() != 0 {
		t.Fatalf("region update must not restart the worker")
	}

	conn.SetShared(attributes.KeyRegion, []any{map[string]any{"x": 2.0, "y": 0.0}})
	eventually(t, func() bool { return countAttr(conn, attributes.KeyConfigured, false) == 1 })
	eventually(t, func() bool { return worker.stopCount() == 1 })
	if countAttr(conn, attributes.KeyDetecting, false) != 1 {
		t.Fatalf("expected detecting=false once the configuration became invalid")
	}
}

func TestCoordinatorPushDuringFetchWins(t *testing.T) {
	for i := 0; i < 40; i++ {
		conn := &racingConn{
			Connection: loopback.New(nil),
			reply:      map[string]any{attributes.KeyEnabled: false, attributes.KeyRegion: triangle},
			pushKey:    attributes.KeyEnabled,
			pushValue:  true,
		}
		worker := &fakeWorker{}
		c := New(conn, worker, queue.NewRingChannel(1), &mockObs{}, testPolicy())

		if err := c.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		eventually(t, func() bool { return worker.startCount() == 1 })
		c.Stop()
	}
}

func TestCoordinatorStartStopIdempotent(t *testing.T) {
	conn := loopback.New(map[string]any{attributes.KeyEnabled: false, attributes.KeyRegion: map[string]any{}})
	c := New(conn, &fakeWorker{}, queue.NewRingChannel(1), &mockObs{}, testPolicy())

	if c.Stop() {
		t.Fatalf("stop before start must be a no-op")
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !errors.Is(c.Start(), ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted")
	}
	if !c.Stop() {
		t.Fatalf("expected stop to initiate shutdown")
	}
	if c.Stop() {
		t.Fatalf("second stop must be a no-op")
	}
	if !c.IsStopped() || c.Err() != nil {
		t.Fatalf("expected clean stop, err=%v", c.Err())
	}
}

// racingConn answers a fetch synchronously and then delivers an operator push,
// so both reach the loop before it selects.
type racingConn struct {
	*loopback.Connection
	reply     map[string]any
	pushKey   string
	pushValue any

	mu   sync.Mutex
	subs map[string]ports.AttributeHandler
}

func (r *racingConn) SubscribeAttribute(name string, cb ports.AttributeHandler) error {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[string]ports.AttributeHandler)
	}
	r.subs[name] = cb
	r.mu.Unlock()
	return r.Connection.SubscribeAttribute(name, cb)
}

func (r *racingConn) FetchAttributes(keys []string, cb ports.AttributesHandler) error {
	cb(r.reply, nil)
	r.mu.Lock()
	push := r.subs[r.pushKey]
	r.mu.Unlock()
	if push != nil {
		push(r.pushValue)
	}
	return nil
}

type fakeWorker struct {
	mu      sync.Mutex
	status  domain.WorkerStatus
	live    bool
	starts  int
	stops   int
	started chan struct{}
	failed  chan struct{}
	err     error
	regions []domain.Region
}

func (w *fakeWorker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.live {
		return false
	}
	w.starts++
	w.live = true
	w.status = domain.WorkerRunning
	w.started = make(chan struct{})
	w.failed = make(chan struct{})
	close(w.started)
	return true
}

func (w *fakeWorker) Stop(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.live {
		return false
	}
	w.stops++
	w.live = false
	w.status = domain.WorkerNotStarted
	return true
}

func (w *fakeWorker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.live = false
	w.err = err
	w.status = domain.WorkerFailed
	close(w.failed)
}

func (w *fakeWorker) Status() domain.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fakeWorker) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

func (w *fakeWorker) Started() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *fakeWorker) Failed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) SetRegion(r domain.Region) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regions = append(w.regions, r.Clone())
}

func (w *fakeWorker) startCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

func (w *fakeWorker) stopCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stops
}

func (w *fakeWorker) lastRegion() domain.Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.regions) == 0 {
		return nil
	}
	return w.regions[len(w.regions)-1]
}

type mockObs struct{}

func (mockObs) LogDebug(string, ...ports.Field)           {}
func (mockObs) LogInfo(string, ...ports.Field)            {}
func (mockObs) LogWarn(string, error, ...ports.Field)     {}
func (mockObs) LogError(string, error, ...ports.Field)    {}
func (mockObs) LogCritical(string, error, ...ports.Field) {}
func (mockObs) IncCounter(string, float64)                {}
func (mockObs) ObserveLatency(string, float64)            {}
func (mockObs) SetGauge(string, float64)                  {}

func countAttr(conn *loopback.Connection, key string, value any) int {
	n := 0
	for _, a := range conn.Attributes() {
		if v, ok := a[key]; ok && v == value {
			n++
		}
	}
	return n
}

func countEmpty(conn *loopback.Connection) int {
	n := 0
	for _, a := range conn.Attributes() {
		if len(a) == 0 {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
