package visitorcount

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var (
	// ErrTapClosed is returned when a channel tap is written to after being closed.
	ErrTapClosed = errors.New("visitorcount: telemetry tap closed")
	// ErrTapFull is returned when a channel tap's reader fell behind.
	ErrTapFull = errors.New("visitorcount: telemetry tap full")
)

// SampleTap observes samples after the platform accepted them. Errors are
// logged and never fail the publish.
type SampleTap func(Sample) error

// NewChannelTap exposes published samples via a channel; it returns the tap,
// the read-only channel, and a close function that the caller should invoke
// during shutdown. A tap whose buffer is full drops the sample.
func NewChannelTap(buffer int) (SampleTap, <-chan Sample, func()) {
	if buffer < 0 {
		buffer = 0
	}
	t := &channelTap{
		ch:     make(chan Sample, buffer),
		closed: make(chan struct{}),
	}
	return t.write, t.ch, t.close
}

type channelTap struct {
	mu     sync.Mutex
	ch     chan Sample
	closed chan struct{}
	once   sync.Once
}

func (t *channelTap) write(s Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return ErrTapClosed
	default:
	}

	select {
	case t.ch <- s:
		return nil
	default:
		return ErrTapFull
	}
}

func (t *channelTap) close() {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		close(t.closed)
		close(t.ch)
	})
}

// tappedConnection forwards every accepted telemetry sample to the taps.
type tappedConnection struct {
	ports.Connection
	taps []SampleTap
	obs  ports.Observability
}

func (c *tappedConnection) PublishTelemetry(s domain.Sample) error {
	if err := c.Connection.PublishTelemetry(s); err != nil {
		return err
	}
	for i, tap := range c.taps {
		if err := tap(s); err != nil {
			c.obs.LogWarn("telemetry_tap_failed", err, ports.Field{Key: "tap", Value: fmt.Sprint(i)})
		}
	}
	return nil
}
