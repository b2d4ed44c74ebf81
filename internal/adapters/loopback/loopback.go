package loopback

import (
	"errors"
	"sync"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var ErrNotConnected = errors.New("loopback: not connected")

// Connection is an in-memory platform session. It serves shared attributes
// from a map, records everything the device publishes and lets callers
// simulate operator pushes and connectivity changes.
type Connection struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	holdFetch bool
	onConnect ports.ConnectHandler
	shared    map[string]any
	subs      map[string]ports.AttributeHandler
	attrs     []map[string]any
	telemetry []domain.Sample
	fetches   int
}

func New(shared map[string]any) *Connection {
	c := &Connection{
		shared: make(map[string]any, len(shared)),
		subs:   make(map[string]ports.AttributeHandler),
	}
	for k, v := range shared {
		c.shared[k] = v
	}
	return c
}

func (c *Connection) Connect(cb ports.ConnectHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("loopback: closed")
	}
	c.onConnect = cb
	c.connected = true
	c.mu.Unlock()

	if cb != nil {
		cb(nil)
	}
	return nil
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// FetchAttributes answers asynchronously with the requested shared keys.
// Keys absent from the store are omitted.
func (c *Connection) FetchAttributes(keys []string, cb ports.AttributesHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if !c.connected {
		return ErrNotConnected
	}
	if c.holdFetch || cb == nil {
		return nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := c.shared[k]; ok {
			out[k] = v
		}
	}
	go cb(out, nil)
	return nil
}

func (c *Connection) SubscribeAttribute(name string, cb ports.AttributeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = cb
	return nil
}

func (c *Connection) PublishAttributes(attrs map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	c.attrs = append(c.attrs, cp)
	return nil
}

func (c *Connection) PublishTelemetry(s domain.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.telemetry = append(c.telemetry, s)
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

// SetShared stores a shared attribute and notifies its subscriber when
// connected, the way an operator edit is pushed by the platform.
func (c *Connection) SetShared(key string, value any) {
	c.mu.Lock()
	c.shared[key] = value
	cb := c.subs[key]
	connected := c.connected
	c.mu.Unlock()

	if cb != nil && connected {
		cb(value)
	}
}

// Drop simulates a lost session.
func (c *Connection) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	cb := c.onConnect
	c.mu.Unlock()

	if err == nil {
		err = &ports.ConnectivityError{Code: 3}
	}
	if cb != nil {
		cb(err)
	}
}

// Reconnect simulates the transport restoring the session.
func (c *Connection) Reconnect() {
	c.mu.Lock()
	c.connected = true
	cb := c.onConnect
	c.mu.Unlock()

	if cb != nil {
		cb(nil)
	}
}

// HoldFetches makes fetches go unanswered while hold is true.
func (c *Connection) HoldFetches(hold bool) {
	c.mu.Lock()
	c.holdFetch = hold
	c.mu.Unlock()
}

func (c *Connection) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Attributes returns a copy of every client attribute payload published so far.
func (c *Connection) Attributes() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.attrs))
	copy(out, c.attrs)
	return out
}

func (c *Connection) Telemetry() []domain.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Sample, len(c.telemetry))
	copy(out, c.telemetry)
	return out
}

var _ ports.Connection = (*Connection)(nil)
