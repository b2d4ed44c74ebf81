package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// RingChannel is a bounded FIFO of samples with drop-oldest overflow.
type RingChannel struct {
	mu      sync.Mutex
	buf     []domain.Sample
	head    int
	size    int
	ready   chan struct{}
	dropped atomic.Uint64
}

func NewRingChannel(capacity int) *RingChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingChannel{
		buf:   make([]domain.Sample, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues s, discarding the oldest sample when the ring is full.
func (q *RingChannel) Push(s domain.Sample) {
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.size)%len(q.buf)] = s
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest sample without blocking.
func (q *RingChannel) TryPop() (domain.Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return domain.Sample{}, false
	}
	s := q.buf[q.head]
	q.buf[q.head] = domain.Sample{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	if q.size > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return s, true
}

// Pop blocks until a sample is available or ctx is done. The boolean is
// false only when ctx ended first.
func (q *RingChannel) Pop(ctx context.Context) (domain.Sample, bool) {
	for {
		if s, ok := q.TryPop(); ok {
			return s, true
		}
		select {
		case <-ctx.Done():
			return domain.Sample{}, false
		case <-q.ready:
		}
	}
}

// Ready fires at least once after any Push that leaves the ring non-empty.
// Consumers must still tolerate a spurious wake-up and use TryPop.
func (q *RingChannel) Ready() <-chan struct{} { return q.ready }

func (q *RingChannel) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *RingChannel) Cap() int { return len(q.buf) }

func (q *RingChannel) Dropped() uint64 { return q.dropped.Load() }

var _ ports.SampleChannel = (*RingChannel)(nil)
