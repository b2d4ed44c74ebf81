package sensing

import "sync"

// latch is a set-once flag that can be observed any number of times.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) Set() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) Done() <-chan struct{} { return l.ch }

func (l *latch) IsSet() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
