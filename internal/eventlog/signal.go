package eventlog

import "sync"

// Broadcaster implements Signal for in-process waiters. The zero value is
// ready to use.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait implements Signal.
func (b *Broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

// Notify wakes every current waiter.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
