package services

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	id     uint64
	fn     func()
	active atomic.Bool
}

// Subscribers is an ordered observer list. Callbacks carry no payload;
// receivers pull whatever state they need from the Store.
//
// Notify calls from different goroutines are serialised, so a callback never
// runs concurrently with itself or with any other callback. Add and the
// returned remove func only take mu and are safe inside a callback; Notify
// is not.
type Subscribers struct {
	mu     sync.Mutex
	nextID uint64
	list   []*subscriber

	notifyMu sync.Mutex
}

// Add registers fn and returns a func that removes it. The returned func
// may be called more than once and from inside a callback.
func (s *Subscribers) Add(fn func()) func() {
	sub := &subscriber{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.list = append(s.list, sub)
	s.mu.Unlock()

	return func() { s.remove(sub.id) }
}

func (s *Subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.list {
		if sub.id == id {
			sub.active.Store(false)
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

// Notify calls every active callback once, in registration order.
// A callback removed while the walk is in progress is skipped.
func (s *Subscribers) Notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	list := make([]*subscriber, len(s.list))
	copy(list, s.list)
	s.mu.Unlock()

	for _, sub := range list {
		if sub.active.Load() {
			sub.fn()
		}
	}
}

// Len returns the number of registered callbacks
func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
