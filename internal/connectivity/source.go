package connectivity

import "sync"

// EventSource pushes transition signals. Signals may be missed; the monitor's
// sampler covers the gap.
type EventSource interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ManualSource is fed by the embedding application, typically from platform
// online/offline callbacks.
type ManualSource struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(bool)
}

func NewManualSource() *ManualSource {
	return &ManualSource{subs: map[uint64]func(bool){}}
}

func (s *ManualSource) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
		})
	}
}

// Emit delivers online to every current subscriber.
func (s *ManualSource) Emit(online bool) {
	s.mu.Lock()
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribers reports how many handlers are attached.
func (s *ManualSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
