package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrStreamClosed = errors.New("change stream closed")

type Handler func(ctx context.Context, event ChangeEvent)

// Stream is a long-lived change subscription. The returned function
// unsubscribes; it is idempotent and does not wait for in-flight handlers.
type Stream interface {
	Subscribe(ctx context.Context, filter Filter, handler Handler) (unsubscribe func(), err error)
}

// Broker fans events out to in-process subscribers. Publish delivers
// synchronously, in subscription order.
type Broker struct {
	mu     sync.RWMutex
	closed bool
	order  []string
	subs   map[string]brokerSub
}

type brokerSub struct {
	ctx     context.Context
	filter  Filter
	handler Handler
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]brokerSub{}}
}

func (b *Broker) Subscribe(ctx context.Context, filter Filter, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrStreamClosed
	}
	id := uuid.NewString()
	b.subs[id] = brokerSub{ctx: ctx, filter: filter, handler: handler}
	b.order = append(b.order, id)
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}, nil
}

// Publish delivers event to every matching subscriber and returns how many
// received it.
func (b *Broker) Publish(event ChangeEvent) int {
	b.mu.RLock()
	targets := make([]brokerSub, 0, len(b.order))
	for _, id := range b.order {
		sub, ok := b.subs[id]
		if !ok || sub.ctx.Err() != nil || !sub.filter.Matches(event) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		sub.handler(sub.ctx, event)
	}
	return len(targets)
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[string]brokerSub{}
	b.order = nil
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
