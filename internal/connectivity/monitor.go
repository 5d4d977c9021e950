// Package connectivity reconciles push-based connectivity signals with a
// periodic synchronous probe and exposes one edge-triggered boolean.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/fieldalert/internal/clock"
)

const defaultSampleInterval = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("connectivity monitor already started")
	ErrNoProber       = errors.New("connectivity prober is required")
)

type Logger interface {
	Printf(format string, args ...any)
}

type State struct {
	Online        bool      `json:"online"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

type Options struct {
	SampleInterval time.Duration
	Sources        []EventSource
	Clock          clock.Clock
	Logger         Logger
}

type Monitor struct {
	prober   Prober
	sources  []EventSource
	interval time.Duration
	clock    clock.Clock
	logger   Logger

	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubs      []func()

	mu        sync.Mutex
	state     State
	listeners map[uint64]func(State)
	nextID    uint64
}

// NewMonitor takes the initial state from a synchronous probe.
func NewMonitor(prober Prober, opts Options) (*Monitor, error) {
	if prober == nil {
		return nil, ErrNoProber
	}
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := &Monitor{
		prober:    prober,
		sources:   append([]EventSource(nil), opts.Sources...),
		interval:  interval,
		clock:     clk,
		logger:    opts.Logger,
		listeners: map[uint64]func(State){},
	}
	m.state = State{
		Online:        prober.Online(context.Background()),
		LastChangedAt: clk.Now(),
	}
	return m, nil
}

// Start subscribes every event source and starts the periodic sampler.
func (m *Monitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := m.clock.NewTicker(m.interval)

	unsubs := make([]func(), 0, len(m.sources))
	for _, source := range m.sources {
		if source == nil {
			continue
		}
		unsubs = append(unsubs, source.Subscribe(func(online bool) {
			if runCtx.Err() != nil {
				return
			}
			m.report(online, "event")
		}))
	}
	m.running = true
	m.cancel = cancel
	m.done = done
	m.unsubs = unsubs

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				m.Sample(runCtx)
			}
		}
	}()
	return nil
}

// Stop unsubscribes every source and waits for the sampler to exit. Listeners
// must not call Stop.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	for _, unsubscribe := range m.unsubs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	m.unsubs = nil
	m.cancel()
	<-m.done
}

func (m *Monitor) Online() bool {
	return m.State().Online
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn for actual online/offline transitions only.
func (m *Monitor) OnChange(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
		})
	}
}

// Sample re-probes synchronously and reports the result.
func (m *Monitor) Sample(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	online := m.prober.Online(ctx)
	m.report(online, "sample")
	return online
}

func (m *Monitor) report(online bool, origin string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state.Online == online {
		m.mu.Unlock()
		return
	}
	m.state = State{Online: online, LastChangedAt: m.clock.Now()}
	next := m.state
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logf("connectivity changed online=%t via %s", online, origin)
	for _, fn := range listeners {
		fn(next)
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
