package alerts

import (
	"context"
	"errors"
	"sync"
)

var ErrSurfaceUnavailable = errors.New("alert surface unavailable")

type Logger interface {
	Printf(format string, args ...any)
}

// Surface renders an alert to the user.
type Surface interface {
	ShowAlert(ctx context.Context, title string, descriptor Descriptor) error
}

type SurfaceFunc func(ctx context.Context, title string, descriptor Descriptor) error

func (f SurfaceFunc) ShowAlert(ctx context.Context, title string, descriptor Descriptor) error {
	return f(ctx, title, descriptor)
}

// Registry obtains the alert surface once through register and reuses it.
// A failed registration is not cached; the next alert tries again.
type Registry struct {
	register func(ctx context.Context) (Surface, error)

	mu      sync.Mutex
	surface Surface
}

func NewRegistry(register func(ctx context.Context) (Surface, error)) *Registry {
	return &Registry{register: register}
}

func (r *Registry) Surface(ctx context.Context) (Surface, error) {
	if r == nil {
		return nil, ErrSurfaceUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surface != nil {
		return r.surface, nil
	}
	if r.register == nil {
		return nil, ErrSurfaceUnavailable
	}
	surface, err := r.register(ctx)
	if err != nil {
		return nil, errors.Join(ErrSurfaceUnavailable, err)
	}
	if surface == nil {
		return nil, ErrSurfaceUnavailable
	}
	r.surface = surface
	return surface, nil
}

// ShowAlert renders through the registered surface.
func (r *Registry) ShowAlert(ctx context.Context, title string, descriptor Descriptor) error {
	surface, err := r.Surface(ctx)
	if err != nil {
		return err
	}
	return surface.ShowAlert(ctx, title, descriptor)
}

// LogSurface writes alerts to a logger. It is the surface of headless agents.
type LogSurface struct {
	Logger Logger
}

func (s LogSurface) ShowAlert(_ context.Context, title string, descriptor Descriptor) error {
	if s.Logger == nil {
		return ErrSurfaceUnavailable
	}
	s.Logger.Printf("alert [%s] %s: %s (url=%s)", descriptor.Tag, title, descriptor.Body, descriptor.Data.URL)
	return nil
}

// Broadcaster delivers an alert to connected clients and reports how many
// received it.
type Broadcaster interface {
	BroadcastAlert(ctx context.Context, descriptor Descriptor) (int, error)
}

// BroadcastSurface forwards alerts to connected clients, falling back to
// Fallback when nobody is connected.
type BroadcastSurface struct {
	Target   Broadcaster
	Fallback Surface
}

func (s BroadcastSurface) ShowAlert(ctx context.Context, title string, descriptor Descriptor) error {
	descriptor.Title = title
	delivered := 0
	var err error
	if s.Target != nil {
		delivered, err = s.Target.BroadcastAlert(ctx, descriptor)
	}
	if delivered > 0 {
		return err
	}
	if s.Fallback != nil {
		return s.Fallback.ShowAlert(ctx, title, descriptor)
	}
	if err != nil {
		return err
	}
	return ErrSurfaceUnavailable
}
