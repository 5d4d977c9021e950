package alerts

import (
	"context"
	"net/url"
	"strings"
)

// Window is an open app window (a connected client session).
type Window interface {
	URL() string
	Navigate(ctx context.Context, target string) error
	Focus(ctx context.Context) error
}

type WindowManager interface {
	Windows(ctx context.Context) ([]Window, error)
	Open(ctx context.Context, target string) (Window, error)
}

// Interaction is the user's response to a rendered alert. An empty Action is
// the default tap on the alert body.
type Interaction struct {
	Action     string     `json:"action"`
	Descriptor Descriptor `json:"descriptor"`
}

type Outcome string

const (
	OutcomeDismissed Outcome = "dismissed"
	OutcomeFocused   Outcome = "focused"
	OutcomeOpened    Outcome = "opened"
	OutcomeFailed    Outcome = "failed"
)

type InteractionResult struct {
	Outcome Outcome `json:"outcome"`
	URL     string  `json:"url,omitempty"`
}

// HandleInteraction routes an interaction into navigation. Dismiss is a
// no-op. Otherwise the first window at the app origin is navigated and
// focused, or a new window is opened. Failures are logged, never retried.
func (r *Receiver) HandleInteraction(ctx context.Context, in Interaction) InteractionResult {
	if strings.EqualFold(strings.TrimSpace(in.Action), ActionDismiss) {
		return InteractionResult{Outcome: OutcomeDismissed}
	}
	target := r.resolveTarget(in.Descriptor.Data.URL)
	if r.windows == nil {
		r.logf("no window manager; cannot open %s", target)
		return InteractionResult{Outcome: OutcomeFailed, URL: target}
	}

	windows, err := r.windows.Windows(ctx)
	if err != nil {
		r.logf("list windows failed: %v", err)
	}
	for _, window := range windows {
		if window == nil || !r.sameOrigin(window.URL()) {
			continue
		}
		if err := window.Navigate(ctx, target); err != nil {
			r.logf("navigate window to %s failed: %v", target, err)
			return InteractionResult{Outcome: OutcomeFailed, URL: target}
		}
		if err := window.Focus(ctx); err != nil {
			r.logf("focus window failed: %v", err)
		}
		return InteractionResult{Outcome: OutcomeFocused, URL: target}
	}

	if _, err := r.windows.Open(ctx, target); err != nil {
		r.logf("open window at %s failed: %v", target, err)
		return InteractionResult{Outcome: OutcomeFailed, URL: target}
	}
	return InteractionResult{Outcome: OutcomeOpened, URL: target}
}

// resolveTarget returns an absolute URL at the app origin, falling back to
// the root. Foreign absolute URLs are kept as-is.
func (r *Receiver) resolveTarget(raw string) string {
	base, err := url.Parse(r.origin + "/")
	if err != nil {
		return "/"
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "/"
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(ref).String()
}

func (r *Receiver) sameOrigin(raw string) bool {
	candidate, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || candidate.Host == "" {
		return false
	}
	origin, err := url.Parse(r.origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(candidate.Scheme, origin.Scheme) && strings.EqualFold(candidate.Host, origin.Host)
}
