package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultReconnectJitter   = 0.2
	maxWireMessageBytes      = 1 << 20
)

type WebsocketStreamOptions struct {
	// URL of the relay stream endpoint, e.g. ws://relay:8090/v1/stream.
	URL               string
	Token             string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReconnectJitter   float64
	HTTPClient        *http.Client
	// ReceiveAlerts asks the relay to forward pushed alerts on this stream.
	ReceiveAlerts bool
	// OnMessage receives every non-change frame (alerts, navigation).
	OnMessage func(ctx context.Context, msg WireMessage)
	Logger    Logger
}

// WebsocketStream subscribes to the relay over a websocket per subscription
// and reconnects with jittered exponential backoff.
type WebsocketStream struct {
	endpoint *url.URL
	opts     WebsocketStreamOptions

	mu  sync.Mutex
	rng *rand.Rand
}

func NewWebsocketStream(opts WebsocketStreamOptions) (*WebsocketStream, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, err
	}
	switch endpoint.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported stream url scheme %q", endpoint.Scheme)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(defaultMaxReconnectDelay, opts.ReconnectDelay)
	}
	if opts.ReconnectJitter == 0 {
		opts.ReconnectJitter = defaultReconnectJitter
	}
	opts.ReconnectJitter = clampJitterRatio(opts.ReconnectJitter)
	return &WebsocketStream{
		endpoint: endpoint,
		opts:     opts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (s *WebsocketStream) Subscribe(ctx context.Context, filter Filter, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	go s.run(runCtx, filter, handler)
	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *WebsocketStream) run(ctx context.Context, filter Filter, handler Handler) {
	attempt := 0
	for {
		connected, err := s.session(ctx, filter, handler)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := reconnectDelay(attempt, s.opts.ReconnectDelay, s.opts.MaxReconnectDelay, s.opts.ReconnectJitter, s.sample())
		s.logf("stream %s disconnected: %v; reconnecting in %s", filter.Channel, err, delay)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (s *WebsocketStream) session(ctx context.Context, filter Filter, handler Handler) (bool, error) {
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, s.streamURL(filter), &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxWireMessageBytes)

	for {
		var msg WireMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return true, err
		}
		switch msg.Type {
		case MessageChange:
			if msg.Change != nil && filter.Matches(*msg.Change) {
				handler(ctx, *msg.Change)
			}
		default:
			if s.opts.OnMessage != nil {
				s.opts.OnMessage(ctx, msg)
			}
		}
	}
}

func (s *WebsocketStream) streamURL(filter Filter) string {
	u := *s.endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if filter.Channel != "" {
		q.Set("channel", filter.Channel)
	}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if s.opts.ReceiveAlerts {
		q.Set("alerts", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *WebsocketStream) sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *WebsocketStream) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}
