package connectivity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPProbeTimeout = 3 * time.Second

// Prober returns an instantaneous online snapshot.
type Prober interface {
	Online(ctx context.Context) bool
}

type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Online(ctx context.Context) bool {
	if f == nil {
		return false
	}
	return f(ctx)
}

// InterfaceProber reports online when at least one non-loopback interface is
// up and carries an address.
type InterfaceProber struct{}

func (InterfaceProber) Online(context.Context) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true
		}
	}
	return false
}

// HTTPProber issues a HEAD request. Any HTTP response counts as online; only
// transport failures count as offline.
type HTTPProber struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = defaultHTTPProbeTimeout
	}
	return &HTTPProber{
		URL:        strings.TrimSpace(url),
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

func (p *HTTPProber) Online(ctx context.Context) bool {
	if p == nil || p.URL == "" {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
