package cachegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second
	maxFetchBodyBytes   = 32 << 20
)

var ErrFetchFailed = errors.New("network fetch failed")

// Fetcher retrieves a resource from the network by its request key (path and
// query relative to the site root).
type Fetcher interface {
	Fetch(ctx context.Context, key string) (Entry, error)
}

type FetcherFunc func(ctx context.Context, key string) (Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) (Entry, error) {
	return f(ctx, key)
}

// passthrough is implemented by fetchers that can forward non-GET requests.
type passthrough interface {
	ServeOrigin(w http.ResponseWriter, r *http.Request)
}

// HTTPFetcher fetches from a fixed origin. It never retries: network-first
// serving needs a fast failure to fall back on cache.
type HTTPFetcher struct {
	origin     *url.URL
	httpClient *http.Client
	proxy      *httputil.ReverseProxy
}

func NewHTTPFetcher(origin string, httpClient *http.Client) (*HTTPFetcher, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", origin)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{
		origin:     parsed,
		httpClient: httpClient,
		proxy:      httputil.NewSingleHostReverseProxy(parsed),
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key string) (Entry, error) {
	target := f.origin.String() + normalizeRequestKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	header := resp.Header.Clone()
	header.Del("Content-Length")
	return Entry{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (f *HTTPFetcher) ServeOrigin(w http.ResponseWriter, r *http.Request) {
	f.proxy.ServeHTTP(w, r)
}
