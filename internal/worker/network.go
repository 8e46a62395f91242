package worker

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"crmshield/internal/cachestore"
)

// Network performs the real request. A returned error means the network
// itself failed; any HTTP status, including 5xx, is a successful fetch.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, r *http.Request) (cachestore.Entry, error)

func (f NetworkFunc) Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, error) {
	return f(ctx, r)
}

// OriginClient forwards requests to the application origin and buffers the
// response.
type OriginClient struct {
	origin     string
	httpClient *http.Client
}

func NewOriginClient(origin string, timeout time.Duration) *OriginClient {
	return &OriginClient{
		origin:     strings.TrimRight(origin, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *OriginClient) Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, error) {
	originURL := o.origin + r.URL.RequestURI()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}

	ent := cachestore.Entry{
		Status:   resp.StatusCode,
		Header:   cachestore.CloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
