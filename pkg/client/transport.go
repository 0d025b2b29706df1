package client

import (
	"net"
	"net/http"
	"time"
)

// Transport performs one HTTP round trip. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultMaxConnsPerHost bounds concurrent connections to the API host.
const DefaultMaxConnsPerHost = 10

// NewHTTPClient returns the shared client used for a whole run: one
// connection pool, bounded per host.
func NewHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = DefaultMaxConnsPerHost
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   maxConnsPerHost,
			MaxConnsPerHost:       maxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// Result is the outcome of an asynchronous round trip.
type Result struct {
	Response *http.Response
	Err      error
}

// AsyncTransport dispatches round trips on goroutines, at most concurrency
// at a time, and hands back futures. Do blocks on the future, so it can stand
// in for a synchronous transport.
type AsyncTransport struct {
	base  Transport
	slots chan struct{}
}

// NewAsyncTransport wraps base. concurrency <= 0 uses DefaultMaxConnsPerHost.
func NewAsyncTransport(base Transport, concurrency int) *AsyncTransport {
	if concurrency <= 0 {
		concurrency = DefaultMaxConnsPerHost
	}
	return &AsyncTransport{
		base:  base,
		slots: make(chan struct{}, concurrency),
	}
}

// Submit starts the round trip and returns a channel that receives exactly
// one Result. A request whose context ends while waiting for a slot fails
// with the context error.
func (t *AsyncTransport) Submit(req *http.Request) <-chan Result {
	future := make(chan Result, 1)

	go func() {
		select {
		case t.slots <- struct{}{}:
		case <-req.Context().Done():
			future <- Result{Err: req.Context().Err()}
			return
		}
		defer func() { <-t.slots }()

		resp, err := t.base.Do(req)
		future <- Result{Response: resp, Err: err}
	}()

	return future
}

// Do submits req and waits for its result or for the request context to end.
func (t *AsyncTransport) Do(req *http.Request) (*http.Response, error) {
	future := t.Submit(req)
	select {
	case r := <-future:
		return r.Response, r.Err
	case <-req.Context().Done():
		go func() {
			// Release the response if the round trip still completes.
			if r := <-future; r.Response != nil {
				r.Response.Body.Close()
			}
		}()
		return nil, req.Context().Err()
	}
}
