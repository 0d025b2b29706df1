package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/cache"
	"github.com/Sternrassler/ghscrape/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_requests_total",
		Help: "Total GitHub API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ghscrape_request_duration_seconds",
		Help:    "GitHub API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_errors_total",
		Help: "Total GitHub API errors by class",
	}, []string{"class"})
)

const (
	// MediaType is the Accept header sent with every request.
	MediaType = "application/vnd.github+json"

	// APIVersion pins the REST API version.
	APIVersion = "2022-11-28"
)

// Request describes one API call.
type Request struct {
	Method string
	URL    string

	// Page is the page number within a stream (logging and dumps only).
	Page int

	Header http.Header
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string

	// FromCache is true when the API answered 304 and Body was replayed from the cache.
	FromCache bool

	// Credential is the redacted identity the request was sent with.
	Credential string
}

// IsJSON reports whether the response carries a JSON content type.
func (r *Response) IsJSON() bool {
	return isJSONContentType(r.Header.Get("Content-Type"))
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &APIError{
			StatusCode: r.StatusCode,
			Class:      ErrorClassDecode,
			Message:    "decode response body",
			URL:        r.URL,
			Err:        err,
		}
	}
	return nil
}

// executor issues single attempts with a chosen credential.
type executor struct {
	transport Transport
	pool      *ratelimit.Pool
	cache     cache.Store
	retention time.Duration
	userAgent string
	timeout   time.Duration
	logger    zerolog.Logger
}

// execute performs one attempt with cred and updates the pool from the
// response headers. A non-nil Response is returned whenever the API answered.
// Every failure is an *APIError.
func (e *executor) execute(ctx context.Context, req Request, cred *ratelimit.Credential) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &APIError{Class: ErrorClassUnexpectedStatus, Message: "invalid url", URL: req.URL, Err: err}
	}
	endpoint := endpointLabel(u.Path)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, &APIError{Class: ErrorClassUnexpectedStatus, Message: "create request", URL: req.URL, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	httpReq.Header.Set("Accept", MediaType)
	httpReq.Header.Set("X-GitHub-Api-Version", APIVersion)

	suffix := ratelimit.AnonymousSuffix
	if cred != nil {
		suffix = cred.Suffix()
		if !cred.Anonymous() {
			tok := &oauth2.Token{AccessToken: cred.Token(), TokenType: "token"}
			tok.SetAuthHeader(httpReq)
		}
	}

	// Conditional request from cache
	var cacheKey cache.Key
	var cached *cache.Entry
	if e.cache != nil && method == http.MethodGet {
		cacheKey = cache.KeyFromURL(u, suffix)
		cached, err = e.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		if cache.ShouldMakeConditionalRequest(cached) {
			cache.AddConditionalHeaders(httpReq, cached)
			cache.ConditionalRequestsSent.Inc()
			e.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", cached.ETag).
				Msg("Making conditional request")
		}
	}

	e.logger.Debug().
		Str("method", method).
		Str("url", req.URL).
		Str("credential", suffix).
		Int("page", req.Page).
		Msg("Executing request")

	start := time.Now()
	resp, err := e.transport.Do(httpReq)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{Class: ErrorClassNetwork, Message: "request failed", URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", URL: req.URL, Err: err}
	}

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if err := e.pool.UpdateFromHeaders(cred, resp.Header); err != nil {
		e.logger.Warn().Err(err).Str("credential", suffix).Msg("Failed to update rate limit from headers")
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        req.URL,
		Credential: suffix,
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.Inc()
		e.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		out.StatusCode = cached.StatusCode
		out.Body = cached.Data
		out.FromCache = true
		for _, h := range []string{"Content-Type", "Link"} {
			if out.Header.Get(h) == "" && cached.Headers.Get(h) != "" {
				out.Header.Set(h, cached.Headers.Get(h))
			}
		}
		return out, nil
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		msg := messageFromBody(body, resp.Status)
		e.logger.Debug().
			Str("endpoint", endpoint).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Str("credential", suffix).
			Str("message", msg).
			Msg("Request failed")
		return out, &APIError{StatusCode: resp.StatusCode, Class: class, Message: msg, URL: req.URL}
	}

	if out.IsJSON() && !json.Valid(body) {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return out, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassDecode, Message: "invalid JSON body", URL: req.URL}
	}

	if e.cache != nil && method == http.MethodGet {
		if entry := cache.NewEntry(resp.StatusCode, resp.Header, body, e.retention); entry != nil {
			if err := e.cache.Set(ctx, cacheKey, entry); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return out, nil
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// endpointLabel collapses a request path into a bounded metric label.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 0 || parts[0] == "":
		return "/"
	case parts[0] == "repos" && len(parts) >= 3:
		rest := ""
		if len(parts) > 3 {
			rest = "/" + strings.Join(parts[3:], "/")
		}
		return "/repos/{owner}/{repo}" + rest
	case parts[0] == "users" && len(parts) >= 2:
		rest := ""
		if len(parts) > 2 {
			rest = "/" + strings.Join(parts[2:], "/")
		}
		return "/users/{user}" + rest
	default:
		return fmt.Sprintf("/%s", strings.Join(parts, "/"))
	}
}
