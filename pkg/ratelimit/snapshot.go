package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
)

// Resource classes reported by the API.
const (
	ResourceCore    = "core"
	ResourceSearch  = "search"
	ResourceGraphQL = "graphql"
)

// Window is one rate-limit window: the quota and when it refills.
type Window struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Snapshot maps a resource class (core, search, ...) to its window.
type Snapshot map[string]Window

// ParseHeaders extracts the rate-limit window carried by a response.
// ok is false when the response has no usable X-RateLimit-Remaining/Reset pair.
func ParseHeaders(h http.Header) (resource string, w Window, ok bool, err error) {
	remainStr := h.Get(HeaderRemaining)
	resetStr := h.Get(HeaderReset)
	if remainStr == "" || resetStr == "" {
		// Header not present - this is OK for some endpoints and for mocks
		return "", Window{}, false, nil
	}

	remaining, err := strconv.Atoi(strings.TrimSpace(remainStr))
	if err != nil {
		return "", Window{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	reset, err := strconv.ParseInt(strings.TrimSpace(resetStr), 10, 64)
	if err != nil {
		return "", Window{}, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	if remaining < 0 {
		remaining = 0
	}

	w = Window{
		Remaining: remaining,
		ResetAt:   time.Unix(reset, 0),
	}

	if limitStr := h.Get(HeaderLimit); limitStr != "" {
		if limit, err := strconv.Atoi(strings.TrimSpace(limitStr)); err == nil {
			w.Limit = limit
		}
	}

	resource = strings.ToLower(strings.TrimSpace(h.Get(HeaderResource)))
	if resource == "" {
		resource = ResourceCore
	}

	return resource, w, true, nil
}

// ParseRetryAfter returns the Retry-After delay in whole seconds, if present.
func ParseRetryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// rateLimitResponse is the body of GET /rate_limit.
type rateLimitResponse struct {
	Resources *gh.RateLimits `json:"resources"`
}

// ParseRateLimitBody decodes the body of GET /rate_limit into a Snapshot.
func ParseRateLimitBody(body []byte) (Snapshot, error) {
	var resp rateLimitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode rate_limit body: %w", err)
	}
	if resp.Resources == nil {
		return nil, fmt.Errorf("decode rate_limit body: missing resources")
	}

	snap := Snapshot{}
	add := func(name string, r *gh.Rate) {
		if r == nil {
			return
		}
		snap[name] = Window{
			Limit:     r.Limit,
			Remaining: r.Remaining,
			ResetAt:   r.Reset.Time,
		}
	}
	add(ResourceCore, resp.Resources.Core)
	add(ResourceSearch, resp.Resources.Search)
	add(ResourceGraphQL, resp.Resources.GraphQL)

	return snap, nil
}
