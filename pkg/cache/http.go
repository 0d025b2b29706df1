package cache

import (
	"net/http"
	"time"
)

const (
	// DefaultRetention is how long an entry is kept when no Expires header is
	// present. Entries are always revalidated, so this only bounds store size.
	DefaultRetention = 24 * time.Hour
)

// NewEntry builds an Entry from a response. It returns nil for responses that
// cannot be revalidated (non-200, or neither ETag nor Last-Modified).
func NewEntry(status int, header http.Header, body []byte, retention time.Duration) *Entry {
	if status != http.StatusOK {
		return nil
	}

	entry := &Entry{
		Data:       body,
		ETag:       header.Get("ETag"),
		StatusCode: status,
		Headers:    header.Clone(),
		CachedAt:   time.Now(),
	}

	if lastModStr := header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	if !ShouldMakeConditionalRequest(entry) {
		return nil
	}

	entry.Expires = parseExpires(header, retention)
	return entry
}

// parseExpires returns the retention deadline of a response.
// An Expires header later than now+retention wins; otherwise now+retention.
func parseExpires(headers http.Header, retention time.Duration) time.Time {
	if retention <= 0 {
		retention = DefaultRetention
	}
	deadline := time.Now().Add(retention)

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return deadline
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return deadline
	}

	if expires.After(deadline) {
		return expires
	}
	return deadline
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// to the request if the cache entry supports conditional requests.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil {
		return
	}

	// Prefer ETag over Last-Modified (more accurate)
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
