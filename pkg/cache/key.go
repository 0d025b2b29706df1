package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key represents a unique identifier for a cached response.
type Key struct {
	// Path is the API path (e.g., "/search/repositories")
	Path string

	// QueryParams are the query parameters (e.g., {"q": "stars:>=100"})
	QueryParams url.Values

	// Credential is the redacted identity the response was fetched with.
	// GitHub varies responses by Authorization.
	Credential string
}

// KeyFromURL builds a Key from a request URL.
func KeyFromURL(u *url.URL, credential string) Key {
	return Key{
		Path:        u.Path,
		QueryParams: u.Query(),
		Credential:  credential,
	}
}

// String generates a deterministic cache key string.
// Format: ghscrape:path:query1=val1:query2=val2:cred=...abcd
//
// Example:
//
//	ghscrape:search/repositories:page=2:q=stars:>=100:cred=...abcd
func (k Key) String() string {
	parts := []string{"ghscrape"}

	path := strings.Trim(k.Path, "/")
	if path != "" {
		parts = append(parts, path)
	}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	if k.Credential != "" {
		parts = append(parts, "cred="+k.Credential)
	}

	return strings.Join(parts, ":")
}
