// Package cache stores GitHub API responses so repeated requests can be sent
// as conditional requests.
//
// GitHub answers a request carrying If-None-Match with 304 Not Modified when
// the resource is unchanged, and a 304 does not count against the rate limit.
// The client keeps the body of every cacheable 200 response together with its
// ETag (or Last-Modified) and replays the body when the API returns 304.
//
// Two stores implement Store:
//
//   - MemoryStore: bounded in-process LRU, the default
//   - RedisStore: shared store for runs on several machines
//
// # Basic Usage
//
//	store, err := cache.NewMemoryStore(1024)
//	if err != nil {
//		return err
//	}
//
//	key := cache.Key{
//		Path:       "/repos/octocat/hello-world",
//		Credential: "...abcd",
//	}
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch without conditional headers
//	}
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Retention
//
// GitHub sends no Expires header, so entries are kept for a fixed retention
// window (DefaultRetention) and revalidated on every use.
//
// # Metrics
//
//   - ghscrape_cache_hits_total{layer} - Cache hits by store
//   - ghscrape_cache_misses_total - Cache misses
//   - ghscrape_cache_size_bytes{layer} - Bytes written by store
//   - ghscrape_304_responses_total - Responses served from cache after 304
//   - ghscrape_conditional_requests_total - Requests sent with conditional headers
//   - ghscrape_cache_errors_total{operation} - Cache operation errors
package cache
