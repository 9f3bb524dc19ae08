// Package restcache caches REST responses for the outbound HTTP clients the
// bots use against forges and issue trackers.
//
// The cache keys on URL plus a fingerprint of the Authorization header (two
// credentials must never share an entry) and revalidates with ETag /
// If-None-Match: a 304 is answered from the cached body without transferring
// the payload again. Stale entries are evicted by the runner's periodic
// sweep; the sweep shares nothing with work item execution beyond this
// structure's own lock.
package restcache

import (
	"bytes"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSize = 2048

type entry struct {
	status   int
	header   http.Header
	body     []byte
	etag     string
	lastUsed time.Time
}

type Cache struct {
	mu     sync.Mutex
	store  *lru.Cache[string, *entry]
	maxAge time.Duration

	hits   uint64
	misses uint64
}

// New creates a cache holding at most size responses. Entries unused for
// longer than maxAge are removed by EvictStale.
func New(size int, maxAge time.Duration) (*Cache, error) {
	if size <= 0 {
		size = defaultSize
	}
	store, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, maxAge: maxAge}, nil
}

// EvictStale removes entries whose last use is older than maxAge and
// returns how many were dropped.
func (c *Cache) EvictStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxAge <= 0 {
		return 0
	}
	evicted := 0
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastUsed) > c.maxAge {
			c.store.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.store.Len()
}

func (c *Cache) lookup(key string, now time.Time) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store.Get(key)
	if ok {
		e.lastUsed = now
	}
	return e, ok
}

func (c *Cache) put(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, e)
}

func (c *Cache) markHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) markMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Transport returns an http.RoundTripper that revalidates GET requests
// through this cache. base may be nil (http.DefaultTransport).
func (c *Cache) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{cache: c, base: base}
}

type transport struct {
	cache *Cache
	base  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	now := time.Now()
	key := cacheKey(req)
	cached, ok := t.cache.lookup(key, now)
	if ok && cached.etag != "" && req.Header.Get("If-None-Match") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && ok {
		t.cache.markHit()
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return cached.response(resp.Request), nil
	}

	t.cache.markMiss()
	if resp.StatusCode == http.StatusOK {
		if etag := resp.Header.Get("Etag"); etag != "" {
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			t.cache.put(key, &entry{
				status:   resp.StatusCode,
				header:   resp.Header.Clone(),
				body:     body,
				etag:     etag,
				lastUsed: now,
			})
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
	}
	return resp, nil
}

func (e *entry) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(e.status),
		StatusCode:    e.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

// cacheKey must separate identical URLs fetched with different credentials.
// Only a fingerprint of the Authorization header is kept, never the value.
func cacheKey(req *http.Request) string {
	h := fnv.New64a()
	io.WriteString(h, req.Header.Get("Authorization"))
	return req.URL.String() + "|" + strconv.FormatUint(h.Sum64(), 16)
}
