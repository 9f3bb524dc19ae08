package restcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// etagServer serves a fixed body with an ETag and answers 304 to matching
// If-None-Match revalidations.
func etagServer(body, etag string, fullResponses *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fullResponses.Add(1)
		w.Header().Set("Etag", etag)
		io.WriteString(w, body)
	}))
}

func get(t *testing.T, client *http.Client, url, auth string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestTransportRevalidates(t *testing.T) {
	t.Parallel()
	var full atomic.Int32
	srv := etagServer(`{"state": "open"}`, `"v1"`, &full)
	defer srv.Close()

	c, err := New(16, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: c.Transport(nil)}

	if got := get(t, client, srv.URL, ""); got != `{"state": "open"}` {
		t.Fatalf("first fetch = %q", got)
	}
	if got := get(t, client, srv.URL, ""); got != `{"state": "open"}` {
		t.Fatalf("revalidated fetch = %q", got)
	}

	if n := full.Load(); n != 1 {
		t.Errorf("server sent %d full responses, want 1", n)
	}
	hits, misses, size := c.Stats()
	if hits != 1 || misses != 1 || size != 1 {
		t.Errorf("stats = %d hits, %d misses, %d entries", hits, misses, size)
	}
}

func TestTransportSeparatesCredentials(t *testing.T) {
	t.Parallel()
	var full atomic.Int32
	srv := etagServer("data", `"v1"`, &full)
	defer srv.Close()

	c, err := New(16, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: c.Transport(nil)}

	get(t, client, srv.URL, "Bearer alice")
	get(t, client, srv.URL, "Bearer bob")

	// Different credentials never share an entry, so both fetch in full.
	if n := full.Load(); n != 2 {
		t.Errorf("server sent %d full responses, want 2", n)
	}
	if _, _, size := c.Stats(); size != 2 {
		t.Errorf("cache holds %d entries, want 2", size)
	}
}

func TestTransportIgnoresNonGET(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		io.WriteString(w, "created")
	}))
	defer srv.Close()

	c, err := New(16, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: c.Transport(nil)}

	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, _, size := c.Stats(); size != 0 {
		t.Errorf("POST response was cached (%d entries)", size)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	c, err := New(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.put("old", &entry{status: 200, etag: `"a"`, lastUsed: now.Add(-2 * time.Minute)})
	c.put("fresh", &entry{status: 200, etag: `"b"`, lastUsed: now})

	if n := c.EvictStale(now); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if _, _, size := c.Stats(); size != 1 {
		t.Fatalf("cache holds %d entries after eviction, want 1", size)
	}
	// A second sweep finds nothing new.
	if n := c.EvictStale(now); n != 0 {
		t.Fatalf("second EvictStale = %d, want 0", n)
	}
}

func TestNewDefaultSize(t *testing.T) {
	t.Parallel()
	c, err := New(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// maxAge 0 disables the sweep entirely.
	c.put("k", &entry{lastUsed: time.Now().Add(-24 * time.Hour)})
	if n := c.EvictStale(time.Now()); n != 0 {
		t.Fatalf("EvictStale with maxAge=0 evicted %d", n)
	}
}
