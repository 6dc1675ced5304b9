package streetview

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pano-downloader/internal/common"
	"pano-downloader/internal/ratelimit"
)

// fastLimiter keeps rate-limit waits in the millisecond range for tests.
func fastLimiter() *ratelimit.Tracker {
	return ratelimit.NewTracker(&ratelimit.RetryStrategy{
		Intervals:  []time.Duration{20 * time.Millisecond, 20 * time.Millisecond},
		MaxRetries: 2,
	})
}

func testOptions(server *httptest.Server) Options {
	return Options{
		TileURL:     server.URL + "/cbk?output=tile&panoid=%s&zoom=%d&x=%d&y=%d",
		BackoffBase: time.Millisecond,
		Limiter:     fastLimiter(),
	}
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[key]
	return data, ok
}

func (c *mapCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	c.sets++
}

func TestFetch_Success(t *testing.T) {
	body := []byte("tile-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("panoid") != "abc" || q.Get("zoom") != "3" || q.Get("x") != "5" || q.Get("y") != "2" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write(body)
	}))
	defer server.Close()

	client := NewClient(testOptions(server))
	tile, err := client.Fetch(context.Background(), "abc", 3, common.TileCoordinate{X: 5, Y: 2})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !bytes.Equal(tile.Bytes, body) {
		t.Errorf("tile bytes = %q, want %q", tile.Bytes, body)
	}
	if tile.Black {
		t.Error("regular tile marked black")
	}
}

func TestFetch_BlackPlaceholderSniff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, BlackTileByteSize))
	}))
	defer server.Close()

	client := NewClient(testOptions(server))
	tile, err := client.Fetch(context.Background(), "abc", 0, common.TileCoordinate{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !tile.Black {
		t.Errorf("%d-byte body not flagged as placeholder", len(tile.Bytes))
	}
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.RetryBudget = 3
	client := NewClient(opts)

	tile, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{})
	if err != nil {
		t.Fatalf("Fetch failed after retries: %v", err)
	}
	if string(tile.Bytes) != "eventually" {
		t.Errorf("tile bytes = %q", tile.Bytes)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func TestFetch_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.RetryBudget = 3
	client := NewClient(opts)

	_, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{})
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
	if nerr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", nerr.Status)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func TestFetch_RateLimitExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testOptions(server))
	_, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{})

	var rlerr *RateLimitError
	if !errors.As(err, &rlerr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	// One initial hit plus two budgeted retries.
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func TestFetch_HostNotPoisonedAfterExhaustion(t *testing.T) {
	// Throttle long enough to exhaust one tile's budget, then recover.
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("back online"))
	}))
	defer server.Close()

	client := NewClient(testOptions(server))

	_, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{})
	var rlerr *RateLimitError
	if !errors.As(err, &rlerr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}

	// Later tiles must probe the host again once the throttle window has
	// passed, not fail forever on the stale throttle state.
	time.Sleep(30 * time.Millisecond)
	tile, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{X: 1})
	if err != nil {
		t.Fatalf("Fetch after recovery failed: %v", err)
	}
	if string(tile.Bytes) != "back online" {
		t.Errorf("tile bytes = %q", tile.Bytes)
	}
	if calls.Load() != 4 {
		t.Errorf("server saw %d requests, want 4", calls.Load())
	}
}

func TestFetch_RecoversAfterThrottle(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	opts := testOptions(server)
	client := NewClient(opts)

	tile, err := client.Fetch(context.Background(), "abc", 2, common.TileCoordinate{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(tile.Bytes) != "recovered" {
		t.Errorf("tile bytes = %q", tile.Bytes)
	}
	if opts.Limiter.IsLimited(hostOf(server.URL)) {
		t.Error("host still marked limited after a successful response")
	}
}

func TestFetch_TotalConnectionBound(t *testing.T) {
	const limit = 3

	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.MaxTotalConnections = limit
	client := NewClient(opts)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := client.Fetch(context.Background(), "abc", 4, common.TileCoordinate{X: i}); err != nil {
				t.Errorf("Fetch %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrent requests = %d, exceeds limit %d", p, limit)
	}
}

func TestFetch_PerHostConnectionBound(t *testing.T) {
	const perHost = 2

	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.MaxTotalConnections = 5
	opts.MaxConnectionsPerHost = perHost
	client := NewClient(opts)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := client.Fetch(context.Background(), "abc", 4, common.TileCoordinate{X: i}); err != nil {
				t.Errorf("Fetch %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// The total pool has free slots; the per-host pool must still cap what
	// reaches this single host.
	if p := peak.Load(); p > perHost {
		t.Errorf("peak concurrent requests to one host = %d, exceeds limit %d", p, perHost)
	}
}

func TestFetch_CancellationReleasesSlots(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := testOptions(server)
	opts.MaxTotalConnections = 2
	client := NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.Fetch(ctx, "abc", 4, common.TileCoordinate{X: i})
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Fetch %d error = %v, want context.Canceled", i, err)
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	// Both slots must be free again: a fresh context can use the full limit.
	close(release)
	var wg2 sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg2.Add(1)
		go func(i int) {
			defer wg2.Done()
			if _, err := client.Fetch(context.Background(), "abc", 4, common.TileCoordinate{X: 10 + i}); err != nil {
				t.Errorf("post-cancel Fetch %d failed: %v", i, err)
			}
		}(i)
	}
	wg2.Wait()
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("network"))
	}))
	defer server.Close()

	cache := newMapCache()
	cache.Set("abc:3:1:0", []byte("cached"))

	opts := testOptions(server)
	opts.Cache = cache
	client := NewClient(opts)

	tile, err := client.Fetch(context.Background(), "abc", 3, common.TileCoordinate{X: 1, Y: 0})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(tile.Bytes) != "cached" {
		t.Errorf("tile bytes = %q, want cache content", tile.Bytes)
	}
	if calls.Load() != 0 {
		t.Error("cache hit still reached the network")
	}

	// A miss populates the cache for the next run.
	if _, err := client.Fetch(context.Background(), "abc", 3, common.TileCoordinate{X: 2, Y: 0}); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if data, ok := cache.Get("abc:3:2:0"); !ok || string(data) != "network" {
		t.Errorf("fetched tile not written back to cache (data=%q ok=%v)", data, ok)
	}
}
