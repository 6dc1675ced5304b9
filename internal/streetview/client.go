// Package streetview fetches raw panorama tiles from the Street View CBK
// endpoint. The client enforces the process-wide connection bounds (total
// and per host) and absorbs transient failures with bounded retries; callers
// only ever see tile bytes, a black-tile marker, or a terminal typed error.
package streetview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"pano-downloader/internal/common"
	"pano-downloader/internal/ratelimit"
)

const (
	// DefaultTileURL is the undocumented CBK tile endpoint. A configuration
	// constant, not a contract: the provider can change it at any time.
	DefaultTileURL = "https://cbk0.google.com/cbk?output=tile&panoid=%s&zoom=%d&x=%d&y=%d"

	// BlackTileByteSize is the exact byte length the provider returns for
	// its all-black placeholder JPEG. Matching bodies are recorded as black
	// without decoding.
	BlackTileByteSize = 1184

	// UserAgent mirrors a desktop browser; the endpoint rejects obvious bots.
	UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	defaultRequestTimeout = 30 * time.Second
)

// TileCache is the optional read-through cache consulted before the network.
type TileCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte)
}

// TileData is the raw result of one tile fetch.
type TileData struct {
	Coord common.TileCoordinate
	Bytes []byte

	// Black is set when the body matched the provider's placeholder size.
	// The pixel-level classifier may still mark other tiles black later.
	Black bool
}

// Options configures a Client.
type Options struct {
	TileURL               string
	MaxTotalConnections   int
	MaxConnectionsPerHost int
	RetryBudget           int           // network retry attempts per tile
	BackoffBase           time.Duration // first retry delay, doubled per attempt
	RequestTimeout        time.Duration
	Cache                 TileCache
	Limiter               *ratelimit.Tracker
}

// Client fetches tiles. Safe for concurrent use; one Client is shared by
// every pipeline in a run so the connection bounds hold process-wide.
type Client struct {
	httpClient *http.Client
	opts       Options

	connSem *semaphore.Weighted

	mu       sync.Mutex
	hostSems map[string]*semaphore.Weighted
}

// NewClient creates a tile client with system proxy support, as the provider
// endpoints are commonly reached through one.
func NewClient(opts Options) *Client {
	if opts.TileURL == "" {
		opts.TileURL = DefaultTileURL
	}
	if opts.MaxTotalConnections <= 0 {
		opts.MaxTotalConnections = 100
	}
	if opts.MaxConnectionsPerHost <= 0 {
		opts.MaxConnectionsPerHost = opts.MaxTotalConnections
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewTracker(nil)
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxConnsPerHost: opts.MaxConnectionsPerHost,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		opts:     opts,
		connSem:  semaphore.NewWeighted(int64(opts.MaxTotalConnections)),
		hostSems: make(map[string]*semaphore.Weighted),
	}
}

// hostSem returns the per-host connection semaphore, creating it on first use.
func (c *Client) hostSem(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()

	sem, ok := c.hostSems[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.opts.MaxConnectionsPerHost))
		c.hostSems[host] = sem
	}
	return sem
}

func (c *Client) tileURL(panoID string, zoom int, coord common.TileCoordinate) string {
	return fmt.Sprintf(c.opts.TileURL, url.QueryEscape(panoID), zoom, coord.X, coord.Y)
}

func cacheKey(panoID string, zoom int, coord common.TileCoordinate) string {
	return fmt.Sprintf("%s:%d:%d:%d", panoID, zoom, coord.X, coord.Y)
}

// Fetch retrieves one tile. It blocks while the connection pools are full,
// retries transient network errors with exponential backoff, and honors the
// rate-limit tracker's schedule. Every acquired pool slot is released on
// every exit path, including cancellation.
func (c *Client) Fetch(ctx context.Context, panoID string, zoom int, coord common.TileCoordinate) (TileData, error) {
	tile := TileData{Coord: coord}

	key := cacheKey(panoID, zoom, coord)
	if c.opts.Cache != nil {
		if data, ok := c.opts.Cache.Get(key); ok {
			tile.Bytes = data
			tile.Black = len(data) == BlackTileByteSize
			return tile, nil
		}
	}

	reqURL := c.tileURL(panoID, zoom, coord)
	host := hostOf(reqURL)

	var lastErr error
	netAttempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return tile, err
		}

		// Honor any active throttle window before taking a slot.
		wait, allowed := c.opts.Limiter.Backoff(host)
		if !allowed {
			return tile, &RateLimitError{Host: host, Status: http.StatusTooManyRequests}
		}
		if wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return tile, err
			}
		}

		data, status, err := c.doRequest(ctx, reqURL, host)
		switch {
		case err == nil && status == http.StatusOK:
			tile.Bytes = data
			tile.Black = len(data) == BlackTileByteSize
			if c.opts.Cache != nil {
				c.opts.Cache.Set(key, data)
			}
			return tile, nil

		case err == nil && ratelimit.IsRateLimitStatus(status):
			// Tracker state was already updated by doRequest; loop to wait
			// out the throttle window or exhaust the rate-limit budget.
			lastErr = &RateLimitError{Host: host, Status: status}
			continue

		default:
			if ctx.Err() != nil {
				return tile, ctx.Err()
			}
			if err == nil {
				err = &NetworkError{URL: reqURL, Status: status}
			}
			lastErr = err
			netAttempts++
			if netAttempts >= c.opts.RetryBudget {
				return tile, lastErr
			}
			backoff := c.opts.BackoffBase << (netAttempts - 1)
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return tile, serr
			}
		}
	}
}

// doRequest performs one HTTP attempt under both connection pools.
func (c *Client) doRequest(ctx context.Context, reqURL, host string) ([]byte, int, error) {
	if err := c.connSem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer c.connSem.Release(1)

	hsem := c.hostSem(host)
	if err := hsem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer hsem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if c.opts.Limiter.CheckResponse(host, resp) {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{URL: reqURL, Err: err}
	}
	return data, resp.StatusCode, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
