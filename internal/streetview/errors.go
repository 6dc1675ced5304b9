package streetview

import "fmt"

// NetworkError covers transient fetch failures: timeouts, refused
// connections, and non-success HTTP statuses. Retried up to the tile retry
// budget, then the tile degrades to a fetch failure.
type NetworkError struct {
	URL    string
	Status int // 0 when the request never produced a response
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tile request %s returned status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("tile request %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is returned when the provider throttles us and the
// rate-limit retry budget is exhausted.
type RateLimitError struct {
	Host   string
	Status int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s (HTTP %d), retry budget exhausted", e.Host, e.Status)
}
