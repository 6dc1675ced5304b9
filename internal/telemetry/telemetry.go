// Package telemetry sends optional run events to PostHog. Tracking is off
// unless an API key is configured; every call degrades to a no-op otherwise.
package telemetry

import (
	"log"

	"github.com/posthog/posthog-go"
)

// eventClient is the slice of posthog.Client the tracker uses.
type eventClient interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Tracker wraps an optional PostHog client.
type Tracker struct {
	client     eventClient
	distinctID string
}

// New creates a tracker. An empty apiKey returns a disabled tracker rather
// than an error.
func New(apiKey, endpoint, distinctID string) *Tracker {
	t := &Tracker{distinctID: distinctID}
	if apiKey == "" {
		return t
	}
	if distinctID == "" {
		t.distinctID = "cli_user"
	}

	cfg := posthog.Config{}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	client, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		log.Printf("[Telemetry] Failed to initialize client, tracking disabled: %v", err)
		return t
	}
	t.client = client
	return t
}

// Track enqueues one event. Failures are logged and absorbed; telemetry must
// never affect a run.
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if t.client == nil {
		return
	}
	err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	})
	if err != nil {
		log.Printf("[Telemetry] Failed to enqueue %s event: %v", event, err)
	}
}

// Close flushes pending events.
func (t *Tracker) Close() {
	if t.client != nil {
		t.client.Close()
	}
}
