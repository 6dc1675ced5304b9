package telemetry

import (
	"errors"
	"testing"

	"github.com/posthog/posthog-go"
)

type stubClient struct {
	messages   []posthog.Message
	enqueueErr error
	closed     bool
}

func (s *stubClient) Enqueue(m posthog.Message) error {
	s.messages = append(s.messages, m)
	return s.enqueueErr
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func TestTracker_DisabledWithoutKey(t *testing.T) {
	tr := New("", "", "")

	// Must be safe no-ops.
	tr.Track("run_started", map[string]interface{}{"panoramas": 1})
	tr.Close()
}

func TestTracker_TrackAndClose(t *testing.T) {
	stub := &stubClient{}
	tr := &Tracker{client: stub, distinctID: "cli_user"}

	tr.Track("run_complete", map[string]interface{}{"succeeded": 2})

	if len(stub.messages) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(stub.messages))
	}
	capture, ok := stub.messages[0].(posthog.Capture)
	if !ok {
		t.Fatalf("message type = %T, want posthog.Capture", stub.messages[0])
	}
	if capture.Event != "run_complete" || capture.DistinctId != "cli_user" {
		t.Errorf("capture = %+v", capture)
	}

	tr.Close()
	if !stub.closed {
		t.Error("Close did not reach the client")
	}
}

func TestTracker_EnqueueFailureAbsorbed(t *testing.T) {
	stub := &stubClient{enqueueErr: errors.New("queue full")}
	tr := &Tracker{client: stub, distinctID: "cli_user"}

	// Must not panic or surface the error; runs never depend on telemetry.
	tr.Track("run_started", nil)

	if len(stub.messages) != 1 {
		t.Errorf("enqueued %d messages, want 1", len(stub.messages))
	}
}
