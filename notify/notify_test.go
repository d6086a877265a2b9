package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("smtp down")
}

func TestSendSwallowsAndLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	n := &failingNotifier{}

	Send(context.Background(), n, log, Event{
		Type:       TypeRequestCompleted,
		RequestID:  "req-1",
		Recipients: []Recipient{{Email: "owner@example.com"}},
	})

	if n.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", n.calls)
	}
	if !strings.Contains(buf.String(), "notification failed") || !strings.Contains(buf.String(), "req-1") {
		t.Fatalf("expected warning log, got %q", buf.String())
	}
}

func TestSendSkipsEventsWithoutRecipients(t *testing.T) {
	n := &failingNotifier{}
	Send(context.Background(), n, nil, Event{Type: TypeYourTurn, RequestID: "req-1"})
	if n.calls != 0 {
		t.Fatalf("expected no delivery, got %d", n.calls)
	}
}

func TestLogNotifierWritesRecipients(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := n.Notify(context.Background(), Event{
		Type:       TypeSignatureRequested,
		RequestID:  "req-9",
		Recipients: []Recipient{{Email: "a@example.com"}, {Email: "b@example.com"}},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "signature.requested") || !strings.Contains(out, "b@example.com") {
		t.Fatalf("unexpected log output %q", out)
	}
}
