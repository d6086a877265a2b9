// Package notify defines the outbound notification port of the workflow
// engine. Delivery channel and copy live outside the engine; adapters here
// either enqueue events on the Postgres outbox or log them.
package notify

import (
	"context"
	"log/slog"
)

// Event types emitted by the workflow services.
const (
	TypeSignatureRequested = "signature.requested"
	TypeSignatureReminder  = "signature.reminder"
	TypeYourTurn           = "signature.your_turn"
	TypeSignerDeclined     = "signer.declined"
	TypeRequestCompleted   = "request.completed"
	TypeRequestCancelled   = "request.cancelled"
	TypeRequestExpired     = "request.expired"
	TypeRequestExpiring    = "request.expiring"
)

// Recipient identifies who should receive an event.
type Recipient struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// Event is a single notification intent.
type Event struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	Recipients []Recipient    `json:"recipients"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Send delivers ev and logs a failure instead of returning it. Callers use
// it where notification must never affect the outcome of the operation.
func Send(ctx context.Context, n Notifier, log *slog.Logger, ev Event) {
	if n == nil || len(ev.Recipients) == 0 {
		return
	}
	if err := n.Notify(ctx, ev); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.WarnContext(ctx, "notification failed",
			slog.String("type", ev.Type),
			slog.String("request_id", ev.RequestID),
			slog.Any("error", err),
		)
	}
}

// LogNotifier writes events to a structured logger. It backs the
// single-process development mode.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	emails := make([]string, 0, len(ev.Recipients))
	for _, r := range ev.Recipients {
		emails = append(emails, r.Email)
	}
	n.log.InfoContext(ctx, "notification",
		slog.String("type", ev.Type),
		slog.String("request_id", ev.RequestID),
		slog.Any("recipients", emails),
	)
	return nil
}
