// Package audit records immutable entries describing actions on signature
// requests. Writes are best effort: a failure is logged and never returned
// to the operation that triggered it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"signflow/signature"
)

// Actions recorded by the workflow services.
const (
	ActionRequestCreated   = "request_created"
	ActionRequestUpdated   = "request_updated"
	ActionRequestCancelled = "request_cancelled"
	ActionRequestDeleted   = "request_deleted"
	ActionRequestExpired   = "request_expired"
	ActionRequestCompleted = "request_completed"
	ActionExpiryExtended   = "expiration_extended"
	ActionExpiryWarning    = "expiration_warning_sent"
	ActionSignerSigned     = "signer_signed"
	ActionSignerStatus     = "signer_status_changed"
	ActionFieldsSaved      = "fields_configured"
	ActionReminderSent     = "reminder_sent"
)

// Writer is the subset of the store the logger needs.
type Writer interface {
	AppendAudit(ctx context.Context, entry signature.AuditEntry) error
}

// Logger appends audit entries.
type Logger struct {
	w   Writer
	log *slog.Logger
	now func() time.Time
}

// NewLogger builds a Logger. A nil logger falls back to slog.Default().
func NewLogger(w Writer, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{w: w, log: log, now: time.Now}
}

func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Record appends one entry. CreatedAt defaults to the logger clock.
func (l *Logger) Record(ctx context.Context, entry signature.AuditEntry) {
	if l == nil || l.w == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := l.w.AppendAudit(ctx, entry); err != nil {
		l.log.WarnContext(ctx, "audit write failed",
			slog.String("request_id", entry.RequestID),
			slog.String("action", entry.Action),
			slog.Any("error", err),
		)
	}
}

// Action is shorthand for Record without client metadata.
func (l *Logger) Action(ctx context.Context, requestID, actorID, action string, details map[string]any) {
	l.Record(ctx, signature.AuditEntry{
		RequestID: requestID,
		ActorID:   actorID,
		Action:    action,
		Details:   details,
	})
}
