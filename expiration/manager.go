// Package expiration expires overdue signature requests, sends pre-expiry
// warnings and extends deadlines. A sweep is a set of conditional state
// transitions, so running it twice or on two hosts at once is harmless.
package expiration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"signflow/apperr"
	"signflow/audit"
	"signflow/config"
	"signflow/notify"
	"signflow/signature"
)

// Manager implements the expiration operations.
type Manager struct {
	store     signature.Store
	audit     *audit.Logger
	notifier  notify.Notifier
	cfg       config.ExpirationConfig
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

func NewManager(store signature.Store, auditLog *audit.Logger, notifier notify.Notifier, cfg config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	batch := cfg.Sweep.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Manager{
		store:     store,
		audit:     auditLog,
		notifier:  notifier,
		cfg:       cfg.Expiration,
		batchSize: batch,
		log:       log,
		now:       time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ItemError describes one request the sweep could not process.
type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CheckResult summarizes one sweep.
type CheckResult struct {
	Checked      int         `json:"checked"`
	Expired      int         `json:"expired"`
	WarningsSent int         `json:"warnings_sent"`
	Errors       []ItemError `json:"errors"`
}

// CheckExpirations expires every open request whose deadline passed and
// records warnings for requests entering a warning window. Requests that
// turned terminal concurrently are skipped without counting.
func (m *Manager) CheckExpirations(ctx context.Context) (CheckResult, error) {
	now := m.now()
	res := CheckResult{Errors: []ItemError{}}

	seen := make(map[string]struct{})
	for {
		overdue, err := m.store.ListOverdue(ctx, now, m.batchSize)
		if err != nil {
			return res, apperr.Internal(err, "failed to list overdue requests")
		}

		progressed := false
		for _, req := range overdue {
			if _, ok := seen[req.ID]; ok {
				continue
			}
			seen[req.ID] = struct{}{}
			res.Checked++

			expired, err := m.expire(ctx, req, now)
			if err != nil {
				res.Errors = append(res.Errors, ItemError{ID: req.ID, Message: err.Error()})
				continue
			}
			if expired {
				res.Expired++
				progressed = true
			}
		}
		if len(overdue) < m.batchSize || !progressed {
			break
		}
	}

	if err := m.sendWarnings(ctx, now, &res); err != nil {
		return res, err
	}

	m.log.InfoContext(ctx, "expiration sweep finished",
		slog.Int("checked", res.Checked),
		slog.Int("expired", res.Expired),
		slog.Int("warnings_sent", res.WarningsSent),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (m *Manager) expire(ctx context.Context, req signature.Request, now time.Time) (bool, error) {
	signers, err := m.store.ListSigners(ctx, req.ID)
	if err != nil {
		return false, err
	}

	if _, err := m.store.TransitionRequest(ctx, signature.RequestTransition{
		RequestID:      req.ID,
		From:           signature.OpenRequestStatuses,
		To:             signature.RequestExpired,
		At:             now,
		CloseSignersAs: signature.SignerExpired,
	}); err != nil {
		if errors.Is(err, signature.ErrStaleState) || errors.Is(err, signature.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	m.audit.Action(ctx, req.ID, "", audit.ActionRequestExpired, map[string]any{
		"expires_at":        req.ExpiresAt,
		"completed_signers": req.CompletedSigners,
		"total_signers":     req.TotalSigners,
	})
	notify.Send(ctx, m.notifier, m.log, notify.Event{
		Type:       notify.TypeRequestExpired,
		RequestID:  req.ID,
		Recipients: audience(req, signers),
		Payload:    map[string]any{"title": req.Title, "expires_at": req.ExpiresAt},
	})
	return true, nil
}

func (m *Manager) sendWarnings(ctx context.Context, now time.Time, res *CheckResult) error {
	windows := m.cfg.SortedWarningDays()
	if len(windows) == 0 {
		return nil
	}
	horizon := now.Add(days(windows[len(windows)-1]))

	expiring, err := m.store.ListExpiringWithin(ctx, now, horizon)
	if err != nil {
		return apperr.Internal(err, "failed to list expiring requests")
	}

	for _, req := range expiring {
		window, ok := windowFor(req.ExpiresAt.Sub(now), windows)
		if !ok {
			continue
		}
		recorded, err := m.store.RecordWarning(ctx, req.ID, window, now)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{ID: req.ID, Message: err.Error()})
			continue
		}
		if !recorded {
			continue
		}
		res.WarningsSent++

		signers, err := m.store.ListSigners(ctx, req.ID)
		if err != nil {
			m.log.WarnContext(ctx, "load signers for warning failed", slog.String("request_id", req.ID), slog.Any("error", err))
		}
		m.audit.Action(ctx, req.ID, "", audit.ActionExpiryWarning, map[string]any{
			"window_days": window,
			"expires_at":  req.ExpiresAt,
		})
		notify.Send(ctx, m.notifier, m.log, notify.Event{
			Type:       notify.TypeRequestExpiring,
			RequestID:  req.ID,
			Recipients: audience(req, signers),
			Payload: map[string]any{
				"title":       req.Title,
				"expires_at":  req.ExpiresAt,
				"window_days": window,
			},
		})
	}
	return nil
}

// windowFor picks the smallest window that still covers the remaining time.
func windowFor(remaining time.Duration, windows []int) (int, bool) {
	for _, d := range windows {
		if remaining <= days(d) {
			return d, true
		}
	}
	return 0, false
}

// ExtendExpiration pushes the deadline of an open request forward by days.
// The resulting lifetime may not exceed the configured maximum.
func (m *Manager) ExtendExpiration(ctx context.Context, id string, actor signature.Actor, extendBy int) (signature.Request, error) {
	if extendBy < m.cfg.MinExtensionDays || extendBy > m.cfg.MaxExtensionDays {
		return signature.Request{}, apperr.Validation("extension is out of range", map[string]any{
			"days": extendBy,
			"min":  m.cfg.MinExtensionDays,
			"max":  m.cfg.MaxExtensionDays,
		})
	}

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, signature.ErrNotFound) {
			return signature.Request{}, apperr.NotFound("signature request", id)
		}
		return signature.Request{}, apperr.Internal(err, "failed to load signature request")
	}
	if !req.IsInitiator(actor) {
		return signature.Request{}, apperr.Authorization("only the initiator can extend this signature request")
	}
	if req.Status.IsTerminal() {
		return signature.Request{}, apperr.Conflict("signature request is "+string(req.Status), map[string]any{"status": req.Status})
	}

	next := req.ExpiresAt.AddDate(0, 0, extendBy)
	limit := req.CreatedAt.AddDate(0, 0, m.cfg.MaxDays)
	if next.After(limit) {
		return signature.Request{}, apperr.Validation("extension exceeds the maximum request lifetime", map[string]any{
			"max_days":       m.cfg.MaxDays,
			"latest_allowed": limit,
		}).WithSuggestion("Choose a shorter extension")
	}

	now := m.now()
	updated, err := m.store.ExtendExpiration(ctx, id, next, now)
	if err != nil {
		switch {
		case errors.Is(err, signature.ErrNotFound):
			return signature.Request{}, apperr.NotFound("signature request", id)
		case errors.Is(err, signature.ErrStaleState):
			return signature.Request{}, apperr.Conflict("signature request was modified concurrently", map[string]any{"request_id": id})
		default:
			return signature.Request{}, apperr.Internal(err, "failed to extend expiration")
		}
	}

	m.audit.Action(ctx, id, actor.UserID, audit.ActionExpiryExtended, map[string]any{
		"previous_expires_at": req.ExpiresAt,
		"expires_at":          updated.ExpiresAt,
		"days":                extendBy,
	})
	return updated, nil
}

func audience(req signature.Request, signers []signature.Signer) []notify.Recipient {
	out := []notify.Recipient{{UserID: req.InitiatorID, Email: req.InitiatorEmail}}
	for _, s := range signers {
		if s.Status.IsTerminal() {
			continue
		}
		r := notify.Recipient{Email: s.Email, Name: s.Name}
		if s.UserID != nil {
			r.UserID = *s.UserID
		}
		out = append(out, r)
	}
	return out
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
