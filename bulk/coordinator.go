// Package bulk applies one operation to many signature requests. Ownership
// of every id is checked before anything runs; after that each item
// succeeds or fails on its own.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/apperr"
	"signflow/audit"
	"signflow/config"
	"signflow/lifecycle"
	"signflow/notify"
	"signflow/signature"
)

// OpType names a bulk operation.
type OpType string

const (
	OpCancel           OpType = "cancel"
	OpDelete           OpType = "delete"
	OpRemind           OpType = "remind"
	OpExtendExpiration OpType = "extend_expiration"
	OpExport           OpType = "export"
)

// Valid reports whether op is a known operation.
func (op OpType) Valid() bool {
	switch op {
	case OpCancel, OpDelete, OpRemind, OpExtendExpiration, OpExport:
		return true
	default:
		return false
	}
}

// Per-item error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnknown          = "UNKNOWN"
)

// Params carries operation-specific arguments.
type Params struct {
	Reason string `json:"reason,omitempty"`
	Days   int    `json:"days,omitempty"`
	Format string `json:"format,omitempty"`
}

// ItemError is the failure of one id.
type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Result summarizes a bulk call. It is never persisted.
type Result struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Errors     []ItemError    `json:"errors"`
	Duration   time.Duration  `json:"duration"`
	Payload    *ExportPayload `json:"payload,omitempty"`
}

// Requests is the lifecycle surface bulk needs.
type Requests interface {
	CancelRequest(ctx context.Context, id string, caller signature.Actor, reason string) (signature.Request, error)
	DeleteRequest(ctx context.Context, id string, caller signature.Actor) error
}

// Extender is the expiration surface bulk needs.
type Extender interface {
	ExtendExpiration(ctx context.Context, id string, actor signature.Actor, days int) (signature.Request, error)
}

// Coordinator runs bulk operations.
type Coordinator struct {
	store       signature.Store
	requests    Requests
	extender    Extender
	audit       *audit.Logger
	notifier    notify.Notifier
	maxItems    int
	concurrency int
	log         *slog.Logger
	now         func() time.Time
}

func NewCoordinator(store signature.Store, requests Requests, extender Extender, auditLog *audit.Logger, notifier notify.Notifier, limits config.LimitsConfig, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	concurrency := limits.BulkConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{
		store:       store,
		requests:    requests,
		extender:    extender,
		audit:       auditLog,
		notifier:    notifier,
		maxItems:    limits.MaxBulkOperationSize,
		concurrency: concurrency,
		log:         log,
		now:         time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// ExecuteBulkOperation runs op over ids. Input and ownership problems fail
// the whole call; per-item failures are reported in the Result.
func (c *Coordinator) ExecuteBulkOperation(ctx context.Context, actor signature.Actor, op OpType, ids []string, params Params) (Result, error) {
	if !op.Valid() {
		return Result{}, apperr.Validation("unknown bulk operation", map[string]any{"operation": op})
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return Result{}, apperr.Validation("at least one request id is required", map[string]any{"field": "ids"})
	}
	if len(ids) > c.maxItems {
		return Result{}, apperr.Validation(fmt.Sprintf("at most %d requests per bulk operation", c.maxItems), map[string]any{
			"count": len(ids),
			"max":   c.maxItems,
		})
	}
	if op == OpExtendExpiration && params.Days <= 0 {
		return Result{}, apperr.Validation("days is required for extend_expiration", map[string]any{"field": "days"})
	}

	if err := c.checkOwnership(ctx, actor, ids); err != nil {
		return Result{}, err
	}

	start := c.now()
	outcomes := make([]error, len(ids))
	records := make([]ExportRecord, len(ids))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if op == OpExport {
				records[i], outcomes[i] = c.exportOne(ctx, id)
				return nil
			}
			outcomes[i] = c.runOne(ctx, actor, op, id, params)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Total: len(ids), Errors: []ItemError{}}
	exported := make([]ExportRecord, 0, len(ids))
	for i, err := range outcomes {
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, itemError(ids[i], err))
			continue
		}
		res.Successful++
		if op == OpExport {
			exported = append(exported, records[i])
		}
	}
	if op == OpExport {
		payload, err := buildPayload(params.Format, exported)
		if err != nil {
			return Result{}, apperr.Internal(err, "failed to serialize export")
		}
		res.Payload = &payload
	}
	res.Duration = c.now().Sub(start)

	c.log.InfoContext(ctx, "bulk operation finished",
		slog.String("operation", string(op)),
		slog.String("actor_id", actor.UserID),
		slog.Int("total", res.Total),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// checkOwnership rejects the call when any id is missing or not initiated by
// the actor. Missing ids count as not owned so existence is not leaked.
func (c *Coordinator) checkOwnership(ctx context.Context, actor signature.Actor, ids []string) error {
	if actor.UserID == "" {
		return apperr.Authorization("authentication required")
	}
	owned, _, err := c.store.ListRequests(ctx, signature.ListFilter{InitiatorID: actor.UserID, IDs: ids})
	if err != nil {
		return apperr.Internal(err, "failed to verify ownership")
	}
	if unauthorized := len(ids) - len(owned); unauthorized > 0 {
		return apperr.Authorization("you do not own every request in this operation").
			WithDetail("unauthorized_count", unauthorized).
			WithDetail("total", len(ids))
	}
	return nil
}

func (c *Coordinator) runOne(ctx context.Context, actor signature.Actor, op OpType, id string, params Params) error {
	switch op {
	case OpCancel:
		_, err := c.requests.CancelRequest(ctx, id, actor, params.Reason)
		return err
	case OpDelete:
		return c.requests.DeleteRequest(ctx, id, actor)
	case OpExtendExpiration:
		_, err := c.extender.ExtendExpiration(ctx, id, actor, params.Days)
		return err
	case OpRemind:
		return c.remind(ctx, actor, id)
	default:
		return apperr.Validation("unsupported operation", map[string]any{"operation": op})
	}
}

func (c *Coordinator) remind(ctx context.Context, actor signature.Actor, id string) error {
	req, err := c.store.GetRequest(ctx, id)
	if err != nil {
		return lifecycle.LookupError(err, "signature request", id)
	}
	if req.Status.IsTerminal() {
		return apperr.Conflict("signature request is "+string(req.Status), map[string]any{"status": req.Status})
	}
	signers, err := c.store.ListSigners(ctx, id)
	if err != nil {
		return apperr.Internal(err, "failed to load signers")
	}
	recipients := lifecycle.Eligible(req, signers)
	if len(recipients) == 0 {
		return apperr.Conflict("no signers are waiting", nil)
	}

	notify.Send(ctx, c.notifier, c.log, notify.Event{
		Type:       notify.TypeSignatureReminder,
		RequestID:  id,
		Recipients: recipients,
		Payload:    map[string]any{"title": req.Title, "expires_at": req.ExpiresAt},
	})
	emails := make([]string, len(recipients))
	for i, r := range recipients {
		emails[i] = r.Email
	}
	c.audit.Action(ctx, id, actor.UserID, audit.ActionReminderSent, map[string]any{"recipients": emails})
	return nil
}

func (c *Coordinator) exportOne(ctx context.Context, id string) (ExportRecord, error) {
	req, err := c.store.GetRequest(ctx, id)
	if err != nil {
		return ExportRecord{}, lifecycle.LookupError(err, "signature request", id)
	}
	signers, err := c.store.ListSigners(ctx, id)
	if err != nil {
		return ExportRecord{}, apperr.Internal(err, "failed to load signers")
	}
	return ExportRecord{Request: req, Signers: signers}, nil
}

func itemError(id string, err error) ItemError {
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = e.Message
	}
	return ItemError{ID: id, Message: msg, Code: codeFor(err)}
}

func codeFor(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return CodeNotFound
	case apperr.KindAuthorization:
		return CodePermissionDenied
	case apperr.KindValidation, apperr.KindConflict, apperr.KindExpired:
		return CodeValidation
	default:
		return CodeUnknown
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
