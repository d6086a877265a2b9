// Package lifecycle manages signature requests from creation to a terminal
// state: create, read, list, update, cancel and soft delete.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"signflow/apperr"
	"signflow/audit"
	"signflow/config"
	"signflow/notify"
	"signflow/signature"
)

// Views accepted by ListRequests.
const (
	ViewSent     = "sent"
	ViewReceived = "received"
)

// Manager implements the request lifecycle operations.
type Manager struct {
	store       signature.Store
	audit       *audit.Logger
	notifier    notify.Notifier
	expiration  config.ExpirationConfig
	limits      config.LimitsConfig
	log         *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewManager(store signature.Store, auditLog *audit.Logger, notifier notify.Notifier, cfg config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		audit:       auditLog,
		notifier:    notifier,
		expiration:  cfg.Expiration,
		limits:      cfg.Limits,
		log:         log,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.idGenerator = gen
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SignerInput describes one signer of a new request. A zero SigningOrder is
// assigned from the input position.
type SignerInput struct {
	Email        string `json:"email" validate:"required,email,max=320"`
	Name         string `json:"name" validate:"max=200"`
	UserID       string `json:"user_id,omitempty"`
	SigningOrder int    `json:"signing_order" validate:"gte=0"`
}

// CreateInput describes a new request.
type CreateInput struct {
	DocumentRef   string                  `json:"document_ref" validate:"required,max=500"`
	Title         string                  `json:"title" validate:"required,max=255"`
	Description   string                  `json:"description" validate:"max=2000"`
	SignatureType signature.SignatureType `json:"signature_type" validate:"omitempty,oneof=single multi"`
	SigningOrder  signature.SigningOrder  `json:"signing_order" validate:"omitempty,oneof=sequential parallel"`
	Signers       []SignerInput           `json:"signers" validate:"required,min=1,dive"`
	ExpiresInDays int                     `json:"expires_in_days" validate:"gte=0"`
	RequireTOTP   bool                    `json:"require_totp"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
}

// Detail is a request with its signers and field configuration.
type Detail struct {
	Request signature.Request  `json:"request"`
	Signers []signature.Signer `json:"signers"`
	Fields  []signature.Field  `json:"fields"`
}

// CreateRequest validates the input, then inserts the request and its
// signers. When the signer insert fails the request row is removed again.
func (m *Manager) CreateRequest(ctx context.Context, initiator signature.Actor, in CreateInput) (Detail, error) {
	if initiator.UserID == "" {
		return Detail{}, apperr.Authorization("authentication required")
	}
	in.Title = strings.TrimSpace(in.Title)
	in.DocumentRef = strings.TrimSpace(in.DocumentRef)
	for i := range in.Signers {
		in.Signers[i].Email = strings.TrimSpace(in.Signers[i].Email)
	}
	if in.SigningOrder == "" {
		in.SigningOrder = signature.OrderParallel
	}
	if in.SignatureType == "" {
		in.SignatureType = signature.TypeMulti
		if len(in.Signers) == 1 {
			in.SignatureType = signature.TypeSingle
		}
	}

	problems := m.checkCreate(in)
	if len(problems) > 0 {
		return Detail{}, apperr.Validation("invalid signature request", map[string]any{"violations": problems})
	}

	days := in.ExpiresInDays
	if days == 0 {
		days = m.expiration.DefaultDays
	}

	now := m.now()
	req := signature.Request{
		ID:             m.idGenerator(),
		DocumentRef:    in.DocumentRef,
		InitiatorID:    initiator.UserID,
		InitiatorEmail: initiator.Email,
		Title:          in.Title,
		Description:    strings.TrimSpace(in.Description),
		SignatureType:  in.SignatureType,
		SigningOrder:   in.SigningOrder,
		Status:         signature.RequestInitiated,
		TotalSigners:   len(in.Signers),
		RequireTOTP:    in.RequireTOTP,
		ExpiresAt:      now.AddDate(0, 0, days),
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       in.Metadata,
	}

	created, err := m.store.InsertRequest(ctx, req)
	if err != nil {
		return Detail{}, apperr.Internal(err, "failed to create signature request")
	}

	rows := make([]signature.Signer, len(in.Signers))
	for i, s := range in.Signers {
		rows[i] = signature.Signer{
			ID:           m.idGenerator(),
			RequestID:    created.ID,
			Email:        s.Email,
			Name:         strings.TrimSpace(s.Name),
			SigningOrder: s.SigningOrder,
			Status:       signature.SignerPending,
			CreatedAt:    now,
		}
		if rows[i].SigningOrder == 0 {
			rows[i].SigningOrder = i + 1
		}
		if uid := strings.TrimSpace(s.UserID); uid != "" {
			rows[i].UserID = &uid
		}
	}

	signers, err := m.store.InsertSigners(ctx, rows)
	if err != nil {
		if delErr := m.store.DeleteRequest(ctx, created.ID); delErr != nil {
			m.log.ErrorContext(ctx, "compensating delete failed",
				slog.String("request_id", created.ID),
				slog.Any("error", delErr),
			)
		}
		return Detail{}, apperr.Internal(err, "failed to create signers")
	}

	m.audit.Action(ctx, created.ID, initiator.UserID, audit.ActionRequestCreated, map[string]any{
		"title":         created.Title,
		"total_signers": created.TotalSigners,
		"signing_order": created.SigningOrder,
		"expires_at":    created.ExpiresAt,
	})

	notify.Send(ctx, m.notifier, m.log, notify.Event{
		Type:       notify.TypeSignatureRequested,
		RequestID:  created.ID,
		Recipients: Eligible(created, signers),
		Payload:    map[string]any{"title": created.Title, "expires_at": created.ExpiresAt},
	})

	return Detail{Request: created, Signers: signers, Fields: []signature.Field{}}, nil
}

func (m *Manager) checkCreate(in CreateInput) []string {
	var problems []string
	if err := validate.Struct(in); err != nil {
		problems = append(problems, violations(err)...)
	}

	if len(in.Signers) > m.limits.MaxSignersPerRequest {
		problems = append(problems, fmt.Sprintf("signers: at most %d signers are allowed", m.limits.MaxSignersPerRequest))
	}
	if in.SignatureType == signature.TypeSingle && len(in.Signers) != 1 {
		problems = append(problems, "signers: a single signature request needs exactly one signer")
	}

	emails := make(map[string]struct{}, len(in.Signers))
	orders := make(map[int]struct{}, len(in.Signers))
	for i, s := range in.Signers {
		key := strings.ToLower(strings.TrimSpace(s.Email))
		if key != "" {
			if _, dup := emails[key]; dup {
				problems = append(problems, fmt.Sprintf("signers[%d].email: duplicate signer %s", i, key))
			}
			emails[key] = struct{}{}
		}
		order := s.SigningOrder
		if order == 0 {
			order = i + 1
		}
		if _, dup := orders[order]; dup {
			problems = append(problems, fmt.Sprintf("signers[%d].signing_order: duplicate order %d", i, order))
		}
		orders[order] = struct{}{}
	}

	if in.ExpiresInDays != 0 && (in.ExpiresInDays < m.expiration.MinDays || in.ExpiresInDays > m.expiration.MaxDays) {
		problems = append(problems, fmt.Sprintf("expires_in_days: must be between %d and %d", m.expiration.MinDays, m.expiration.MaxDays))
	}
	return problems
}

// GetRequest returns the request with signers and fields. The caller must be
// the initiator or one of the signers.
func (m *Manager) GetRequest(ctx context.Context, id string, caller signature.Actor) (Detail, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return Detail{}, LookupError(err, "signature request", id)
	}
	signers, err := m.store.ListSigners(ctx, id)
	if err != nil {
		return Detail{}, apperr.Internal(err, "failed to load signers")
	}
	if !CanView(req, signers, caller) {
		return Detail{}, apperr.Authorization("you do not have access to this signature request")
	}
	fields, err := m.store.ListFields(ctx, id)
	if err != nil {
		return Detail{}, apperr.Internal(err, "failed to load fields")
	}
	return Detail{Request: req, Signers: signers, Fields: fields}, nil
}

// ListParams narrows ListRequests.
type ListParams struct {
	Page     int
	PageSize int
	Statuses []signature.RequestStatus
	View     string
	Search   string
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// maxListOffset bounds the row offset a page request may reach.
const maxListOffset = math.MaxInt32

// ListRequests lists the caller's sent requests, or with ViewReceived the
// requests the caller is a signer on.
func (m *Manager) ListRequests(ctx context.Context, caller signature.Actor, p ListParams) (Page[signature.Request], error) {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = m.limits.DefaultPageSize
	}
	if p.PageSize > m.limits.MaxPageSize {
		p.PageSize = m.limits.MaxPageSize
	}
	p.PageSize = max(p.PageSize, 1)
	if p.Page-1 > maxListOffset/p.PageSize {
		return Page[signature.Request]{}, apperr.Validation("page is out of range", map[string]any{"page": p.Page})
	}
	for _, s := range p.Statuses {
		if !s.Valid() {
			return Page[signature.Request]{}, apperr.Validation("unknown status filter", map[string]any{"status": s})
		}
	}

	filter := signature.ListFilter{
		Statuses: p.Statuses,
		Search:   strings.TrimSpace(p.Search),
		Limit:    p.PageSize,
		Offset:   (p.Page - 1) * p.PageSize,
	}
	empty := Page[signature.Request]{Items: []signature.Request{}, Page: p.Page, PageSize: p.PageSize}

	switch p.View {
	case "", ViewSent:
		if caller.UserID == "" {
			return empty, nil
		}
		filter.InitiatorID = caller.UserID
	case ViewReceived:
		ids, err := m.store.SignerRequestIDs(ctx, caller)
		if err != nil {
			return Page[signature.Request]{}, apperr.Internal(err, "failed to resolve received requests")
		}
		if len(ids) == 0 {
			return empty, nil
		}
		filter.IDs = ids
	default:
		return Page[signature.Request]{}, apperr.Validation("view must be sent or received", map[string]any{"view": p.View})
	}

	items, total, err := m.store.ListRequests(ctx, filter)
	if err != nil {
		return Page[signature.Request]{}, apperr.Internal(err, "failed to list signature requests")
	}
	return Page[signature.Request]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: (total + p.PageSize - 1) / p.PageSize,
	}, nil
}

// UpdateInput carries the editable descriptive fields.
type UpdateInput struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// UpdateRequest edits the descriptive fields of an open request.
func (m *Manager) UpdateRequest(ctx context.Context, id string, caller signature.Actor, in UpdateInput) (signature.Request, error) {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || len(title) > 255 {
			return signature.Request{}, apperr.Validation("title must be 1 to 255 characters", map[string]any{"field": "title"})
		}
		in.Title = &title
	}
	if in.Description != nil && len(*in.Description) > 2000 {
		return signature.Request{}, apperr.Validation("description must be at most 2000 characters", map[string]any{"field": "description"})
	}

	req, err := m.ownedRequest(ctx, id, caller)
	if err != nil {
		return signature.Request{}, err
	}
	if req.Status.IsTerminal() {
		return signature.Request{}, closedError(req)
	}

	updated, err := m.store.UpdateRequest(ctx, id, signature.RequestPatch{
		Title:       in.Title,
		Description: in.Description,
		Metadata:    in.Metadata,
	}, m.now())
	if err != nil {
		return signature.Request{}, transitionError(err, id)
	}

	changed := []string{}
	if in.Title != nil {
		changed = append(changed, "title")
	}
	if in.Description != nil {
		changed = append(changed, "description")
	}
	if in.Metadata != nil {
		changed = append(changed, "metadata")
	}
	m.audit.Action(ctx, id, caller.UserID, audit.ActionRequestUpdated, map[string]any{"fields": changed})
	return updated, nil
}

// CancelRequest moves an open request to cancelled and expires its open
// signers in the same store write.
func (m *Manager) CancelRequest(ctx context.Context, id string, caller signature.Actor, reason string) (signature.Request, error) {
	req, err := m.ownedRequest(ctx, id, caller)
	if err != nil {
		return signature.Request{}, err
	}
	if req.Status == signature.RequestCompleted {
		return signature.Request{}, apperr.Conflict("completed requests cannot be cancelled", map[string]any{"status": req.Status})
	}
	if req.Status.IsTerminal() {
		return signature.Request{}, closedError(req)
	}

	open, err := m.openSigners(ctx, id)
	if err != nil {
		return signature.Request{}, err
	}

	updated, err := m.store.TransitionRequest(ctx, signature.RequestTransition{
		RequestID:      id,
		From:           signature.OpenRequestStatuses,
		To:             signature.RequestCancelled,
		At:             m.now(),
		CloseSignersAs: signature.SignerExpired,
	})
	if err != nil {
		return signature.Request{}, transitionError(err, id)
	}

	reason = strings.TrimSpace(reason)
	m.audit.Action(ctx, id, caller.UserID, audit.ActionRequestCancelled, map[string]any{
		"reason":          reason,
		"previous_status": req.Status,
	})
	notify.Send(ctx, m.notifier, m.log, notify.Event{
		Type:       notify.TypeRequestCancelled,
		RequestID:  id,
		Recipients: open,
		Payload:    map[string]any{"title": req.Title, "reason": reason},
	})
	return updated, nil
}

// DeleteRequest soft deletes a request nobody has signed: the request and
// its open signers become cancelled.
func (m *Manager) DeleteRequest(ctx context.Context, id string, caller signature.Actor) error {
	req, err := m.ownedRequest(ctx, id, caller)
	if err != nil {
		return err
	}
	if req.CompletedSigners > 0 {
		return apperr.Conflict("requests with signatures cannot be deleted", map[string]any{"completed_signers": req.CompletedSigners}).
			WithSuggestion("Cancel the request instead")
	}
	if req.Status.IsTerminal() {
		return closedError(req)
	}

	if _, err := m.store.TransitionRequest(ctx, signature.RequestTransition{
		RequestID:      id,
		From:           signature.OpenRequestStatuses,
		To:             signature.RequestCancelled,
		At:             m.now(),
		CloseSignersAs: signature.SignerCancelled,
	}); err != nil {
		return transitionError(err, id)
	}

	m.audit.Action(ctx, id, caller.UserID, audit.ActionRequestDeleted, map[string]any{"previous_status": req.Status})
	return nil
}

func (m *Manager) ownedRequest(ctx context.Context, id string, caller signature.Actor) (signature.Request, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return signature.Request{}, LookupError(err, "signature request", id)
	}
	if !req.IsInitiator(caller) {
		return signature.Request{}, apperr.Authorization("only the initiator can modify this signature request")
	}
	return req, nil
}

func (m *Manager) openSigners(ctx context.Context, id string) ([]notify.Recipient, error) {
	signers, err := m.store.ListSigners(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load signers")
	}
	var out []notify.Recipient
	for _, s := range signers {
		if !s.Status.IsTerminal() {
			out = append(out, Recipient(s))
		}
	}
	return out, nil
}

// CanView reports whether the actor is the initiator or a bound signer.
func CanView(req signature.Request, signers []signature.Signer, a signature.Actor) bool {
	if req.IsInitiator(a) {
		return true
	}
	for _, s := range signers {
		if s.BoundTo(a) {
			return true
		}
	}
	return false
}

// Eligible returns the signers who may act now: every open signer for a
// parallel request, the lowest-order open signer for a sequential one.
func Eligible(req signature.Request, signers []signature.Signer) []notify.Recipient {
	var out []notify.Recipient
	for _, s := range signers {
		if s.Status.IsTerminal() {
			continue
		}
		out = append(out, Recipient(s))
		if req.SigningOrder == signature.OrderSequential {
			break
		}
	}
	return out
}

// Recipient converts a signer into a notification recipient.
func Recipient(s signature.Signer) notify.Recipient {
	r := notify.Recipient{Email: s.Email, Name: s.Name}
	if s.UserID != nil {
		r.UserID = *s.UserID
	}
	return r
}

// LookupError maps a store read failure to a workflow error.
func LookupError(err error, resource, id string) error {
	if errors.Is(err, signature.ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Internal(err, "failed to load "+resource)
}

func transitionError(err error, id string) error {
	switch {
	case errors.Is(err, signature.ErrNotFound):
		return apperr.NotFound("signature request", id)
	case errors.Is(err, signature.ErrStaleState):
		return apperr.Conflict("signature request was modified concurrently", map[string]any{"request_id": id})
	default:
		return apperr.Internal(err, "failed to update signature request")
	}
}

func closedError(req signature.Request) error {
	return apperr.Conflict(fmt.Sprintf("signature request is %s", req.Status), map[string]any{"status": req.Status})
}
