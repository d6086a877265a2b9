// Package signing coordinates individual signer actions: signing, status
// updates and the sequential-order permission check. Completion counting is
// delegated to a single conditional store write so concurrent signers can
// never double count.
package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"signflow/apperr"
	"signflow/audit"
	"signflow/notify"
	"signflow/signature"
	"signflow/totp"
)

// Signature capture methods accepted by Sign.
const (
	MethodDrawn    = "drawn"
	MethodTyped    = "typed"
	MethodUploaded = "uploaded"
)

// Coordinator implements the signer-facing operations.
type Coordinator struct {
	store    signature.Store
	audit    *audit.Logger
	notifier notify.Notifier
	verifier totp.Verifier
	log      *slog.Logger
	now      func() time.Time
}

// NewCoordinator builds a Coordinator. verifier may be nil when no request
// requires TOTP; a TOTP-protected sign then fails as an internal error.
func NewCoordinator(store signature.Store, auditLog *audit.Logger, notifier notify.Notifier, verifier totp.Verifier, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:    store,
		audit:    auditLog,
		notifier: notifier,
		verifier: verifier,
		log:      log,
		now:      time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// SignInput carries a signing attempt.
type SignInput struct {
	RequestID     string
	SignerID      string
	Actor         signature.Actor
	SignatureData string
	Method        string
	TOTPCode      string
	IPAddress     string
	UserAgent     string
	Location      string
}

// SignOutcome is the state after a successful sign.
type SignOutcome struct {
	Request   signature.Request `json:"request"`
	Signer    signature.Signer  `json:"signer"`
	Completed bool              `json:"completed"`
}

// Sign records a signature. Preconditions are checked in a fixed order so
// the caller always sees the most fundamental failure first.
func (c *Coordinator) Sign(ctx context.Context, in SignInput) (SignOutcome, error) {
	req, signer, err := c.load(ctx, in.RequestID, in.SignerID)
	if err != nil {
		return SignOutcome{}, err
	}

	now := c.now()
	if err := checkRequestOpen(req, now); err != nil {
		return SignOutcome{}, err
	}
	if signer.Status == signature.SignerSigned {
		return SignOutcome{}, apperr.Conflict("signer has already signed", map[string]any{"signer_id": signer.ID})
	}
	if signer.Status.IsTerminal() {
		return SignOutcome{}, apperr.Conflict(fmt.Sprintf("signer is %s", signer.Status), map[string]any{"signer_id": signer.ID, "status": signer.Status})
	}
	if !signer.BoundTo(in.Actor) {
		return SignOutcome{}, apperr.Authorization("you are not the assigned signer")
	}
	if req.SigningOrder == signature.OrderSequential {
		blocking, err := c.blockingSigner(ctx, req.ID, signer)
		if err != nil {
			return SignOutcome{}, err
		}
		if blocking != nil {
			return SignOutcome{}, notYourTurn(*blocking)
		}
	}
	if req.RequireTOTP {
		if err := c.verifyTOTP(ctx, in, signer); err != nil {
			return SignOutcome{}, err
		}
	}
	if strings.TrimSpace(in.SignatureData) == "" {
		return SignOutcome{}, apperr.Validation("signature data is required", map[string]any{"field": "signature_data"})
	}
	switch in.Method {
	case MethodDrawn, MethodTyped, MethodUploaded:
	default:
		return SignOutcome{}, apperr.Validation("signature method must be drawn, typed or uploaded", map[string]any{"field": "method", "value": in.Method})
	}

	sum := blake2b.Sum256([]byte(in.SignatureData))
	updated, signed, err := c.store.CompleteSigner(ctx, signer.ID, signature.SignatureRecord{
		Data:      in.SignatureData,
		Method:    in.Method,
		Hash:      hex.EncodeToString(sum[:]),
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Location:  in.Location,
		SignedAt:  now,
	})
	if err != nil {
		return SignOutcome{}, completeError(err, signer.ID)
	}

	completed := updated.Status == signature.RequestCompleted
	c.audit.Record(ctx, signature.AuditEntry{
		RequestID: req.ID,
		ActorID:   in.Actor.UserID,
		Action:    audit.ActionSignerSigned,
		Details: map[string]any{
			"signer_id":         signed.ID,
			"method":            in.Method,
			"completed_signers": updated.CompletedSigners,
			"total_signers":     updated.TotalSigners,
		},
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})

	if completed {
		c.audit.Action(ctx, req.ID, in.Actor.UserID, audit.ActionRequestCompleted, nil)
		notify.Send(ctx, c.notifier, c.log, notify.Event{
			Type:       notify.TypeRequestCompleted,
			RequestID:  req.ID,
			Recipients: []notify.Recipient{{UserID: req.InitiatorID, Email: req.InitiatorEmail}},
			Payload:    map[string]any{"title": req.Title},
		})
	} else if req.SigningOrder == signature.OrderSequential {
		c.notifyNext(ctx, updated, signed.SigningOrder)
	}

	return SignOutcome{Request: updated, Signer: signed, Completed: completed}, nil
}

// ValidateSigningPermission reports whether the signer may sign now with
// respect to signing order. Parallel requests always permit.
func (c *Coordinator) ValidateSigningPermission(ctx context.Context, requestID, signerID string) (bool, error) {
	req, signer, err := c.load(ctx, requestID, signerID)
	if err != nil {
		return false, err
	}
	if req.SigningOrder != signature.OrderSequential {
		return true, nil
	}
	blocking, err := c.blockingSigner(ctx, req.ID, signer)
	if err != nil {
		return false, err
	}
	return blocking == nil, nil
}

// StatusExtra carries optional data stored with a status change. When Actor
// is set the caller must be the signer itself, or the initiator marking the
// signer as sent.
type StatusExtra struct {
	Actor         *signature.Actor
	DeclineReason string
	IPAddress     string
	UserAgent     string
	Location      string
}

// UpdateSignerStatus moves a signer along its status graph. Signing is not
// accepted here; it must go through Sign.
func (c *Coordinator) UpdateSignerStatus(ctx context.Context, signerID string, status signature.SignerStatus, extra StatusExtra) (signature.Signer, error) {
	switch status {
	case signature.SignerSigned:
		return signature.Signer{}, apperr.Validation("use the sign operation to record a signature", map[string]any{"status": status})
	case signature.SignerSent, signature.SignerViewed, signature.SignerDeclined, signature.SignerExpired, signature.SignerCancelled:
	default:
		return signature.Signer{}, apperr.Validation("unknown signer status", map[string]any{"status": status})
	}

	signer, err := c.store.GetSigner(ctx, signerID)
	if err != nil {
		return signature.Signer{}, lookupError(err, "signer", signerID)
	}
	req, err := c.store.GetRequest(ctx, signer.RequestID)
	if err != nil {
		return signature.Signer{}, lookupError(err, "signature request", signer.RequestID)
	}

	if extra.Actor != nil {
		// expired and cancelled are only reached through request cascades.
		if status == signature.SignerExpired || status == signature.SignerCancelled {
			return signature.Signer{}, apperr.Authorization(fmt.Sprintf("signers cannot be moved to %s directly", status))
		}
		allowed :=signer.BoundTo(*extra.Actor) || (status == signature.SignerSent && req.IsInitiator(*extra.Actor))
		if !allowed {
			return signature.Signer{}, apperr.Authorization("you may not change this signer's status")
		}
	}

	if signer.Status == status && (status == signature.SignerSent || status == signature.SignerViewed) {
		return signer, nil
	}
	if !signature.CanTransitionSigner(signer.Status, status) {
		return signature.Signer{}, apperr.Validation(
			fmt.Sprintf("signer cannot move from %s to %s", signer.Status, status),
			map[string]any{"from": signer.Status, "to": status},
		)
	}
	if req.Status.IsTerminal() {
		return signature.Signer{}, apperr.Conflict(fmt.Sprintf("request is %s", req.Status), map[string]any{"status": req.Status})
	}

	updated, err := c.store.TransitionSigner(ctx, signer.ID, signature.SignerSourcesFor(status), status, signature.StatusChange{
		At:            c.now(),
		DeclineReason: strings.TrimSpace(extra.DeclineReason),
		IPAddress:     extra.IPAddress,
		UserAgent:     extra.UserAgent,
		Location:      extra.Location,
	})
	if err != nil {
		if !errors.Is(err, signature.ErrStaleState) {
			return signature.Signer{}, lookupError(err, "signer", signer.ID)
		}
		current, getErr := c.store.GetSigner(ctx, signer.ID)
		if getErr == nil && current.Status == status && (status == signature.SignerSent || status == signature.SignerViewed) {
			return current, nil
		}
		return signature.Signer{}, apperr.Conflict("signer was modified concurrently", map[string]any{"signer_id": signer.ID})
	}

	actorID := ""
	if extra.Actor != nil {
		actorID = extra.Actor.UserID
	}
	c.audit.Record(ctx, signature.AuditEntry{
		RequestID: req.ID,
		ActorID:   actorID,
		Action:    audit.ActionSignerStatus,
		Details: map[string]any{
			"signer_id": signer.ID,
			"from":      signer.Status,
			"to":        status,
		},
		IPAddress: extra.IPAddress,
		UserAgent: extra.UserAgent,
	})

	if status == signature.SignerDeclined {
		notify.Send(ctx, c.notifier, c.log, notify.Event{
			Type:       notify.TypeSignerDeclined,
			RequestID:  req.ID,
			Recipients: []notify.Recipient{{UserID: req.InitiatorID, Email: req.InitiatorEmail}},
			Payload:    map[string]any{"signer_email": signer.Email, "reason": updated.DeclineReason},
		})
	}
	return updated, nil
}

func (c *Coordinator) load(ctx context.Context, requestID, signerID string) (signature.Request, signature.Signer, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return signature.Request{}, signature.Signer{}, lookupError(err, "signature request", requestID)
	}
	signer, err := c.store.GetSigner(ctx, signerID)
	if err != nil {
		return signature.Request{}, signature.Signer{}, lookupError(err, "signer", signerID)
	}
	if signer.RequestID != req.ID {
		return signature.Request{}, signature.Signer{}, apperr.NotFound("signer", signerID)
	}
	return req, signer, nil
}

// blockingSigner returns the first lower-order signer that has not signed,
// reading the signer set fresh from the store.
func (c *Coordinator) blockingSigner(ctx context.Context, requestID string, signer signature.Signer) (*signature.Signer, error) {
	signers, err := c.store.ListSigners(ctx, requestID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load signers")
	}
	for _, s := range signers {
		if s.SigningOrder < signer.SigningOrder && s.Status != signature.SignerSigned {
			return &s, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) verifyTOTP(ctx context.Context, in SignInput, signer signature.Signer) error {
	code := strings.TrimSpace(in.TOTPCode)
	if code == "" {
		return apperr.Validation("a TOTP code is required to sign this request", map[string]any{"field": "totp_code"})
	}
	if c.verifier == nil {
		return apperr.Internal(nil, "TOTP verification is not configured")
	}
	userID := in.Actor.UserID
	if userID == "" && signer.UserID != nil {
		userID = *signer.UserID
	}
	ok, err := c.verifier.Verify(ctx, userID, code, totp.PurposeSignature)
	if err != nil {
		return apperr.Internal(err, "TOTP verification failed")
	}
	if !ok {
		return apperr.Validation("invalid TOTP code", map[string]any{"field": "totp_code"}).
			WithSuggestion("Enter the current code from your authenticator app")
	}
	return nil
}

func (c *Coordinator) notifyNext(ctx context.Context, req signature.Request, after int) {
	signers, err := c.store.ListSigners(ctx, req.ID)
	if err != nil {
		c.log.WarnContext(ctx, "load next signer failed", slog.String("request_id", req.ID), slog.Any("error", err))
		return
	}
	for _, s := range signers {
		if s.SigningOrder <= after || s.Status.IsTerminal() {
			continue
		}
		notify.Send(ctx, c.notifier, c.log, notify.Event{
			Type:       notify.TypeYourTurn,
			RequestID:  req.ID,
			Recipients: []notify.Recipient{recipient(s)},
			Payload:    map[string]any{"title": req.Title, "signer_id": s.ID},
		})
		return
	}
}

func recipient(s signature.Signer) notify.Recipient {
	r := notify.Recipient{Email: s.Email, Name: s.Name}
	if s.UserID != nil {
		r.UserID = *s.UserID
	}
	return r
}

func checkRequestOpen(req signature.Request, now time.Time) error {
	if req.Status == signature.RequestExpired || (!req.Status.IsTerminal() && !now.Before(req.ExpiresAt)) {
		return apperr.Expired("signature request has expired").WithDetail("expires_at", req.ExpiresAt)
	}
	if req.Status.IsTerminal() {
		return apperr.Conflict(fmt.Sprintf("signature request is %s", req.Status), map[string]any{"status": req.Status})
	}
	return nil
}

func notYourTurn(blocking signature.Signer) error {
	return apperr.Authorization("it is not your turn to sign").
		WithDetail("waiting_for_order", blocking.SigningOrder).
		WithSuggestion("Wait for the previous signers to complete")
}

func lookupError(err error, resource, id string) error {
	if errors.Is(err, signature.ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Internal(err, "failed to load "+resource)
}

func completeError(err error, signerID string) error {
	switch {
	case errors.Is(err, signature.ErrStaleState):
		return apperr.Conflict("signer has already signed", map[string]any{"signer_id": signerID})
	case errors.Is(err, signature.ErrRequestClosed):
		return apperr.Conflict("signature request is no longer open", map[string]any{"signer_id": signerID})
	case errors.Is(err, signature.ErrRequestExpired):
		return apperr.Expired("signature request has expired")
	case errors.Is(err, signature.ErrOutOfTurn):
		return apperr.Authorization("it is not your turn to sign").WithSuggestion("Wait for the previous signers to complete")
	case errors.Is(err, signature.ErrNotFound):
		return apperr.NotFound("signer", signerID)
	default:
		return apperr.Internal(err, "failed to record signature")
	}
}
