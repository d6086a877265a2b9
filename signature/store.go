// Package signature holds the signature request domain model, its status
// graphs, and the persistence port used by the workflow services together
// with Postgres and in-memory adapters.
package signature

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for the identifier.
	ErrNotFound = errors.New("signature: not found")
	// ErrStaleState signals a conditional update whose status guard did not
	// match the current row.
	ErrStaleState = errors.New("signature: stale state")
	// ErrRequestClosed signals the request is terminal or its counter is full.
	ErrRequestClosed = errors.New("signature: request closed")
	// ErrRequestExpired signals the request expiry passed before the write.
	ErrRequestExpired = errors.New("signature: request expired")
	// ErrOutOfTurn signals a lower-order signer of a sequential request has
	// not signed yet.
	ErrOutOfTurn = errors.New("signature: signer out of turn")
	// ErrDuplicate signals a unique constraint violation.
	ErrDuplicate = errors.New("signature: duplicate")
)

// RequestTransition describes a guarded request status change. When
// CloseSignersAs is set, every open signer of the request moves to that
// status in the same unit of work.
type RequestTransition struct {
	RequestID      string
	From           []RequestStatus
	To             RequestStatus
	At             time.Time
	CloseSignersAs SignerStatus
}

// Store is the persistence port of the workflow engine. Every status write
// is conditioned on the current status so callers never read-modify-write.
type Store interface {
	InsertRequest(ctx context.Context, req Request) (Request, error)
	InsertSigners(ctx context.Context, signers []Signer) ([]Signer, error)
	// DeleteRequest removes a request that was never fully created. It is
	// the compensation step of request creation, not a user operation.
	DeleteRequest(ctx context.Context, id string) error
	GetRequest(ctx context.Context, id string) (Request, error)
	ListRequests(ctx context.Context, filter ListFilter) ([]Request, int, error)
	UpdateRequest(ctx context.Context, id string, patch RequestPatch, at time.Time) (Request, error)
	TransitionRequest(ctx context.Context, t RequestTransition) (Request, error)
	// ExtendExpiration moves expires_at forward. The write only applies when
	// the request is open and expiresAt is later than the stored value.
	ExtendExpiration(ctx context.Context, id string, expiresAt, at time.Time) (Request, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Request, error)
	ListExpiringWithin(ctx context.Context, now, horizon time.Time) ([]Request, error)
	// RecordWarning stores a (request, window) warning once. It reports
	// false when the warning was already recorded.
	RecordWarning(ctx context.Context, requestID string, windowDays int, at time.Time) (bool, error)

	GetSigner(ctx context.Context, id string) (Signer, error)
	ListSigners(ctx context.Context, requestID string) ([]Signer, error)
	SignerRequestIDs(ctx context.Context, actor Actor) ([]string, error)
	// CompleteSigner marks the signer signed and advances the request's
	// completion counter with a single conditional increment; reaching the
	// total completes the request in the same step.
	CompleteSigner(ctx context.Context, signerID string, rec SignatureRecord) (Request, Signer, error)
	TransitionSigner(ctx context.Context, signerID string, from []SignerStatus, to SignerStatus, change StatusChange) (Signer, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, requestID string) ([]AuditEntry, error)

	ReplaceFields(ctx context.Context, requestID string, fields []Field) error
	ListFields(ctx context.Context, requestID string) ([]Field, error)
}
