package signature

import (
	"strings"
	"time"
)

// RequestStatus is the lifecycle state of a signature request.
type RequestStatus string

const (
	RequestInitiated  RequestStatus = "initiated"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestExpired    RequestStatus = "expired"
	RequestCancelled  RequestStatus = "cancelled"
)

// OpenRequestStatuses lists the non-terminal request statuses.
var OpenRequestStatuses = []RequestStatus{RequestInitiated, RequestInProgress}

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestCompleted, RequestExpired, RequestCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestInitiated, RequestInProgress, RequestCompleted, RequestExpired, RequestCancelled:
		return true
	default:
		return false
	}
}

// SignerStatus is the state of an individual signer.
type SignerStatus string

const (
	SignerPending   SignerStatus = "pending"
	SignerSent      SignerStatus = "sent"
	SignerViewed    SignerStatus = "viewed"
	SignerSigned    SignerStatus = "signed"
	SignerDeclined  SignerStatus = "declined"
	SignerExpired   SignerStatus = "expired"
	SignerCancelled SignerStatus = "cancelled"
)

// OpenSignerStatuses lists the non-terminal signer statuses.
var OpenSignerStatuses = []SignerStatus{SignerPending, SignerSent, SignerViewed}

// IsTerminal reports whether the signer can no longer change state.
func (s SignerStatus) IsTerminal() bool {
	switch s {
	case SignerSigned, SignerDeclined, SignerExpired, SignerCancelled:
		return true
	default:
		return false
	}
}

// SignatureType distinguishes single-signer from multi-signer requests.
type SignatureType string

const (
	TypeSingle SignatureType = "single"
	TypeMulti  SignatureType = "multi"
)

// SigningOrder controls whether signers must sign in turn.
type SigningOrder string

const (
	OrderSequential SigningOrder = "sequential"
	OrderParallel   SigningOrder = "parallel"
)

// Actor is an authenticated caller. Either field may identify a signer.
type Actor struct {
	UserID string
	Email  string
}

// Request mirrors the signature_requests table.
type Request struct {
	ID               string         `json:"id"`
	DocumentRef      string         `json:"document_ref"`
	InitiatorID      string         `json:"initiator_id"`
	InitiatorEmail   string         `json:"initiator_email,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	SignatureType    SignatureType  `json:"signature_type"`
	SigningOrder     SigningOrder   `json:"signing_order"`
	Status           RequestStatus  `json:"status"`
	TotalSigners     int            `json:"total_signers"`
	CompletedSigners int            `json:"completed_signers"`
	ViewedSigners    int            `json:"viewed_signers"`
	RequireTOTP      bool           `json:"require_totp"`
	ExpiresAt        time.Time      `json:"expires_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CancelledAt      *time.Time     `json:"cancelled_at,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// IsInitiator reports whether a is the request initiator.
func (r Request) IsInitiator(a Actor) bool {
	return a.UserID != "" && a.UserID == r.InitiatorID
}

// Signer mirrors the signers table.
type Signer struct {
	ID              string       `json:"id"`
	RequestID       string       `json:"request_id"`
	UserID          *string      `json:"user_id,omitempty"`
	Email           string       `json:"email"`
	Name            string       `json:"name,omitempty"`
	SigningOrder    int          `json:"signing_order"`
	Status          SignerStatus `json:"status"`
	SignatureData   string       `json:"-"`
	SignatureMethod string       `json:"signature_method,omitempty"`
	SignatureHash   string       `json:"signature_hash,omitempty"`
	SentAt          *time.Time   `json:"sent_at,omitempty"`
	ViewedAt        *time.Time   `json:"viewed_at,omitempty"`
	SignedAt        *time.Time   `json:"signed_at,omitempty"`
	DeclinedAt      *time.Time   `json:"declined_at,omitempty"`
	DeclineReason   string       `json:"decline_reason,omitempty"`
	IPAddress       string       `json:"ip_address,omitempty"`
	UserAgent       string       `json:"user_agent,omitempty"`
	Location        string       `json:"location,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// BoundTo reports whether the signer is bound to the actor, by internal id
// or by email (case-insensitive).
func (s Signer) BoundTo(a Actor) bool {
	if s.UserID != nil && *s.UserID != "" && *s.UserID == a.UserID {
		return true
	}
	return a.Email != "" && strings.EqualFold(strings.TrimSpace(s.Email), strings.TrimSpace(a.Email))
}

// AuditEntry is an immutable record of an action taken on a request.
type AuditEntry struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Field is a placement of an input on a document page. Coordinates are
// percentages of the page dimensions.
type Field struct {
	ID       string  `json:"id"`
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Type     string  `json:"type"`
	Required bool    `json:"required"`
	SignerID string  `json:"signer_id,omitempty"`
	Label    string  `json:"label,omitempty"`
}

// ListFilter narrows ListRequests. A non-nil IDs restricts the result to
// those ids; an empty non-nil slice matches nothing.
type ListFilter struct {
	InitiatorID string
	IDs         []string
	Statuses    []RequestStatus
	Search      string
	Limit       int
	Offset      int
}

// RequestPatch carries the mutable descriptive fields of a request.
type RequestPatch struct {
	Title       *string
	Description *string
	Metadata    map[string]any
}

// SignatureRecord carries the data persisted when a signer signs.
type SignatureRecord struct {
	Data      string
	Method    string
	Hash      string
	IPAddress string
	UserAgent string
	Location  string
	SignedAt  time.Time
}

// StatusChange carries the data persisted with a signer status change.
type StatusChange struct {
	At            time.Time
	DeclineReason string
	IPAddress     string
	UserAgent     string
	Location      string
}
