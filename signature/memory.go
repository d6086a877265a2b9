package signature

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store held in process memory. It honours the same
// conditional-write contract as PGStore and serves tests and single-process
// development runs.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]Request
	signers  map[string]Signer
	audit    []AuditEntry
	fields   map[string][]Field
	warnings map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]Request),
		signers:  make(map[string]Signer),
		fields:   make(map[string][]Field),
		warnings: make(map[string]struct{}),
	}
}

func cloneRequest(r Request) Request {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func (m *MemoryStore) InsertRequest(_ context.Context, req Request) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := m.requests[req.ID]; exists {
		return Request{}, ErrDuplicate
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (m *MemoryStore) InsertSigners(_ context.Context, signers []Signer) ([]Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		if _, ok := m.requests[s.RequestID]; !ok {
			return nil, fmt.Errorf("signature: insert signer: request %s: %w", s.RequestID, ErrNotFound)
		}
		key := fmt.Sprintf("%s/%d", s.RequestID, s.SigningOrder)
		if _, dup := seen[key]; dup {
			return nil, ErrDuplicate
		}
		seen[key] = struct{}{}
	}

	out := make([]Signer, 0, len(signers))
	for _, s := range signers {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.Status == "" {
			s.Status = SignerPending
		}
		m.signers[s.ID] = s
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[id]; !ok {
		return ErrNotFound
	}
	delete(m.requests, id)
	for sid, s := range m.signers {
		if s.RequestID == id {
			delete(m.signers, sid)
		}
	}
	delete(m.fields, id)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, filter ListFilter) ([]Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids map[string]struct{}
	if filter.IDs != nil {
		ids = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = struct{}{}
		}
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	matched := make([]Request, 0)
	for _, r := range m.requests {
		if filter.InitiatorID != "" && r.InitiatorID != filter.InitiatorID {
			continue
		}
		if ids != nil {
			if _, ok := ids[r.ID]; !ok {
				continue
			}
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Title), search) &&
			!strings.Contains(strings.ToLower(r.Description), search) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	page := make([]Request, 0, end-start)
	for _, r := range matched[start:end] {
		page = append(page, cloneRequest(r))
	}
	return page, total, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, id string, patch RequestPatch, at time.Time) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status.IsTerminal() {
		return Request{}, ErrStaleState
	}
	if patch.Title != nil {
		req.Title = *patch.Title
	}
	if patch.Description != nil {
		req.Description = *patch.Description
	}
	if patch.Metadata != nil {
		req.Metadata = maps.Clone(patch.Metadata)
	}
	req.UpdatedAt = at
	m.requests[id] = req
	return cloneRequest(req), nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, t RequestTransition) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[t.RequestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if !slices.Contains(t.From, req.Status) {
		return Request{}, ErrStaleState
	}

	req.Status = t.To
	req.UpdatedAt = t.At
	if t.To == RequestCancelled {
		at := t.At
		req.CancelledAt = &at
	}
	m.requests[req.ID] = req

	if t.CloseSignersAs != "" {
		for id, s := range m.signers {
			if s.RequestID == req.ID && !s.Status.IsTerminal() {
				s.Status = t.CloseSignersAs
				m.signers[id] = s
			}
		}
	}
	return cloneRequest(req), nil
}

func (m *MemoryStore) ExtendExpiration(_ context.Context, id string, expiresAt, at time.Time) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status.IsTerminal() || !expiresAt.After(req.ExpiresAt) {
		return Request{}, ErrStaleState
	}
	req.ExpiresAt = expiresAt
	req.UpdatedAt = at
	m.requests[id] = req
	return cloneRequest(req), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, r := range m.requests {
		if !r.Status.IsTerminal() && !r.ExpiresAt.After(now) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiringWithin(_ context.Context, now, horizon time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, r := range m.requests {
		if !r.Status.IsTerminal() && r.ExpiresAt.After(now) && !r.ExpiresAt.After(horizon) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) RecordWarning(_ context.Context, requestID string, windowDays int, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s/%d", requestID, windowDays)
	if _, ok := m.warnings[key]; ok {
		return false, nil
	}
	m.warnings[key] = struct{}{}
	return true, nil
}

func (m *MemoryStore) GetSigner(_ context.Context, id string) (Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signers[id]
	if !ok {
		return Signer{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSigners(_ context.Context, requestID string) ([]Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.signersOf(requestID), nil
}

func (m *MemoryStore) signersOf(requestID string) []Signer {
	out := make([]Signer, 0)
	for _, s := range m.signers {
		if s.RequestID == requestID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SigningOrder < out[j].SigningOrder })
	return out
}

func (m *MemoryStore) SignerRequestIDs(_ context.Context, actor Actor) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range m.signers {
		if !s.BoundTo(actor) {
			continue
		}
		if _, ok := seen[s.RequestID]; ok {
			continue
		}
		seen[s.RequestID] = struct{}{}
		out = append(out, s.RequestID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) CompleteSigner(_ context.Context, signerID string, rec SignatureRecord) (Request, Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signers[signerID]
	if !ok {
		return Request{}, Signer{}, ErrNotFound
	}
	req, ok := m.requests[s.RequestID]
	if !ok {
		return Request{}, Signer{}, ErrNotFound
	}
	if req.Status.IsTerminal() {
		return Request{}, Signer{}, ErrRequestClosed
	}
	if !req.ExpiresAt.After(rec.SignedAt) {
		return Request{}, Signer{}, ErrRequestExpired
	}
	if s.Status.IsTerminal() {
		return Request{}, Signer{}, ErrStaleState
	}
	if req.SigningOrder == OrderSequential {
		for _, other := range m.signersOf(req.ID) {
			if other.SigningOrder < s.SigningOrder && other.Status != SignerSigned {
				return Request{}, Signer{}, ErrOutOfTurn
			}
		}
	}
	if req.CompletedSigners >= req.TotalSigners {
		return Request{}, Signer{}, ErrRequestClosed
	}

	signedAt := rec.SignedAt
	s.Status = SignerSigned
	s.SignedAt = &signedAt
	s.SignatureData = rec.Data
	s.SignatureMethod = rec.Method
	s.SignatureHash = rec.Hash
	s.IPAddress = rec.IPAddress
	s.UserAgent = rec.UserAgent
	s.Location = rec.Location
	m.signers[s.ID] = s

	req.CompletedSigners++
	req.UpdatedAt = signedAt
	if req.CompletedSigners == req.TotalSigners {
		req.Status = RequestCompleted
		req.CompletedAt = &signedAt
	} else {
		req.Status = RequestInProgress
	}
	m.requests[req.ID] = req

	return cloneRequest(req), s, nil
}

func (m *MemoryStore) TransitionSigner(_ context.Context, signerID string, from []SignerStatus, to SignerStatus, change StatusChange) (Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signers[signerID]
	if !ok {
		return Signer{}, ErrNotFound
	}
	if !slices.Contains(from, s.Status) {
		return Signer{}, ErrStaleState
	}

	at := change.At
	switch to {
	case SignerSent:
		s.SentAt = &at
	case SignerViewed:
		if s.ViewedAt == nil {
			s.ViewedAt = &at
			if req, ok := m.requests[s.RequestID]; ok {
				req.ViewedSigners++
				req.UpdatedAt = at
				m.requests[req.ID] = req
			}
		}
	case SignerDeclined:
		s.DeclinedAt = &at
		s.DeclineReason = change.DeclineReason
	}
	if change.IPAddress != "" {
		s.IPAddress = change.IPAddress
	}
	if change.UserAgent != "" {
		s.UserAgent = change.UserAgent
	}
	if change.Location != "" {
		s.Location = change.Location
	}
	s.Status = to
	m.signers[s.ID] = s
	return s, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = int64(len(m.audit) + 1)
	entry.Details = maps.Clone(entry.Details)
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, requestID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AuditEntry, 0)
	for _, e := range m.audit {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ReplaceFields(_ context.Context, requestID string, fields []Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[requestID]; !ok {
		return ErrNotFound
	}
	m.fields[requestID] = slices.Clone(fields)
	return nil
}

func (m *MemoryStore) ListFields(_ context.Context, requestID string) ([]Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.fields[requestID]), nil
}
