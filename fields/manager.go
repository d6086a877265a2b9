package fields

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signflow/apperr"
	"signflow/audit"
	"signflow/lifecycle"
	"signflow/signature"
)

type Manager struct {
	store       signature.Store
	audit       *audit.Logger
	log         *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewManager(store signature.Store, auditLog *audit.Logger, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		audit:       auditLog,
		log:         log,
		idGenerator: uuid.NewString,
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

// SaveFieldConfiguration replaces the field set of a request that is still
// being prepared. Fields without an id get one.
func (m *Manager) SaveFieldConfiguration(ctx context.Context, requestID string, caller signature.Actor, fields []Field) ([]Field, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, lifecycle.LookupError(err, "signature request", requestID)
	}
	if !req.IsInitiator(caller) {
		return nil, apperr.Authorization("only the initiator can configure fields")
	}
	if req.Status != signature.RequestInitiated || req.CompletedSigners > 0 {
		return nil, apperr.Conflict("fields can only be configured before signing starts", map[string]any{"status": req.Status})
	}

	signers, err := m.store.ListSigners(ctx, requestID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load signers")
	}
	if err := ValidateFieldAssignments(fields, signers); err != nil {
		return nil, err
	}

	out := make([]Field, len(fields))
	copy(out, fields)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = m.idGenerator()
		}
	}

	if err := m.store.ReplaceFields(ctx, requestID, out); err != nil {
		return nil, lifecycle.LookupError(err, "signature request", requestID)
	}

	m.audit.Action(ctx, requestID, caller.UserID, audit.ActionFieldsSaved, map[string]any{"count": len(out)})
	return out, nil
}
