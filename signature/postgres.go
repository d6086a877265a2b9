package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `id, document_ref, initiator_id, initiator_email, title, description,
    signature_type, signing_order, status, total_signers, completed_signers, viewed_signers,
    require_totp, expires_at, created_at, updated_at, completed_at, cancelled_at, metadata`

const signerColumns = `id, request_id, user_id, email, name, signing_order, status,
    signature_data, signature_method, signature_hash, sent_at, viewed_at, signed_at,
    declined_at, decline_reason, ip_address, user_agent, location, created_at`

// PGStore implements Store on Postgres. Conditional writes run as guarded
// UPDATE statements inside a transaction holding the request row lock.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an open pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InsertRequest(ctx context.Context, req Request) (Request, error) {
	metadata, err := marshalJSON(req.Metadata)
	if err != nil {
		return Request{}, err
	}

	query := `
        INSERT INTO signature_requests (id, document_ref, initiator_id, initiator_email, title, description,
            signature_type, signing_order, status, total_signers, completed_signers, viewed_signers,
            require_totp, expires_at, created_at, updated_at, metadata)
        VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
            $13, $14, $15, $15, $16::jsonb)
        RETURNING ` + requestColumns

	row := s.pool.QueryRow(ctx, query,
		req.ID,
		req.DocumentRef,
		req.InitiatorID,
		req.InitiatorEmail,
		req.Title,
		req.Description,
		string(req.SignatureType),
		string(req.SigningOrder),
		string(req.Status),
		req.TotalSigners,
		req.CompletedSigners,
		req.ViewedSigners,
		req.RequireTOTP,
		req.ExpiresAt,
		req.CreatedAt,
		metadata,
	)
	out, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Request{}, ErrDuplicate
		}
		return Request{}, fmt.Errorf("signature: insert request: %w", err)
	}
	return out, nil
}

func (s *PGStore) InsertSigners(ctx context.Context, signers []Signer) ([]Signer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("signature: begin insert signers: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO signers (id, request_id, user_id, email, name, signing_order, status, created_at)
        VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + signerColumns

	out := make([]Signer, 0, len(signers))
	for _, sg := range signers {
		status := sg.Status
		if status == "" {
			status = SignerPending
		}
		row := tx.QueryRow(ctx, query, sg.ID, sg.RequestID, sg.UserID, sg.Email, sg.Name, sg.SigningOrder, string(status), sg.CreatedAt)
		inserted, err := scanSigner(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case "23505":
					return nil, ErrDuplicate
				case "23503":
					return nil, fmt.Errorf("signature: insert signer: request %s: %w", sg.RequestID, ErrNotFound)
				}
			}
			return nil, fmt.Errorf("signature: insert signer: %w", err)
		}
		out = append(out, inserted)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("signature: commit insert signers: %w", err)
	}
	return out, nil
}

func (s *PGStore) DeleteRequest(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM signature_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("signature: delete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetRequest(ctx context.Context, id string) (Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("signature: get request: %w", err)
	}
	return req, nil
}

func (s *PGStore) ListRequests(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return []Request{}, 0, nil
	}

	where := []string{"1=1"}
	args := []any{}

	if filter.InitiatorID != "" {
		where = append(where, fmt.Sprintf("initiator_id = $%d", len(args)+1))
		args = append(args, filter.InitiatorID)
	}
	if filter.IDs != nil {
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)+1))
		args = append(args, filter.IDs)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)+1))
		args = append(args, requestStatusStrings(filter.Statuses))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		n := len(args) + 1
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", n, n))
		args = append(args, "%"+escapeLike(search)+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	query := `SELECT ` + requestColumns + ` FROM signature_requests` + whereClause + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("signature: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("signature: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("signature: iterate list: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM signature_requests`+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("signature: count list: %w", err)
	}
	return list, total, nil
}

func (s *PGStore) UpdateRequest(ctx context.Context, id string, patch RequestPatch, at time.Time) (Request, error) {
	var metadata any
	if patch.Metadata != nil {
		b, err := marshalJSON(patch.Metadata)
		if err != nil {
			return Request{}, err
		}
		metadata = b
	}

	query := `
        UPDATE signature_requests
        SET title = COALESCE($2, title),
            description = COALESCE($3, description),
            metadata = COALESCE($4::jsonb, metadata),
            updated_at = $5
        WHERE id = $1 AND status = ANY($6)
        RETURNING ` + requestColumns

	row := s.pool.QueryRow(ctx, query, id, patch.Title, patch.Description, metadata, at, requestStatusStrings(OpenRequestStatuses))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, s.missingOrStale(ctx, s.pool, id)
		}
		return Request{}, fmt.Errorf("signature: update request: %w", err)
	}
	return req, nil
}

func (s *PGStore) TransitionRequest(ctx context.Context, t RequestTransition) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signature: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        UPDATE signature_requests
        SET status = $2::text,
            updated_at = $3,
            cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END
        WHERE id = $1 AND status = ANY($4)
        RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query, t.RequestID, string(t.To), t.At, requestStatusStrings(t.From))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, s.missingOrStale(ctx, tx, t.RequestID)
		}
		return Request{}, fmt.Errorf("signature: transition request: %w", err)
	}

	if t.CloseSignersAs != "" {
		if _, err := tx.Exec(ctx, `
            UPDATE signers SET status = $2
            WHERE request_id = $1 AND status = ANY($3)
        `, t.RequestID, string(t.CloseSignersAs), signerStatusStrings(OpenSignerStatuses)); err != nil {
			return Request{}, fmt.Errorf("signature: close signers: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signature: commit transition: %w", err)
	}
	return req, nil
}

func (s *PGStore) ExtendExpiration(ctx context.Context, id string, expiresAt, at time.Time) (Request, error) {
	query := `
        UPDATE signature_requests
        SET expires_at = $2, updated_at = $3
        WHERE id = $1 AND status = ANY($4) AND expires_at < $2
        RETURNING ` + requestColumns

	row := s.pool.QueryRow(ctx, query, id, expiresAt, at, requestStatusStrings(OpenRequestStatuses))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, s.missingOrStale(ctx, s.pool, id)
		}
		return Request{}, fmt.Errorf("signature: extend expiration: %w", err)
	}
	return req, nil
}

func (s *PGStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM signature_requests
        WHERE status = ANY($1) AND expires_at <= $2
        ORDER BY expires_at`
	args := []any{requestStatusStrings(OpenRequestStatuses), now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryRequests(ctx, "list overdue", query, args...)
}

func (s *PGStore) ListExpiringWithin(ctx context.Context, now, horizon time.Time) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM signature_requests
        WHERE status = ANY($1) AND expires_at > $2 AND expires_at <= $3
        ORDER BY expires_at`
	return s.queryRequests(ctx, "list expiring", query, requestStatusStrings(OpenRequestStatuses), now, horizon)
}

func (s *PGStore) RecordWarning(ctx context.Context, requestID string, windowDays int, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO expiration_warnings (request_id, window_days, sent_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (request_id, window_days) DO NOTHING
    `, requestID, windowDays, at)
	if err != nil {
		return false, fmt.Errorf("signature: record warning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) GetSigner(ctx context.Context, id string) (Signer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1`, id)
	sg, err := scanSigner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signature: get signer: %w", err)
	}
	return sg, nil
}

func (s *PGStore) ListSigners(ctx context.Context, requestID string) ([]Signer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+signerColumns+` FROM signers WHERE request_id = $1 ORDER BY signing_order`, requestID)
	if err != nil {
		return nil, fmt.Errorf("signature: list signers: %w", err)
	}
	defer rows.Close()

	out := []Signer{}
	for rows.Next() {
		sg, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("signature: scan signer: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *PGStore) SignerRequestIDs(ctx context.Context, actor Actor) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT DISTINCT request_id FROM signers
        WHERE ($1 <> '' AND user_id = $1)
           OR ($2 <> '' AND lower(trim(email)) = lower(trim($2)))
        ORDER BY request_id
    `, actor.UserID, actor.Email)
	if err != nil {
		return nil, fmt.Errorf("signature: signer requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("signature: collect signer requests: %w", err)
	}
	return ids, nil
}

// CompleteSigner locks the request row, re-checks expiry and turn order,
// flips the signer to signed and bumps completed_signers with one guarded
// increment. The request becomes completed in the same statement when the
// counter reaches total_signers.
func (s *PGStore) CompleteSigner(ctx context.Context, signerID string, rec SignatureRecord) (Request, Signer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, Signer{}, fmt.Errorf("signature: begin sign: %w", err)
	}
	defer tx.Rollback(ctx)

	var requestID string
	if err := tx.QueryRow(ctx, `SELECT request_id FROM signers WHERE id = $1`, signerID).Scan(&requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, Signer{}, ErrNotFound
		}
		return Request{}, Signer{}, fmt.Errorf("signature: resolve signer: %w", err)
	}

	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE id = $1 FOR UPDATE`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, Signer{}, ErrNotFound
		}
		return Request{}, Signer{}, fmt.Errorf("signature: lock request: %w", err)
	}
	if req.Status.IsTerminal() {
		return Request{}, Signer{}, ErrRequestClosed
	}
	if !req.ExpiresAt.After(rec.SignedAt) {
		return Request{}, Signer{}, ErrRequestExpired
	}

	current, err := scanSigner(tx.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1 FOR UPDATE`, signerID))
	if err != nil {
		return Request{}, Signer{}, fmt.Errorf("signature: lock signer: %w", err)
	}
	if current.Status.IsTerminal() {
		return Request{}, Signer{}, ErrStaleState
	}

	if req.SigningOrder == OrderSequential {
		var pending int
		if err := tx.QueryRow(ctx, `
            SELECT COUNT(*) FROM signers
            WHERE request_id = $1 AND signing_order < $2 AND status <> 'signed'
        `, req.ID, current.SigningOrder).Scan(&pending); err != nil {
			return Request{}, Signer{}, fmt.Errorf("signature: check turn: %w", err)
		}
		if pending > 0 {
			return Request{}, Signer{}, ErrOutOfTurn
		}
	}

	signer, err := scanSigner(tx.QueryRow(ctx, `
        UPDATE signers
        SET status = 'signed',
            signed_at = $2,
            signature_data = $3,
            signature_method = $4,
            signature_hash = $5,
            ip_address = $6,
            user_agent = $7,
            location = $8
        WHERE id = $1 AND status = ANY($9)
        RETURNING `+signerColumns,
		signerID, rec.SignedAt, rec.Data, rec.Method, rec.Hash, rec.IPAddress, rec.UserAgent, rec.Location,
		signerStatusStrings(OpenSignerStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, Signer{}, ErrStaleState
		}
		return Request{}, Signer{}, fmt.Errorf("signature: mark signed: %w", err)
	}

	updated, err := scanRequest(tx.QueryRow(ctx, `
        UPDATE signature_requests
        SET completed_signers = completed_signers + 1,
            status = CASE WHEN completed_signers + 1 = total_signers THEN 'completed' ELSE 'in_progress' END,
            completed_at = CASE WHEN completed_signers + 1 = total_signers THEN $2 ELSE completed_at END,
            updated_at = $2
        WHERE id = $1 AND completed_signers < total_signers AND status = ANY($3)
        RETURNING `+requestColumns,
		req.ID, rec.SignedAt, requestStatusStrings(OpenRequestStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, Signer{}, ErrRequestClosed
		}
		return Request{}, Signer{}, fmt.Errorf("signature: advance counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, Signer{}, fmt.Errorf("signature: commit sign: %w", err)
	}
	return updated, signer, nil
}

func (s *PGStore) TransitionSigner(ctx context.Context, signerID string, from []SignerStatus, to SignerStatus, change StatusChange) (Signer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Signer{}, fmt.Errorf("signature: begin signer transition: %w", err)
	}
	defer tx.Rollback(ctx)

	// Request row before signer row, the order CompleteSigner and
	// TransitionRequest take their locks in.
	var requestID string
	if err := tx.QueryRow(ctx, `SELECT request_id FROM signers WHERE id = $1`, signerID).Scan(&requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signature: resolve signer: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM signature_requests WHERE id = $1 FOR UPDATE`, requestID); err != nil {
		return Signer{}, fmt.Errorf("signature: lock request: %w", err)
	}

	current, err := scanSigner(tx.QueryRow(ctx, `SELECT `+signerColumns+` FROM signers WHERE id = $1 FOR UPDATE`, signerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrNotFound
		}
		return Signer{}, fmt.Errorf("signature: lock signer: %w", err)
	}
	allowed := false
	for _, f := range from {
		if current.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return Signer{}, ErrStaleState
	}

	signer, err := scanSigner(tx.QueryRow(ctx, `
        UPDATE signers
        SET status = $2::text,
            sent_at = CASE WHEN $2::text = 'sent' THEN $3 ELSE sent_at END,
            viewed_at = CASE WHEN $2::text = 'viewed' THEN COALESCE(viewed_at, $3) ELSE viewed_at END,
            declined_at = CASE WHEN $2::text = 'declined' THEN $3 ELSE declined_at END,
            decline_reason = CASE WHEN $2::text = 'declined' THEN $4 ELSE decline_reason END,
            ip_address = COALESCE(NULLIF($5, ''), ip_address),
            user_agent = COALESCE(NULLIF($6, ''), user_agent),
            location = COALESCE(NULLIF($7, ''), location)
        WHERE id = $1
        RETURNING `+signerColumns,
		signerID, string(to), change.At, change.DeclineReason, change.IPAddress, change.UserAgent, change.Location))
	if err != nil {
		return Signer{}, fmt.Errorf("signature: update signer: %w", err)
	}

	if to == SignerViewed && current.ViewedAt == nil {
		if _, err := tx.Exec(ctx, `
            UPDATE signature_requests SET viewed_signers = viewed_signers + 1, updated_at = $2 WHERE id = $1
        `, current.RequestID, change.At); err != nil {
			return Signer{}, fmt.Errorf("signature: count view: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Signer{}, fmt.Errorf("signature: commit signer transition: %w", err)
	}
	return signer, nil
}

func (s *PGStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	details, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
        INSERT INTO audit_logs (request_id, actor_id, action, details, ip_address, user_agent, created_at)
        VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
    `, entry.RequestID, entry.ActorID, entry.Action, details, entry.IPAddress, entry.UserAgent, entry.CreatedAt); err != nil {
		return fmt.Errorf("signature: insert audit: %w", err)
	}
	return nil
}

func (s *PGStore) ListAudit(ctx context.Context, requestID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, request_id, actor_id, action, details, ip_address, user_agent, created_at
        FROM audit_logs WHERE request_id = $1 ORDER BY id
    `, requestID)
	if err != nil {
		return nil, fmt.Errorf("signature: list audit: %w", err)
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.Action, &e.Details, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("signature: scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ReplaceFields(ctx context.Context, requestID string, fields []Field) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signature: begin replace fields: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM signature_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("signature: lock request: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM request_fields WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("signature: clear fields: %w", err)
	}

	columns := []string{"request_id", "id", "position", "page", "x", "y", "width", "height", "type", "required", "signer_id", "label"}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"request_fields"}, columns, pgx.CopyFromSlice(len(fields), func(i int) ([]any, error) {
		f := fields[i]
		return []any{requestID, f.ID, i, f.Page, f.X, f.Y, f.Width, f.Height, f.Type, f.Required, nullableString(f.SignerID), f.Label}, nil
	})); err != nil {
		return fmt.Errorf("signature: copy fields: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signature: commit fields: %w", err)
	}
	return nil
}

func (s *PGStore) ListFields(ctx context.Context, requestID string) ([]Field, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, page, x, y, width, height, type, required, COALESCE(signer_id, ''), label
        FROM request_fields WHERE request_id = $1 ORDER BY position
    `, requestID)
	if err != nil {
		return nil, fmt.Errorf("signature: list fields: %w", err)
	}
	defer rows.Close()

	out := []Field{}
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.ID, &f.Page, &f.X, &f.Y, &f.Width, &f.Height, &f.Type, &f.Required, &f.SignerID, &f.Label); err != nil {
			return nil, fmt.Errorf("signature: scan field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missingOrStale explains why a guarded update matched no row.
func (s *PGStore) missingOrStale(ctx context.Context, q queryRower, id string) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT true FROM signature_requests WHERE id = $1`, id).Scan(&exists)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("signature: probe request: %w", err)
	default:
		return ErrStaleState
	}
}

func (s *PGStore) queryRequests(ctx context.Context, op, query string, args ...any) ([]Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("signature: %s: %w", op, err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("signature: %s: scan: %w", op, err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.DocumentRef,
		&req.InitiatorID,
		&req.InitiatorEmail,
		&req.Title,
		&req.Description,
		&req.SignatureType,
		&req.SigningOrder,
		&req.Status,
		&req.TotalSigners,
		&req.CompletedSigners,
		&req.ViewedSigners,
		&req.RequireTOTP,
		&req.ExpiresAt,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&req.Metadata,
	)
}

func scanSigner(row pgx.Row) (Signer, error) {
	var sg Signer
	return sg, row.Scan(
		&sg.ID,
		&sg.RequestID,
		&sg.UserID,
		&sg.Email,
		&sg.Name,
		&sg.SigningOrder,
		&sg.Status,
		&sg.SignatureData,
		&sg.SignatureMethod,
		&sg.SignatureHash,
		&sg.SentAt,
		&sg.ViewedAt,
		&sg.SignedAt,
		&sg.DeclinedAt,
		&sg.DeclineReason,
		&sg.IPAddress,
		&sg.UserAgent,
		&sg.Location,
		&sg.CreatedAt,
	)
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signature: marshal json: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func requestStatusStrings(in []RequestStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func signerStatusStrings(in []SignerStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
