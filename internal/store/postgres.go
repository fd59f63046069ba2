package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email, role)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.kiwidesk.dev'), 'analyst')
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpsertPatch persists a patch request after every transition. The version
// guard keeps a replayed write from clobbering a newer row.
func (s *PostgresStore) UpsertPatch(ctx context.Context, row PatchRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patch_requests (
			request_id, workspace_id, dataset_id, contract_id, record_id,
			sheet_name, field_name, before_value, after_value,
			status, version, author_id, cross_dataset, history, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			status=EXCLUDED.status,
			version=EXCLUDED.version,
			history=EXCLUDED.history,
			after_value=EXCLUDED.after_value,
			updated_at=NOW()
		WHERE patch_requests.version <= EXCLUDED.version
	`, row.RequestID, row.WorkspaceID, row.DatasetID, row.ContractID, row.RecordID,
		row.SheetName, row.FieldName, row.BeforeValue, row.AfterValue,
		row.Status, row.Version, row.AuthorID, row.CrossDataset, row.History, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert patch %s: %w", row.RequestID, err)
	}
	return nil
}

func (s *PostgresStore) GetPatch(ctx context.Context, requestID string) (PatchRow, error) {
	const query = `
		SELECT request_id, workspace_id, dataset_id, contract_id, record_id,
			sheet_name, field_name, before_value, after_value,
			status, version, author_id, cross_dataset, history, created_at, updated_at
		FROM patch_requests WHERE request_id=$1
	`
	var row PatchRow
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&row.RequestID, &row.WorkspaceID, &row.DatasetID, &row.ContractID, &row.RecordID,
		&row.SheetName, &row.FieldName, &row.BeforeValue, &row.AfterValue,
		&row.Status, &row.Version, &row.AuthorID, &row.CrossDataset, &row.History,
		&row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return PatchRow{}, err
	}
	return row, nil
}

// ListPatches returns a workspace's patches, optionally filtered by
// dataset, newest first.
func (s *PostgresStore) ListPatches(ctx context.Context, workspaceID, datasetID string) ([]PatchRow, error) {
	query := `
		SELECT request_id, workspace_id, dataset_id, contract_id, record_id,
			sheet_name, field_name, before_value, after_value,
			status, version, author_id, cross_dataset, history, created_at, updated_at
		FROM patch_requests
		WHERE workspace_id=$1
	`
	args := []any{workspaceID}
	if datasetID != "" {
		query += ` AND (dataset_id=$2 OR cross_dataset)`
		args = append(args, datasetID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var out []PatchRow
	for rows.Next() {
		var row PatchRow
		if err := rows.Scan(
			&row.RequestID, &row.WorkspaceID, &row.DatasetID, &row.ContractID, &row.RecordID,
			&row.SheetName, &row.FieldName, &row.BeforeValue, &row.AfterValue,
			&row.Status, &row.Version, &row.AuthorID, &row.CrossDataset, &row.History,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertRFI(ctx context.Context, rfi RFI) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rfis (id, workspace_id, contract_id, question, answer, status, author_id, assignee_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rfi.ID, rfi.WorkspaceID, rfi.ContractID, rfi.Question, rfi.Answer, rfi.Status, rfi.AuthorID, rfi.AssigneeID)
	if err != nil {
		return fmt.Errorf("insert rfi: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRFI(ctx context.Context, id string) (RFI, error) {
	const query = `
		SELECT id, workspace_id, contract_id, question, answer, status, author_id, assignee_id, created_at, updated_at
		FROM rfis WHERE id=$1
	`
	var rfi RFI
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rfi.ID, &rfi.WorkspaceID, &rfi.ContractID, &rfi.Question, &rfi.Answer,
		&rfi.Status, &rfi.AuthorID, &rfi.AssigneeID, &rfi.CreatedAt, &rfi.UpdatedAt)
	if err != nil {
		return RFI{}, err
	}
	return rfi, nil
}

func (s *PostgresStore) ListRFIs(ctx context.Context, workspaceID string) ([]RFI, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, contract_id, question, answer, status, author_id, assignee_id, created_at, updated_at
		FROM rfis WHERE workspace_id=$1 ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list rfis: %w", err)
	}
	defer rows.Close()

	var out []RFI
	for rows.Next() {
		var rfi RFI
		if err := rows.Scan(
			&rfi.ID, &rfi.WorkspaceID, &rfi.ContractID, &rfi.Question, &rfi.Answer,
			&rfi.Status, &rfi.AuthorID, &rfi.AssigneeID, &rfi.CreatedAt, &rfi.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rfi: %w", err)
		}
		out = append(out, rfi)
	}
	return out, rows.Err()
}

// UpdateRFI applies an answer or a status change. Returns false when the
// RFI does not exist.
func (s *PostgresStore) UpdateRFI(ctx context.Context, id, status, answer string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rfis SET
			status=COALESCE(NULLIF($2,''), status),
			answer=COALESCE(NULLIF($3,''), answer),
			updated_at=NOW()
		WHERE id=$1
	`, id, status, answer)
	if err != nil {
		return false, fmt.Errorf("update rfi: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EnsureAnchor inserts an anchor or returns the existing one with the same
// fingerprint.
func (s *PostgresStore) EnsureAnchor(ctx context.Context, anchor Anchor) (Anchor, bool, error) {
	const insert = `
		INSERT INTO document_anchors (id, document_id, page, quote, fingerprint, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (fingerprint) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, insert,
		anchor.ID, anchor.DocumentID, anchor.Page, anchor.Quote, anchor.Fingerprint, anchor.CreatedBy)
	if err != nil {
		return Anchor{}, false, fmt.Errorf("insert anchor: %w", err)
	}
	inserted, _ := res.RowsAffected()

	const query = `
		SELECT id, document_id, page, quote, fingerprint, created_by, created_at
		FROM document_anchors WHERE fingerprint=$1
	`
	var out Anchor
	err = s.db.QueryRowContext(ctx, query, anchor.Fingerprint).Scan(
		&out.ID, &out.DocumentID, &out.Page, &out.Quote, &out.Fingerprint, &out.CreatedBy, &out.CreatedAt)
	if err != nil {
		return Anchor{}, false, fmt.Errorf("read anchor: %w", err)
	}
	return out, inserted > 0, nil
}

func (s *PostgresStore) InsertCorrection(ctx context.Context, c Correction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO corrections (id, document_id, field_name, old_value, new_value, kind, status, author_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.DocumentID, c.FieldName, c.OldValue, c.NewValue, c.Kind, c.Status, c.AuthorID)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCorrections(ctx context.Context, documentID string) ([]Correction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, field_name, old_value, new_value, kind, status, author_id, created_at
		FROM corrections WHERE document_id=$1 ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.FieldName, &c.OldValue, &c.NewValue,
			&c.Kind, &c.Status, &c.AuthorID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertWorkbookSession(ctx context.Context, ws WorkbookSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workbook_sessions (id, workspace_id, dataset_id, source_file, created_by)
		VALUES ($1,$2,$3,$4,$5)
	`, ws.ID, ws.WorkspaceID, ws.DatasetID, ws.SourceFile, ws.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert workbook session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkbookSessions(ctx context.Context, workspaceID string, limit int) ([]WorkbookSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, dataset_id, source_file, created_by, created_at
		FROM workbook_sessions WHERE workspace_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workbook sessions: %w", err)
	}
	defer rows.Close()

	var out []WorkbookSession
	for rows.Next() {
		var ws WorkbookSession
		if err := rows.Scan(&ws.ID, &ws.WorkspaceID, &ws.DatasetID, &ws.SourceFile, &ws.CreatedBy, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workbook session: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e AuditEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_id, resource_type, resource_id, payload)
		VALUES ($1,$2,$3,$4,$5)
	`, e.EventType, e.ActorID, e.ResourceType, e.ResourceID, payload)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor_id, resource_type, resource_id, payload, created_at
		FROM audit_events ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.ResourceType, &e.ResourceID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExpiredSessions trims workbook session rows older than the given age.
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workbook_sessions WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
