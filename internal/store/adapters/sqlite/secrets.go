package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

// ─── SecretRepository ───

type secretRepo struct{ db *sql.DB }

const secretColumns = `id, secret_type, edge_node_id, encrypted_value, value_hash, status,
	activated_at, expires_at, previous_secret_id, rotation_reason, created_by, created_at,
	deactivated_at, access_count, last_used_at`

func scanSecret(row rowScanner) (*repository.SharedSecret, error) {
	var (
		s              repository.SharedSecret
		nodeID, prevID sql.NullString
	)
	err := row.Scan(&s.ID, &s.Type, &nodeID, &s.EncryptedValue, &s.ValueHash, &s.Status,
		&s.ActivatedAt, &s.ExpiresAt, &prevID, &s.RotationReason, &s.CreatedBy, &s.CreatedAt,
		&s.DeactivatedAt, &s.AccessCount, &s.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if nodeID.Valid {
		s.EdgeNodeID = &nodeID.String
	}
	if prevID.Valid {
		s.PreviousSecretID = &prevID.String
	}
	return &s, nil
}

func (r *secretRepo) GetByID(ctx context.Context, id string) (*repository.SharedSecret, error) {
	return scanSecret(r.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM shared_secret WHERE id = ?`, id))
}

func (r *secretRepo) GetActive(ctx context.Context, t repository.SecretType, edgeNodeID string) (*repository.SharedSecret, error) {
	return activeInTuple(ctx, r.db, t, edgeNodeID)
}

func activeInTuple(ctx context.Context, q querier, t repository.SecretType, edgeNodeID string) (*repository.SharedSecret, error) {
	const query = `SELECT ` + secretColumns + ` FROM shared_secret
		WHERE secret_type = ? AND COALESCE(edge_node_id, '') = ? AND status = 'active'`
	return scanSecret(q.QueryRowContext(ctx, query, t, edgeNodeID))
}

func (r *secretRepo) List(ctx context.Context, f repository.SecretFilter) ([]*repository.SharedSecret, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "secret_type = ?")
		args = append(args, f.Type)
	}
	if f.EdgeNodeID != "" {
		where = append(where, "edge_node_id = ?")
		args = append(args, f.EdgeNodeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}

	query := `SELECT ` + secretColumns + ` FROM shared_secret`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.SharedSecret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func insertSecret(ctx context.Context, q querier, s *repository.SharedSecret) error {
	const query = `INSERT INTO shared_secret (` + secretColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		s.ID, s.Type, sqlitedb.NullString(s.EdgeNodeID), s.EncryptedValue, s.ValueHash, s.Status,
		s.ActivatedAt, s.ExpiresAt.UTC(), sqlitedb.NullString(s.PreviousSecretID), s.RotationReason,
		s.CreatedBy, s.CreatedAt.UTC(), s.DeactivatedAt, s.AccessCount, s.LastUsedAt)
	if sqlitedb.IsUniqueViolation(err) {
		return fmt.Errorf("secret %s: %w", s.ID, repository.ErrConflict)
	}
	return err
}

func (r *secretRepo) Insert(ctx context.Context, s *repository.SharedSecret) error {
	return insertSecret(ctx, r.db, s)
}

func (r *secretRepo) Activate(ctx context.Context, id string, at time.Time) (*repository.ActivationResult, error) {
	at = at.UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	s, err := scanSecret(tx.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM shared_secret WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("secret %s is %s: %w", id, s.Status, repository.ErrInvalidInput)
	}
	res := &repository.ActivationResult{Secret: s}
	if s.Status == repository.SecretActive {
		return res, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM shared_secret
		WHERE secret_type = ? AND COALESCE(edge_node_id, '') = ? AND status = 'active' AND id <> ?`,
		s.Type, s.NodeKey(), id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var prev string
		if err := rows.Scan(&prev); err != nil {
			rows.Close()
			return nil, err
		}
		res.Deactivated = append(res.Deactivated, prev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE shared_secret SET status = 'inactive', deactivated_at = ?
		WHERE secret_type = ? AND COALESCE(edge_node_id, '') = ? AND status = 'active' AND id <> ?`,
		at, s.Type, s.NodeKey(), id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE shared_secret SET status = 'active', activated_at = ?, deactivated_at = NULL
		WHERE id = ?`, at, id); err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return nil, fmt.Errorf("activate %s: %w", id, repository.ErrConflict)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.Status = repository.SecretActive
	s.ActivatedAt = &at
	s.DeactivatedAt = nil
	return res, nil
}

func (r *secretRepo) Rotate(ctx context.Context, next *repository.SharedSecret, prevStatus repository.SecretStatus, at time.Time) (*repository.SharedSecret, error) {
	at = at.UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prev, err := activeInTuple(ctx, tx, next.Type, next.NodeKey())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if prev != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE shared_secret SET status = ?, deactivated_at = ? WHERE id = ?`,
			prevStatus, at, prev.ID); err != nil {
			return nil, err
		}
		prev.Status = prevStatus
		prev.DeactivatedAt = &at
		next.PreviousSecretID = &prev.ID
	}

	next.Status = repository.SecretActive
	next.ActivatedAt = &at
	if err := insertSecret(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *secretRepo) SetStatus(ctx context.Context, id string, status repository.SecretStatus, at time.Time) error {
	const query = `UPDATE shared_secret
		SET status = ?, deactivated_at = CASE WHEN status = 'active' THEN ? ELSE deactivated_at END
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *secretRepo) TouchUsage(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE shared_secret SET access_count = access_count + 1, last_used_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}
