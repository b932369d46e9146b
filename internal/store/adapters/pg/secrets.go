package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// ─── SecretRepository ───

type secretRepo struct{ pool *pgxpool.Pool }

const secretColumns = `id::text, secret_type, edge_node_id::text, encrypted_value, value_hash, status,
	activated_at, expires_at, previous_secret_id::text, rotation_reason, created_by, created_at,
	deactivated_at, access_count, last_used_at`

const secretInsertColumns = `id, secret_type, edge_node_id, encrypted_value, value_hash, status,
	activated_at, expires_at, previous_secret_id, rotation_reason, created_by, created_at,
	deactivated_at, access_count, last_used_at`

func scanSecret(row pgx.Row) (*repository.SharedSecret, error) {
	var s repository.SharedSecret
	var typ, status, reason string
	err := row.Scan(&s.ID, &typ, &s.EdgeNodeID, &s.EncryptedValue, &s.ValueHash, &status,
		&s.ActivatedAt, &s.ExpiresAt, &s.PreviousSecretID, &reason, &s.CreatedBy, &s.CreatedAt,
		&s.DeactivatedAt, &s.AccessCount, &s.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Type = repository.SecretType(typ)
	s.Status = repository.SecretStatus(status)
	s.RotationReason = repository.RotationReason(reason)
	return &s, nil
}

func tupleKey(t repository.SecretType, edgeNodeID string) string {
	return "shared_secret:" + string(t) + ":" + edgeNodeID
}

func (r *secretRepo) GetByID(ctx context.Context, id string) (*repository.SharedSecret, error) {
	return scanSecret(r.pool.QueryRow(ctx, `SELECT `+secretColumns+` FROM shared_secret WHERE id::text = $1`, id))
}

func (r *secretRepo) GetActive(ctx context.Context, t repository.SecretType, edgeNodeID string) (*repository.SharedSecret, error) {
	return activeInTuple(ctx, r.pool, t, edgeNodeID, false)
}

func activeInTuple(ctx context.Context, q querier, t repository.SecretType, edgeNodeID string, forUpdate bool) (*repository.SharedSecret, error) {
	query := `SELECT ` + secretColumns + ` FROM shared_secret
		WHERE secret_type = $1 AND COALESCE(edge_node_id::text, '') = $2 AND status = 'active'`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanSecret(q.QueryRow(ctx, query, string(t), edgeNodeID))
}

func (r *secretRepo) List(ctx context.Context, f repository.SecretFilter) ([]*repository.SharedSecret, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("secret_type = $%d", string(f.Type))
	}
	if f.EdgeNodeID != "" {
		add("edge_node_id::text = $%d", f.EdgeNodeID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", f.CreatedBefore.UTC())
	}

	query := `SELECT ` + secretColumns + ` FROM shared_secret`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
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
	const query = `INSERT INTO shared_secret (` + secretInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := q.Exec(ctx, query,
		s.ID, string(s.Type), nullIfEmpty(s.EdgeNodeID), s.EncryptedValue, s.ValueHash, string(s.Status),
		s.ActivatedAt, s.ExpiresAt.UTC(), nullIfEmpty(s.PreviousSecretID), string(s.RotationReason),
		s.CreatedBy, s.CreatedAt.UTC(), s.DeactivatedAt, s.AccessCount, s.LastUsedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("secret %s: %w", s.ID, repository.ErrConflict)
	}
	return err
}

func (r *secretRepo) Insert(ctx context.Context, s *repository.SharedSecret) error {
	return insertSecret(ctx, r.pool, s)
}

func (r *secretRepo) Activate(ctx context.Context, id string, at time.Time) (*repository.ActivationResult, error) {
	at = at.UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s, err := scanSecret(tx.QueryRow(ctx, `SELECT `+secretColumns+` FROM shared_secret WHERE id::text = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := lockKey(ctx, tx, tupleKey(s.Type, s.NodeKey())); err != nil {
		return nil, err
	}
	// Releer bajo el lock: otra activación pudo cambiar el estado.
	s, err = scanSecret(tx.QueryRow(ctx, `SELECT `+secretColumns+` FROM shared_secret WHERE id::text = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("secret %s is %s: %w", id, s.Status, repository.ErrInvalidInput)
	}
	res := &repository.ActivationResult{Secret: s}
	if s.Status == repository.SecretActive {
		return res, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `UPDATE shared_secret SET status = 'inactive', deactivated_at = $1
		WHERE secret_type = $2 AND COALESCE(edge_node_id::text, '') = $3 AND status = 'active' AND id::text <> $4
		RETURNING id::text`, at, string(s.Type), s.NodeKey(), id)
	if err != nil {
		return nil, err
	}
	res.Deactivated, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE shared_secret SET status = 'active', activated_at = $1, deactivated_at = NULL
		WHERE id::text = $2`, at, id); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("activate %s: %w", id, repository.ErrConflict)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Status = repository.SecretActive
	s.ActivatedAt = &at
	s.DeactivatedAt = nil
	return res, nil
}

func (r *secretRepo) Rotate(ctx context.Context, next *repository.SharedSecret, prevStatus repository.SecretStatus, at time.Time) (*repository.SharedSecret, error) {
	at = at.UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockKey(ctx, tx, tupleKey(next.Type, next.NodeKey())); err != nil {
		return nil, err
	}
	prev, err := activeInTuple(ctx, tx, next.Type, next.NodeKey(), true)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if prev != nil {
		if _, err := tx.Exec(ctx, `UPDATE shared_secret SET status = $1, deactivated_at = $2 WHERE id::text = $3`,
			string(prevStatus), at, prev.ID); err != nil {
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
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *secretRepo) SetStatus(ctx context.Context, id string, status repository.SecretStatus, at time.Time) error {
	const query = `UPDATE shared_secret
		SET status = $1, deactivated_at = CASE WHEN status = 'active' THEN $2 ELSE deactivated_at END
		WHERE id::text = $3`
	tag, err := r.pool.Exec(ctx, query, string(status), at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *secretRepo) TouchUsage(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE shared_secret SET access_count = access_count + 1, last_used_at = $1 WHERE id::text = $2`, at.UTC(), id)
	return err
}
