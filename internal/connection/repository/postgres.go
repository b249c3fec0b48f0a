package repository

import (
	"context"
	"database/sql"
	"errors"

	"remote-admin-gateway/internal/connection/domain"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

const recordColumns = `id, owner_id, host, port, username, encrypted_password, last_connection_at, created_at`

const upsertRecord = `
INSERT INTO stored_connections (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner_id, host, port, username) DO UPDATE SET
    encrypted_password = CASE WHEN EXCLUDED.encrypted_password = ''
        THEN stored_connections.encrypted_password
        ELSE EXCLUDED.encrypted_password END,
    last_connection_at = EXCLUDED.last_connection_at
RETURNING ` + recordColumns

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a stored connection repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert runs a single INSERT … ON CONFLICT so concurrent attempts for one target converge on one row.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, upsertRecord,
		rec.ID, rec.OwnerID, rec.Host, rec.Port, rec.Username,
		rec.EncryptedPassword, rec.LastConnectionAt, rec.CreatedAt)
	return scanRecord(row)
}

func (r *PostgresRepository) GetByID(ctx context.Context, ownerID, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM stored_connections WHERE owner_id = $1 AND id = $2`, ownerID, id)
	return getOne(row)
}

func (r *PostgresRepository) GetByTarget(ctx context.Context, ownerID string, target sessiondomain.Target) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM stored_connections
		 WHERE owner_id = $1 AND host = $2 AND port = $3 AND username = $4`,
		ownerID, target.Host, target.Port, target.Username)
	return getOne(row)
}

// ListByOwner returns the owner's records, most recently used first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM stored_connections WHERE owner_id = $1 ORDER BY last_connection_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM stored_connections WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	if err := s.Scan(&rec.ID, &rec.OwnerID, &rec.Host, &rec.Port, &rec.Username,
		&rec.EncryptedPassword, &rec.LastConnectionAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func getOne(row *sql.Row) (*domain.Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}
