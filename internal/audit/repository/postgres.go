package repository

import (
	"context"
	"database/sql"

	"remote-admin-gateway/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the audit log to the database. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	meta := sql.NullString{String: a.Metadata, Valid: a.Metadata != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, owner_id, session_id, action, resource, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OwnerID, a.SessionID, a.Action, a.Resource, a.IP, meta, a.CreatedAt)
	return err
}

// ListByOwner returns audit logs for the given owner. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, session_id, action, resource, ip, metadata, created_at
		 FROM audit_logs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.SessionID, &a.Action, &a.Resource, &a.IP, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid {
			a.Metadata = meta.String
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
