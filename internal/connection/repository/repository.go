package repository

import (
	"context"

	"remote-admin-gateway/internal/connection/domain"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

// Repository defines persistence for stored connection records. Lookups return (nil, nil) when nothing matches.
type Repository interface {
	// Upsert inserts r or, when (owner, host, port, username) already exists, updates its
	// last_connection_at and, if r.EncryptedPassword is non-empty, its password. It returns the stored record.
	Upsert(ctx context.Context, r *domain.Record) (*domain.Record, error)
	GetByID(ctx context.Context, ownerID, id string) (*domain.Record, error)
	GetByTarget(ctx context.Context, ownerID string, target sessiondomain.Target) (*domain.Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Record, error)
	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, ownerID, id string) (bool, error)
}
