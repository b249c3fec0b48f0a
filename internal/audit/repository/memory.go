package repository

import (
	"context"
	"sort"
	"sync"

	"remote-admin-gateway/internal/audit/domain"
)

// MemoryRepository keeps audit logs in process memory. Used when no database is configured.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Create(_ context.Context, a *domain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryRepository) ListByOwner(_ context.Context, ownerID string, limit, offset int32) ([]*domain.AuditLog, error) {
	m.mu.Lock()
	var mine []*domain.AuditLog
	for _, a := range m.entries {
		if a.OwnerID == ownerID {
			cp := *a
			mine = append(mine, &cp)
		}
	}
	m.mu.Unlock()
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })
	if int(offset) >= len(mine) {
		return nil, nil
	}
	mine = mine[offset:]
	if limit > 0 && int(limit) < len(mine) {
		mine = mine[:limit]
	}
	return mine, nil
}
