package repository

import (
	"context"
	"sort"
	"sync"

	"remote-admin-gateway/internal/connection/domain"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

type targetKey struct {
	owner, host, username string
	port                  int
}

// MemoryRepository keeps records in process memory with the same upsert semantics as PostgresRepository.
type MemoryRepository struct {
	mu       sync.Mutex
	byID     map[string]*domain.Record
	byTarget map[targetKey]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]*domain.Record),
		byTarget: make(map[targetKey]string),
	}
}

func keyOf(owner string, t sessiondomain.Target) targetKey {
	return targetKey{owner: owner, host: t.Host, port: t.Port, username: t.Username}
}

func (m *MemoryRepository) Upsert(_ context.Context, rec *domain.Record) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(rec.OwnerID, rec.Target())
	if id, ok := m.byTarget[k]; ok {
		existing := m.byID[id]
		if rec.EncryptedPassword != "" {
			existing.EncryptedPassword = rec.EncryptedPassword
		}
		existing.LastConnectionAt = rec.LastConnectionAt
		cp := *existing
		return &cp, nil
	}
	stored := *rec
	m.byID[stored.ID] = &stored
	m.byTarget[k] = stored.ID
	cp := stored
	return &cp, nil
}

func (m *MemoryRepository) GetByID(_ context.Context, ownerID, id string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) GetByTarget(_ context.Context, ownerID string, target sessiondomain.Target) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[keyOf(ownerID, target)]
	if !ok {
		return nil, nil
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryRepository) ListByOwner(_ context.Context, ownerID string) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, rec := range m.byID {
		if rec.OwnerID == ownerID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastConnectionAt.After(out[j].LastConnectionAt) })
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok || rec.OwnerID != ownerID {
		return false, nil
	}
	delete(m.byID, id)
	delete(m.byTarget, keyOf(rec.OwnerID, rec.Target()))
	return true, nil
}
