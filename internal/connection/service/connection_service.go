package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/security"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

// Repository is the persistence the service needs; repository.Repository satisfies it.
type Repository interface {
	Upsert(ctx context.Context, r *domain.Record) (*domain.Record, error)
	GetByID(ctx context.Context, ownerID, id string) (*domain.Record, error)
	GetByTarget(ctx context.Context, ownerID string, target sessiondomain.Target) (*domain.Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Record, error)
	Delete(ctx context.Context, ownerID, id string) (bool, error)
}

// Cipher is the at-rest credential encryption; *security.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(record string) (string, error)
}

// ConnectionService remembers connection targets per owner with their passwords encrypted at rest.
type ConnectionService struct {
	repo   Repository
	cipher Cipher
	now    func() time.Time
}

// NewConnectionService returns a ConnectionService backed by repo and cipher.
func NewConnectionService(repo Repository, cipher Cipher) *ConnectionService {
	return &ConnectionService{repo: repo, cipher: cipher, now: time.Now}
}

func normalize(t sessiondomain.Target) sessiondomain.Target {
	t.Host = strings.TrimSpace(t.Host)
	t.Username = strings.TrimSpace(t.Username)
	if t.Port == 0 {
		t.Port = 22
	}
	return t
}

// RecordAttempt upserts the record for target, refreshing last_connection_at.
// A non-empty password replaces the stored one; an empty password keeps it.
func (s *ConnectionService) RecordAttempt(ctx context.Context, ownerID string, target sessiondomain.Target, password string) (*domain.Record, error) {
	if ownerID == "" {
		return nil, sessiondomain.ErrAuth
	}
	target = normalize(target)
	var encrypted string
	if password != "" {
		var err error
		encrypted, err = s.cipher.Encrypt(password)
		if err != nil {
			return nil, fmt.Errorf("encrypt stored password: %w", err)
		}
	}
	now := s.now().UTC()
	rec, err := s.repo.Upsert(ctx, &domain.Record{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		Host:              target.Host,
		Port:              target.Port,
		Username:          target.Username,
		EncryptedPassword: encrypted,
		LastConnectionAt:  now,
		CreatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert stored connection: %w", err)
	}
	return rec, nil
}

// StoredPassword returns the remembered password for target. A missing record, missing password,
// or a record that fails to decrypt all yield ErrCredentialsUnavailable.
func (s *ConnectionService) StoredPassword(ctx context.Context, ownerID string, target sessiondomain.Target) (string, error) {
	if ownerID == "" {
		return "", sessiondomain.ErrAuth
	}
	rec, err := s.repo.GetByTarget(ctx, ownerID, normalize(target))
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", domain.ErrCredentialsUnavailable
	}
	return s.reveal(rec)
}

// List returns the owner's records without secrets, most recently used first.
func (s *ConnectionService) List(ctx context.Context, ownerID string) ([]domain.Summary, error) {
	if ownerID == "" {
		return nil, sessiondomain.ErrAuth
	}
	recs, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Summary, len(recs))
	for i, r := range recs {
		out[i] = domain.Summarize(r)
	}
	return out, nil
}

// RevealPassword decrypts the password of one of the owner's records.
func (s *ConnectionService) RevealPassword(ctx context.Context, ownerID, id string) (string, error) {
	if ownerID == "" {
		return "", sessiondomain.ErrAuth
	}
	rec, err := s.repo.GetByID(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", domain.ErrNotFound
	}
	return s.reveal(rec)
}

// Delete forgets one of the owner's records.
func (s *ConnectionService) Delete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return sessiondomain.ErrAuth
	}
	ok, err := s.repo.Delete(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (s *ConnectionService) reveal(rec *domain.Record) (string, error) {
	if rec.EncryptedPassword == "" {
		return "", domain.ErrCredentialsUnavailable
	}
	plain, err := s.cipher.Decrypt(rec.EncryptedPassword)
	if err != nil || plain == "" {
		if errors.Is(err, security.ErrDecryption) {
			log.WithFields(log.Fields{"record_id": rec.ID, "owner": rec.OwnerID}).Warn("connection: stored password failed to decrypt")
		}
		return "", domain.ErrCredentialsUnavailable
	}
	return plain, nil
}
