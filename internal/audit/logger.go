package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/audit/domain"
	auditrepo "remote-admin-gateway/internal/audit/repository"
)

// SentinelOwnerID is the owner_id used for audit events that have no authenticated owner.
const SentinelOwnerID = "_system"

// writeTimeout bounds a single asynchronous audit write.
const writeTimeout = 5 * time.Second

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event with explicit action/resource. Used by the channel and HTTP handlers.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, ownerID, sessionID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	now         func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor) *Logger {
	return &Logger{repo: repo, ipExtractor: ipExtractor, now: time.Now}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, ownerID, sessionID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	l.write(ctx, &domain.AuditLog{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	})
}

// LogEventAsync captures the client IP from ctx and writes the entry on its own goroutine
// with a short timeout, so request cancellation does not abort the write.
func (l *Logger) LogEventAsync(ctx context.Context, ownerID, sessionID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		l.write(writeCtx, entry)
	}()
}

func (l *Logger) write(ctx context.Context, entry *domain.AuditLog) {
	if entry.OwnerID == "" {
		entry.OwnerID = SentinelOwnerID
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.WithFields(log.Fields{"action": entry.Action, "resource": entry.Resource}).WithError(err).Error("audit: failed to log event")
	}
}
