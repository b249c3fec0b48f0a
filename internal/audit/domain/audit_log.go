package domain

import "time"

// AuditLog represents an audit event.
type AuditLog struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	SessionID string    `json:"sessionId,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Audited actions.
const (
	ActionSessionStarted        = "session_started"
	ActionSessionDialFailed     = "session_dial_failed"
	ActionSessionResumed        = "session_resumed"
	ActionSessionResumeRejected = "session_resume_rejected"
	ActionSessionGrace          = "session_grace"
	ActionSessionExpired        = "session_expired"
	ActionSessionEnded          = "session_ended"
	ActionSessionRemoteClosed   = "session_remote_closed"
	ActionPackageInstalled      = "package_installed"
	ActionScriptRun             = "script_run"
	ActionFileWritten           = "file_written"
	ActionPasswordRevealed      = "password_revealed"
	ActionConnectionDeleted     = "connection_deleted"
)
