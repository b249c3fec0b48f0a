package domain

import (
	"errors"
	"time"

	sessiondomain "remote-admin-gateway/internal/session/domain"
)

var (
	// ErrNotFound is returned when no record matches the owner and id.
	ErrNotFound = errors.New("stored connection not found")
	// ErrCredentialsUnavailable is returned when a stored password is missing or cannot be decrypted.
	ErrCredentialsUnavailable = errors.New("stored credentials unavailable")
)

// Record is a remembered connection target. EncryptedPassword is an at-rest vault record, never plaintext.
type Record struct {
	ID                string
	OwnerID           string
	Host              string
	Port              int
	Username          string
	EncryptedPassword string
	LastConnectionAt  time.Time
	CreatedAt         time.Time
}

// Target returns the record's connection target.
func (r *Record) Target() sessiondomain.Target {
	return sessiondomain.Target{Host: r.Host, Port: r.Port, Username: r.Username}
}

// Summary is the listing view of a Record. It never carries the password.
type Summary struct {
	ID               string    `json:"id"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	Username         string    `json:"username"`
	HasPassword      bool      `json:"hasPassword"`
	LastConnectionAt time.Time `json:"lastConnectionAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Summarize strips the secret from r.
func Summarize(r *Record) Summary {
	return Summary{
		ID:               r.ID,
		Host:             r.Host,
		Port:             r.Port,
		Username:         r.Username,
		HasPassword:      r.EncryptedPassword != "",
		LastConnectionAt: r.LastConnectionAt,
		CreatedAt:        r.CreatedAt,
	}
}
