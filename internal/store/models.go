// models.go -- Row types shared by the Postgres store and its callers.
package store

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// User represents a row in the users table.
// PasswordHash is the encoded credential string, never the password itself.
type User struct {
	ID           int64
	Name         string
	Email        string
	Username     string
	PasswordHash string
	Confirmed    bool
	CreatedAt    time.Time
}

// NewUser carries the fields supplied at registration.
// Id, confirmation flag and timestamps are assigned by the database.
type NewUser struct {
	Name         string
	Email        string
	Username     string
	PasswordHash string
}

// Confirmation represents a row in the confirmations table.
// LinkHash is the SHA-256 of the emailed link, the link itself is never stored.
// Reset distinguishes password-reset links from account-confirmation links.
type Confirmation struct {
	ID        uuid.UUID
	UserID    int64
	Username  string
	LinkHash  []byte
	Reset     bool
	CreatedAt time.Time
}
