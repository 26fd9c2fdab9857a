package identity

import (
	"context"
	"time"
)

// User is an account record. Identity fields are immutable after creation; the
// chat core only ever reads them.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	// FaceTemplate is the opaque biometric template captured at signup. The
	// matching algorithm behind it is an external oracle (see FaceMatcher).
	FaceTemplate string
	CreatedAt    time.Time
}

// CreateUserRecord is a normalized user insert payload. Email is stored
// lowercased; uniqueness of username and email is enforced by the store.
type CreateUserRecord struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	FaceTemplate string
	CreatedAt    time.Time
}

// Store is the persistence boundary for users.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserRecord) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	// GetUserByEmail matches case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	Close() error
}
