package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory user Store used when no database is configured
// and by unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]User
	byEmail map[string]string // lowercased email -> user id
	byName  map[string]string // username -> user id
}

// NewMemoryStore constructs an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		byName:  make(map[string]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateUser inserts a user, enforcing username/email uniqueness.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserRecord) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	username := strings.TrimSpace(in.Username)
	if in.ID == "" || email == "" || username == "" {
		return User{}, ErrInvalidInput
	}
	now := in.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[email]; taken {
		return User{}, ErrEmailTaken
	}
	if _, taken := s.byName[username]; taken {
		return User{}, ErrUsernameTaken
	}

	u := User{
		ID:           in.ID,
		Username:     username,
		Email:        email,
		PasswordHash: in.PasswordHash,
		FaceTemplate: in.FaceTemplate,
		CreatedAt:    now,
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	s.byName[username] = u.ID
	return u, nil
}

// GetUserByID looks up a user by id.
func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// GetUserByEmail looks up a user by email, case-insensitively.
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byID[id], nil
}

// GetUserByUsername looks up a user by exact username.
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[strings.TrimSpace(username)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byID[id], nil
}

// UserInfo resolves (username, email) for a user id. It backs the chat store's
// participant/invite cross-checks in memory mode.
func (s *MemoryStore) UserInfo(userID string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return "", "", false
	}
	return u.Username, u.Email, true
}
