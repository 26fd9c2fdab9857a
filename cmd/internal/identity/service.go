package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"visage/cmd/internal/ids"
)

// Service implements signup and login on top of the user Store, issuing bearer
// tokens through the JWTVerifier and consulting the FaceMatcher oracle.
type Service struct {
	store   Store
	tokens  *JWTVerifier
	faces   FaceMatcher
	log     *slog.Logger
	hashing Argon2idParams
}

// SignupInput describes account creation. FaceTemplate is opaque to the core.
type SignupInput struct {
	Username     string
	Email        string
	Password     string
	FaceTemplate string
}

// LoginInput describes a login attempt. FaceTemplate is optional; when present
// it must match the stored template for the login to succeed.
type LoginInput struct {
	Email        string
	Password     string
	FaceTemplate string
}

// Session is the result of a successful signup or login.
type Session struct {
	User      User
	Token     string
	ExpiresAt time.Time
}

// NewService constructs a Service. A nil FaceMatcher disables face checks.
func NewService(store Store, tokens *JWTVerifier, faces FaceMatcher, log *slog.Logger) (*Service, error) {
	if store == nil || tokens == nil || log == nil {
		return nil, ErrInvalidInput
	}
	if faces == nil {
		faces = NopFaceMatcher{}
	}
	return &Service{
		store:   store,
		tokens:  tokens,
		faces:   faces,
		log:     log,
		hashing: DefaultArgon2idParams(),
	}, nil
}

// Verifier exposes the token verifier for the websocket handshake and HTTP middleware.
func (s *Service) Verifier() Verifier { return s.tokens }

// Signup registers a new account and issues a session token.
func (s *Service) Signup(ctx context.Context, in SignupInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" || !strings.Contains(email, "@") {
		return Session{}, ErrInvalidInput
	}

	hash, err := HashPassword(in.Password, s.hashing)
	if err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	userID, err := ids.NewULID(now)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.CreateUser(ctx, CreateUserRecord{
		ID:           userID,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FaceTemplate: strings.TrimSpace(in.FaceTemplate),
		CreatedAt:    now,
	})
	if err != nil {
		return Session{}, err
	}

	return s.issue(user, now)
}

// Login authenticates by email + password, and by face template when one is
// supplied. All failure modes collapse into ErrLoginFailed.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return Session{}, ErrInvalidInput
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrLoginFailed
		}
		return Session{}, err
	}

	ok, err := VerifyPassword(user.PasswordHash, in.Password)
	if err != nil || !ok {
		return Session{}, ErrLoginFailed
	}

	if src := strings.TrimSpace(in.FaceTemplate); src != "" && user.FaceTemplate != "" {
		matched, err := s.faces.Match(ctx, src, user.FaceTemplate)
		if err != nil {
			s.log.Warn("login.face_match.fail", "err", err)
			return Session{}, ErrLoginFailed
		}
		if !matched {
			return Session{}, ErrLoginFailed
		}
	}

	return s.issue(user, time.Now().UTC())
}

func (s *Service) issue(user User, now time.Time) (Session, error) {
	token, exp, err := s.tokens.Issue(Identity{UserID: user.ID, Username: user.Username}, now)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Token: token, ExpiresAt: exp}, nil
}
