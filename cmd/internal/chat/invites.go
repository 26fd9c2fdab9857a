package chat

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"visage/cmd/internal/ids"
)

const inviteTokenBytes = 32

// UserRef is the slice of a user record the invitation flow needs.
type UserRef struct {
	ID       string
	Username string
	Email    string
}

// Directory resolves emails to existing accounts. It backs the
// userAlreadyExists answer of Resolve; it never mutates anything.
type Directory interface {
	LookupUserByEmail(ctx context.Context, email string) (UserRef, bool, error)
}

// Mailer delivers invitation emails. Transport is an external collaborator;
// a delivery failure never fails the invitation itself.
type Mailer interface {
	SendInvite(ctx context.Context, email, roomName, inviterUsername, token string) error
}

// NopMailer logs instead of sending. Used in dev and tests.
type NopMailer struct {
	Log *slog.Logger
}

// SendInvite logs the would-be delivery.
func (m NopMailer) SendInvite(_ context.Context, email, roomName, _, _ string) error {
	if m.Log != nil {
		m.Log.Info("invite.mail.skip", "email", email, "room", roomName)
	}
	return nil
}

// InviteResult reports the outcome of an Invite call. Created is false when an
// existing pending invite was refreshed (same token, new expiry).
type InviteResult struct {
	Invite  Invitation
	Created bool
}

// Resolution is the read-only answer for the invite landing flow.
type Resolution struct {
	Email             string
	RoomID            string
	RoomName          string
	UserAlreadyExists bool
}

// InviteService drives the invitation state machine. All state transitions are
// delegated to the Store's atomic conditional operations; the service owns token
// generation, TTL policy, and the mail dispatch side effect.
type InviteService struct {
	store  Store
	dir    Directory
	mailer Mailer
	log    *slog.Logger
	ttl    time.Duration
}

// InviteOption configures an InviteService.
type InviteOption func(*InviteService) error

// WithInviteTTL overrides the default 7-day invite lifetime.
func WithInviteTTL(ttl time.Duration) InviteOption {
	return func(s *InviteService) error {
		if ttl <= 0 {
			return ErrValidation
		}
		s.ttl = ttl
		return nil
	}
}

// WithMailer sets the invitation mail collaborator.
func WithMailer(m Mailer) InviteOption {
	return func(s *InviteService) error {
		if m == nil {
			return ErrValidation
		}
		s.mailer = m
		return nil
	}
}

// NewInviteService constructs an InviteService with safe defaults.
func NewInviteService(store Store, dir Directory, log *slog.Logger, opts ...InviteOption) (*InviteService, error) {
	if store == nil || log == nil {
		return nil, ErrValidation
	}
	s := &InviteService{
		store:  store,
		dir:    dir,
		mailer: NopMailer{Log: log},
		log:    log,
		ttl:    DefaultInviteTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Invite creates or refreshes the pending invite for (roomID, email). Inviting
// by bare email always goes through the token path; existing accounts are not
// auto-admitted.
func (s *InviteService) Invite(ctx context.Context, roomID, byUserID, email string) (InviteResult, error) {
	if err := ctx.Err(); err != nil {
		return InviteResult{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return InviteResult{}, ErrValidation
	}

	now := time.Now().UTC()
	token, err := newInviteToken()
	if err != nil {
		return InviteResult{}, err
	}
	inviteID, err := ids.NewULID(now)
	if err != nil {
		return InviteResult{}, err
	}

	inv, created, err := s.store.UpsertInvite(ctx, UpsertInviteRecord{
		ID:        inviteID,
		RoomID:    roomID,
		ByUserID:  byUserID,
		Email:     email,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
	if err != nil {
		return InviteResult{}, err
	}

	s.dispatchMail(ctx, byUserID, inv)

	return InviteResult{Invite: inv, Created: created}, nil
}

func (s *InviteService) dispatchMail(ctx context.Context, byUserID string, inv Invitation) {
	room, err := s.store.GetRoomForMember(ctx, inv.RoomID, byUserID)
	if err != nil {
		s.log.Warn("invite.mail.room_lookup_fail", "room_id", inv.RoomID, "err", err)
		return
	}
	inviter := byUserID
	for _, p := range room.Participants {
		if p.UserID == byUserID && p.Username != "" {
			inviter = p.Username
			break
		}
	}
	if err := s.mailer.SendInvite(ctx, inv.Email, room.Name, inviter, inv.Token); err != nil {
		// Mail transport failures are logged, never surfaced: the invite already exists.
		s.log.Warn("invite.mail.fail", "email", inv.Email, "room_id", inv.RoomID, "err", err)
	}
}

// Cancel removes a pending invite on behalf of a current participant.
func (s *InviteService) Cancel(ctx context.Context, roomID, byUserID, inviteIDOrToken string) error {
	if strings.TrimSpace(inviteIDOrToken) == "" {
		return ErrValidation
	}
	return s.store.CancelInvite(ctx, roomID, byUserID, inviteIDOrToken)
}

// Accept claims the token for claimingUserID. Exactly one concurrent Accept of
// the same token succeeds; losers observe ErrNotFound or ErrInviteExpired.
func (s *InviteService) Accept(ctx context.Context, token, claimingUserID string) (Room, error) {
	return s.store.AcceptInvite(ctx, token, claimingUserID, time.Now().UTC())
}

// Resolve answers the unauthenticated landing flow: which room, which email, and
// whether an account already exists for that email.
func (s *InviteService) Resolve(ctx context.Context, token string) (Resolution, error) {
	inv, room, err := s.store.ResolveInvite(ctx, token, time.Now().UTC())
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{
		Email:    inv.Email,
		RoomID:   room.ID,
		RoomName: room.Name,
	}
	if s.dir != nil {
		if _, found, err := s.dir.LookupUserByEmail(ctx, inv.Email); err == nil {
			res.UserAlreadyExists = found
		} else if !errors.Is(err, context.Canceled) {
			s.log.Warn("invite.resolve.directory_fail", "err", err)
		}
	}
	return res, nil
}

func newInviteToken() (string, error) {
	b := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe, no padding: the token rides in invite links.
	return base64.RawURLEncoding.EncodeToString(b), nil
}
