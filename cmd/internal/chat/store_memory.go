package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"visage/cmd/internal/ids"
)

const memMaxMessagesPerRoom = 10_000

// UserInfoFunc resolves a user id to (username, lowercased email). It backs the
// participant/invite cross-checks that the Postgres store performs with joins.
type UserInfoFunc func(userID string) (username, email string, ok bool)

// MemoryStore is the in-memory Store used when no database is configured and by
// unit tests. A single mutex guards all rooms, which makes every operation the
// atomic conditional update the Store contract requires.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*memRoom
	userInfo UserInfoFunc
}

type memRoom struct {
	id          string
	name        string
	description string
	icon        string
	creatorID   string
	createdAt   time.Time

	participants []Participant
	invites      []Invitation
	messages     []Message
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithUserInfo wires a user directory used to resolve usernames for participant
// listings and emails for the participant-vs-invite invariant.
func WithUserInfo(f UserInfoFunc) MemoryOption {
	return func(s *MemoryStore) { s.userInfo = f }
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{rooms: make(map[string]*memRoom)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookup(userID string) (string, string, bool) {
	if s.userInfo == nil {
		return "", "", false
	}
	return s.userInfo(userID)
}

func (s *MemoryStore) username(userID string) string {
	if name, _, ok := s.lookup(userID); ok && name != "" {
		return name
	}
	return userID
}

// CreateRoom creates a room with the creator implicitly included in participants.
func (s *MemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.CreatorID) == "" {
		return Room{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := &memRoom{
		id:          id,
		name:        name,
		description: strings.TrimSpace(in.Description),
		icon:        strings.TrimSpace(in.Icon),
		creatorID:   in.CreatorID,
		createdAt:   now,
	}
	r.addParticipantLocked(in.CreatorID, s.username(in.CreatorID), now)
	for _, uid := range in.InitialParticipantIDs {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		r.addParticipantLocked(uid, s.username(uid), now)
	}
	s.rooms[id] = r

	return r.snapshot(now), nil
}

func (r *memRoom) addParticipantLocked(userID, username string, now time.Time) bool {
	for _, p := range r.participants {
		if p.UserID == userID {
			return false
		}
	}
	r.participants = append(r.participants, Participant{
		UserID:   userID,
		Username: username,
		JoinedAt: now,
	})
	return true
}

func (r *memRoom) hasParticipantLocked(userID string) bool {
	for _, p := range r.participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// snapshot returns a defensive copy with only pending, unexpired invites.
func (r *memRoom) snapshot(now time.Time) Room {
	out := Room{
		ID:          r.id,
		Name:        r.name,
		Description: r.description,
		Icon:        r.icon,
		CreatorID:   r.creatorID,
		CreatedAt:   r.createdAt,
	}
	out.Participants = append(out.Participants, r.participants...)
	for _, inv := range r.invites {
		if inv.Status == InviteStatusPending && !inv.Expired(now) {
			out.PendingInvites = append(out.PendingInvites, inv)
		}
	}
	return out
}

// GetRoomForMember returns the room only if userID participates.
func (s *MemoryStore) GetRoomForMember(ctx context.Context, roomID, userID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil || !r.hasParticipantLocked(userID) {
		return Room{}, ErrNotFound
	}
	return r.snapshot(time.Now().UTC()), nil
}

// ListRoomsForUser returns the user's rooms, newest first.
func (s *MemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Room
	for _, r := range s.rooms {
		if r.hasParticipantLocked(userID) {
			out = append(out, r.snapshot(now))
		}
	}
	// ULIDs sort by creation time, so id DESC is newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// UpdateRoomInfo applies a creator-only metadata update.
func (s *MemoryStore) UpdateRoomInfo(ctx context.Context, in UpdateRoomInput) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return Room{}, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil || !r.hasParticipantLocked(in.ByUserID) {
		return Room{}, ErrNotFound
	}
	if r.creatorID != in.ByUserID {
		return Room{}, ErrForbidden
	}

	if in.Name != nil {
		r.name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		r.description = strings.TrimSpace(*in.Description)
	}
	if in.Icon != nil {
		r.icon = strings.TrimSpace(*in.Icon)
	}
	return r.snapshot(time.Now().UTC()), nil
}

// AddParticipant admits userID (idempotent) and removes any pending invite whose
// email belongs to that user in the same step.
func (s *MemoryStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return ErrNotFound
	}
	r.addParticipantLocked(userID, s.username(userID), now)
	if _, email, ok := s.lookup(userID); ok && email != "" {
		r.removeInvitesByEmailLocked(email)
	}
	return nil
}

func (r *memRoom) removeInvitesByEmailLocked(email string) {
	email = strings.ToLower(email)
	dst := r.invites[:0]
	for _, inv := range r.invites {
		if inv.Email != email {
			dst = append(dst, inv)
		}
	}
	r.invites = dst
}

// RemoveParticipant removes userID from the room on behalf of byUserID.
func (s *MemoryStore) RemoveParticipant(ctx context.Context, roomID, byUserID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return ErrNotFound
	}
	if !r.hasParticipantLocked(byUserID) {
		return ErrForbidden
	}
	for i, p := range r.participants {
		if p.UserID == userID {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return nil
		}
	}
	return ErrNotAMember
}

// IsMember reports current membership.
func (s *MemoryStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	return r != nil && r.hasParticipantLocked(userID), nil
}

// AppendMessage durably records a message, re-verifying membership in the same
// atomic step.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, ErrValidation
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return Message{}, ErrNotFound
	}
	if !r.hasParticipantLocked(in.SenderID) {
		return Message{}, ErrNotAMember
	}

	msg := Message{
		ID:             id,
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		SenderUsername: in.SenderUsername,
		Content:        content,
		CreatedAt:      now,
	}
	r.messages = append(r.messages, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.messages) > memMaxMessagesPerRoom {
		r.messages = r.messages[len(r.messages)-memMaxMessagesPerRoom:]
	}
	return msg, nil
}

// ListMessages pages history newest-first with an exclusive before-id cursor.
func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return ListMessagesResult{}, ErrNotFound
	}

	out := make([]Message, 0, limit+1)
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if in.Before != "" && m.ID >= in.Before {
			continue
		}
		out = append(out, m)
		if len(out) > limit {
			break
		}
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// UpsertInvite creates or refreshes the single pending invite for (room, email).
func (s *MemoryStore) UpsertInvite(ctx context.Context, in UpsertInviteRecord) (Invitation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, false, err
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Token == "" || in.ID == "" {
		return Invitation{}, false, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		return Invitation{}, false, ErrNotFound
	}
	if !r.hasParticipantLocked(in.ByUserID) {
		return Invitation{}, false, ErrForbidden
	}

	// Guard the participant/invite exclusion invariant under the same lock.
	for _, p := range r.participants {
		if _, pEmail, ok := s.lookup(p.UserID); ok && pEmail == email {
			return Invitation{}, false, ErrAlreadyMember
		}
	}

	for i := range r.invites {
		inv := &r.invites[i]
		if inv.Email != email || inv.Status != InviteStatusPending {
			continue
		}
		if inv.Expired(in.CreatedAt) {
			// Expired is terminal: replace the row outright.
			break
		}
		inv.ExpiresAt = in.ExpiresAt
		return *inv, false, nil
	}

	r.removeInvitesByEmailLocked(email)
	inv := Invitation{
		ID:        in.ID,
		RoomID:    in.RoomID,
		Email:     email,
		Status:    InviteStatusPending,
		Token:     in.Token,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
	}
	r.invites = append(r.invites, inv)
	return inv, true, nil
}

// CancelInvite removes a pending invite matched by id or token.
func (s *MemoryStore) CancelInvite(ctx context.Context, roomID, byUserID, inviteIDOrToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return ErrNotFound
	}
	if !r.hasParticipantLocked(byUserID) {
		return ErrForbidden
	}

	for i, inv := range r.invites {
		if inv.Status != InviteStatusPending {
			continue
		}
		if inv.ID == inviteIDOrToken || inv.Token == inviteIDOrToken {
			r.invites = append(r.invites[:i], r.invites[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// AcceptInvite consumes the token: the participant insert and the invite removal
// happen under one lock, so no reader observes one without the other.
func (s *MemoryStore) AcceptInvite(ctx context.Context, token, userID string, now time.Time) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		for i := range r.invites {
			inv := &r.invites[i]
			if inv.Token != token || inv.Status != InviteStatusPending {
				continue
			}
			if inv.Expired(now) {
				inv.Status = InviteStatusExpired
				return Room{}, ErrInviteExpired
			}
			r.invites = append(r.invites[:i], r.invites[i+1:]...)
			r.addParticipantLocked(userID, s.username(userID), now)
			return r.snapshot(now), nil
		}
	}
	return Room{}, ErrNotFound
}

// ResolveInvite is the read-only token lookup for the invite landing flow.
func (s *MemoryStore) ResolveInvite(ctx context.Context, token string, now time.Time) (Invitation, Room, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, Room{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		for i := range r.invites {
			inv := &r.invites[i]
			if inv.Token != token || inv.Status != InviteStatusPending {
				continue
			}
			if inv.Expired(now) {
				inv.Status = InviteStatusExpired
				return Invitation{}, Room{}, ErrInviteExpired
			}
			return *inv, r.snapshot(now), nil
		}
	}
	return Invitation{}, Room{}, ErrNotFound
}
