package chat

import (
	"context"
	"time"
)

// CreateRoomInput describes room creation. The creator is always included in the
// participant set whether or not it appears in InitialParticipantIDs.
type CreateRoomInput struct {
	Name                  string
	Description           string
	Icon                  string
	CreatorID             string
	InitialParticipantIDs []string
	Now                   time.Time
}

// UpdateRoomInput describes a creator-only metadata update. Nil fields are left
// unchanged.
type UpdateRoomInput struct {
	RoomID      string
	ByUserID    string
	Name        *string
	Description *string
	Icon        *string
}

// AppendMessageInput describes a durable message write. SenderUsername is carried
// through for broadcast payloads and is not part of the persisted message row.
type AppendMessageInput struct {
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	Now            time.Time
}

// ListMessagesInput pages history newest-first. Before is an exclusive message-id
// cursor; empty means "from the latest".
type ListMessagesInput struct {
	RoomID string
	Before string
	Limit  int
}

// ListMessagesResult is a newest-first history window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// UpsertInviteRecord is a normalized pending-invite write. If a pending invite for
// (RoomID, Email) already exists the store refreshes its expiry and returns the
// existing record; the prepared ID/Token are discarded in that case.
type UpsertInviteRecord struct {
	ID        string
	RoomID    string
	ByUserID  string
	Email     string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the single source of truth for rooms, participants, invitations, and
// messages.
//
// Contract: every mutation is applied as one atomic conditional update keyed by
// room id. Callers must never read, locally mutate, and write back shared
// membership state; concurrent cancellations, acceptances, and removals rely on
// the store's own conditional primitives to produce exactly one winner.
type Store interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)

	// GetRoomForMember returns the room only if userID is a participant. Absence
	// of membership is indistinguishable from absence of the room (ErrNotFound).
	// It is the sole authorization check for join/read operations.
	GetRoomForMember(ctx context.Context, roomID, userID string) (Room, error)

	// ListRoomsForUser returns all rooms where userID participates, newest first.
	ListRoomsForUser(ctx context.Context, userID string) ([]Room, error)

	// UpdateRoomInfo renames/re-describes a room. Creator-only (ErrForbidden).
	UpdateRoomInfo(ctx context.Context, in UpdateRoomInput) (Room, error)

	// AddParticipant admits userID; idempotent. Any pending invite whose email
	// belongs to userID is removed in the same atomic step.
	AddParticipant(ctx context.Context, roomID, userID string) error

	// RemoveParticipant removes userID from the room. The acting user must itself
	// be a current participant (ErrForbidden); removing a non-member fails with
	// ErrNotAMember.
	RemoveParticipant(ctx context.Context, roomID, byUserID, userID string) error

	// IsMember reports current membership without loading the room.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)

	// AppendMessage durably writes a message. It re-verifies membership inside the
	// same atomic step, closing the revoke-between-check-and-append race.
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)

	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)

	// UpsertInvite creates or refreshes the single pending invite for
	// (room, email). The returned bool is true when a new invite was created.
	UpsertInvite(ctx context.Context, in UpsertInviteRecord) (Invitation, bool, error)

	// CancelInvite removes a pending invite matched by id or token in one
	// conditional delete. The acting user must be a current participant
	// (ErrForbidden); ErrNotFound when no matching pending invite exists.
	CancelInvite(ctx context.Context, roomID, byUserID, inviteIDOrToken string) error

	// AcceptInvite atomically adds userID to participants and deletes the pending
	// invite. A reader never observes one without the other. Concurrent accepts
	// of the same token yield exactly one success; the loser gets ErrNotFound
	// (or ErrInviteExpired when the token outlived its TTL).
	AcceptInvite(ctx context.Context, token, userID string, now time.Time) (Room, error)

	// ResolveInvite is a read-only token lookup that refuses expired or consumed
	// tokens. It returns the invite together with its room.
	ResolveInvite(ctx context.Context, token string, now time.Time) (Invitation, Room, error)

	Close() error
}
