package chat

import "time"

// InviteStatus enumerates the lifecycle states of a pending invitation.
// Accepted and cancelled invites are deleted; the row-level status only ever
// holds "pending" or the lazily applied "expired".
type InviteStatus string

const (
	InviteStatusPending InviteStatus = "pending"
	InviteStatusExpired InviteStatus = "expired"
)

// DefaultInviteTTL is how long a pending invite stays claimable.
const DefaultInviteTTL = 7 * 24 * time.Hour

// Participant is a room member in insertion order.
type Participant struct {
	UserID   string
	Username string
	JoinedAt time.Time
}

// Invitation is a token-bearing proposal that an email's eventual owner join a
// specific room. Exactly one invite per (room, email) may be pending at a time.
type Invitation struct {
	ID        string
	RoomID    string
	Email     string
	Status    InviteStatus
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the invitation is past its expiry at the given time.
func (i Invitation) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// Room is the durable membership record. Participants preserve insertion order;
// PendingInvites contains only pending, unexpired invites.
type Room struct {
	ID             string
	Name           string
	Description    string
	Icon           string
	CreatorID      string
	CreatedAt      time.Time
	Participants   []Participant
	PendingInvites []Invitation
}

// HasParticipant reports whether userID is a current member.
func (r Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Message is an immutable chat message. The client correlation id is a
// transport-level concern and is never persisted.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	CreatedAt      time.Time
}
