package httpapi

import (
	"time"

	"visage/cmd/internal/chat"
	"visage/cmd/internal/identity"
)

// ---- requests ----

type signupRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	FaceTemplate string `json:"face_template,omitempty"`
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FaceTemplate string `json:"face_template,omitempty"`
}

type createRoomRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Icon           string   `json:"icon,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
}

type updateRoomRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

type createInviteRequest struct {
	Email string `json:"email"`
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

// ---- responses ----

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionResponse struct {
	User      userResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type participantResponse struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

type inviteResponse struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type roomResponse struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	Icon           string                `json:"icon,omitempty"`
	CreatorID      string                `json:"creator_id"`
	CreatedAt      time.Time             `json:"created_at"`
	Participants   []participantResponse `json:"participants"`
	PendingInvites []inviteResponse      `json:"pending_invites,omitempty"`
}

type roomListResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type historyResponse struct {
	Room     roomResponse      `json:"room"`
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

type resolveInviteResponse struct {
	Email             string `json:"email"`
	RoomID            string `json:"room_id"`
	RoomName          string `json:"room_name"`
	UserAlreadyExists bool   `json:"user_already_exists"`
}

// ---- mappers ----

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

func toSessionResponse(s identity.Session) sessionResponse {
	return sessionResponse{
		User:      toUserResponse(s.User),
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt,
	}
}

// toInviteResponse omits the token unless includeToken is set; the token only
// travels to the invited email, not to every member listing the room.
func toInviteResponse(in chat.Invitation, includeToken bool) inviteResponse {
	out := inviteResponse{
		ID:        in.ID,
		RoomID:    in.RoomID,
		Email:     in.Email,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
	}
	if includeToken {
		out.Token = in.Token
	}
	return out
}

func toRoomResponse(r chat.Room) roomResponse {
	participants := make([]participantResponse, 0, len(r.Participants))
	for _, p := range r.Participants {
		participants = append(participants, participantResponse{
			UserID:   p.UserID,
			Username: p.Username,
			JoinedAt: p.JoinedAt,
		})
	}
	var invites []inviteResponse
	for _, in := range r.PendingInvites {
		invites = append(invites, toInviteResponse(in, false))
	}
	return roomResponse{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Icon:           r.Icon,
		CreatorID:      r.CreatorID,
		CreatedAt:      r.CreatedAt,
		Participants:   participants,
		PendingInvites: invites,
	}
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
