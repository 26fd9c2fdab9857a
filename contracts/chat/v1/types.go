// Package v1 defines the Visage chat wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoinRoom requests membership in a room's fan-out set (client -> server).
	TypeJoinRoom = "joinRoom"
	// TypeRoomJoined acknowledges a successful join (server -> client).
	TypeRoomJoined = "roomJoined"
	// TypeLeaveRoom removes the connection from a room's fan-out set (client -> server).
	TypeLeaveRoom = "leaveRoom"

	// TypeSendMessage requests persisting and broadcasting a message (client -> server).
	TypeSendMessage = "sendMessage"
	// TypeNewMessage broadcasts a durably written message (server -> room members,
	// including the sender, which reconciles its optimistic echo by client_msg_id).
	TypeNewMessage = "newMessage"

	// TypeSendTyping reports the sender's typing state (client -> server).
	TypeSendTyping = "sendTyping"
	// TypeUserTyping broadcasts a typing state change (server -> room members except sender).
	TypeUserTyping = "userTyping"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Handshake rejection reasons (carried in the close reason and error payload code).
const (
	ReasonNoCredential      = "no-credential"
	ReasonInvalidCredential = "invalid-credential"
	ReasonExpiredCredential = "expired-credential"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeRoomJoined,
		TypeLeaveRoom,
		TypeSendMessage,
		TypeNewMessage,
		TypeSendTyping,
		TypeUserTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinRoomPayload requests membership in a room's fan-out set.
type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
}

// RoomJoinedPayload acknowledges a join.
type RoomJoinedPayload struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name,omitempty"`
}

// LeaveRoomPayload removes the connection from a room's fan-out set.
type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

// SendMessagePayload requests sending a message into a room.
// ClientMsgID is a client-generated correlation id echoed back in NewMessagePayload.
type SendMessagePayload struct {
	RoomID      string `json:"room_id"`
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// NewMessagePayload is broadcast when a message has been durably written.
type NewMessagePayload struct {
	RoomID         string    `json:"room_id"`
	MessageID      string    `json:"message_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// SendTypingPayload reports the sender's typing state for a room.
type SendTypingPayload struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserTypingPayload is broadcast to room members other than the typist.
type UserTypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
