package chat

import "errors"

// Error taxonomy for room membership and invitation operations.
// Callers branch with errors.Is; the HTTP layer maps these onto statuses and the
// websocket gateway onto error envelopes.
var (
	// ErrNotFound covers absent rooms, invites, and messages. For room reads it is
	// deliberately indistinguishable from "room exists but caller is not a member"
	// to prevent membership enumeration.
	ErrNotFound = errors.New("chat: not found")

	// ErrNotAMember is returned when an operation requires the subject to be a
	// current participant and it is not.
	ErrNotAMember = errors.New("chat: not a member")

	// ErrForbidden is returned when the acting user is not allowed to perform the
	// operation (e.g. cancelling an invite in a room it does not belong to).
	ErrForbidden = errors.New("chat: forbidden")

	// ErrAlreadyMember is returned when inviting an email that belongs to a
	// current participant.
	ErrAlreadyMember = errors.New("chat: already a member")

	// ErrInviteExpired is returned when a token is past its expiry. The caller
	// should request a fresh invite.
	ErrInviteExpired = errors.New("chat: invite expired")

	// ErrValidation is returned for empty names, empty message content, and other
	// caller-correctable input problems.
	ErrValidation = errors.New("chat: invalid input")

	// ErrTransient marks durable-store unavailability. Callers may retry a small
	// bounded number of times before surfacing a fatal error.
	ErrTransient = errors.New("chat: transient store error")
)
