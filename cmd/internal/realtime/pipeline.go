package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visage/cmd/internal/chat"
	v1 "visage/contracts/chat/v1"

	"github.com/google/uuid"
)

// ErrNotJoined marks a realtime operation on a room the session has not joined.
var ErrNotJoined = errors.New("realtime: join the room first")

// MessageStore is the durable write surface of the send pipeline.
type MessageStore interface {
	AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.Message, error)
}

const (
	sendAttempts = 3
	sendBackoff  = 50 * time.Millisecond
)

// Pipeline turns inbound sendMessage frames into durable writes and fan-outs.
//
// Ordering guarantee: a newMessage broadcast happens only after the store write
// returned, so no client ever renders a message that later fails to persist.
type Pipeline struct {
	log      *slog.Logger
	store    MessageStore
	registry *Registry
	typing   *TypingTracker
	metrics  *Metrics
}

// NewPipeline constructs a Pipeline.
func NewPipeline(log *slog.Logger, store MessageStore, registry *Registry, typing *TypingTracker, metrics *Metrics) (*Pipeline, error) {
	if log == nil || store == nil || registry == nil {
		return nil, errors.New("realtime: nil pipeline dependency")
	}
	if typing == nil {
		typing = NewTypingTracker()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Pipeline{
		log:      log,
		store:    store,
		registry: registry,
		typing:   typing,
		metrics:  metrics,
	}, nil
}

// Send persists the message and broadcasts it to the room, sender included.
// The sender reconciles its optimistic echo through the echoed client_msg_id.
func (p *Pipeline) Send(ctx context.Context, client *Client, in v1.SendMessagePayload, now time.Time) error {
	if p == nil || client == nil {
		return errors.New("realtime: nil pipeline")
	}

	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" || !p.registry.InRoom(roomID, client.SessionID) {
		return ErrNotJoined
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return errors.New("empty content")
	}
	if len([]rune(content)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	msg, err := p.appendWithRetry(ctx, chat.AppendMessageInput{
		RoomID:         roomID,
		SenderID:       client.UserID,
		SenderUsername: client.Username,
		Content:        content,
		Now:            now,
	})
	if err != nil {
		return err
	}
	p.metrics.MessagesPersisted.Inc()

	payload, _ := json.Marshal(v1.NewMessagePayload{
		RoomID:         msg.RoomID,
		MessageID:      msg.ID,
		ClientMsgID:    strings.TrimSpace(in.ClientMsgID),
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
	p.registry.Broadcast(roomID, newEnvelope(v1.TypeNewMessage, payload, now))

	// Sending a message ends the sender's typing state.
	if p.typing.Clear(roomID, client.UserID) {
		p.broadcastTyping(roomID, client, false, now)
	}
	return nil
}

// Typing records the sender's typing state and notifies the other room members
// when it changed. The typist never receives its own notification.
func (p *Pipeline) Typing(client *Client, in v1.SendTypingPayload, now time.Time) error {
	if p == nil || client == nil {
		return errors.New("realtime: nil pipeline")
	}

	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" || !p.registry.InRoom(roomID, client.SessionID) {
		return ErrNotJoined
	}

	if p.typing.Set(roomID, client.UserID, in.IsTyping) {
		p.broadcastTyping(roomID, client, in.IsTyping, now)
	}
	return nil
}

// ClearSession drops the user's typing state in the given rooms, broadcasting
// the stop where one was active. Called on leave and on disconnect.
func (p *Pipeline) ClearSession(client *Client, roomIDs []string, now time.Time) {
	if p == nil || client == nil {
		return
	}
	for _, roomID := range p.typing.ClearRooms(roomIDs, client.UserID) {
		p.broadcastTyping(roomID, client, false, now)
	}
}

func (p *Pipeline) broadcastTyping(roomID string, client *Client, isTyping bool, now time.Time) {
	payload, _ := json.Marshal(v1.UserTypingPayload{
		RoomID:   roomID,
		UserID:   client.UserID,
		Username: client.Username,
		IsTyping: isTyping,
	})
	p.registry.BroadcastExcept(roomID, client.SessionID, newEnvelope(v1.TypeUserTyping, payload, now))
}

// appendWithRetry retries the durable write a bounded number of times, but only
// for connection-class failures. Semantic refusals (revoked membership, missing
// room) surface immediately.
func (p *Pipeline) appendWithRetry(ctx context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		msg, err := p.store.AppendMessage(ctx, in)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, chat.ErrTransient) {
			return chat.Message{}, err
		}
		lastErr = err
		p.log.Warn("pipeline.append.retry", "room_id", in.RoomID, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * sendBackoff):
		}
	}
	return chat.Message{}, lastErr
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}
