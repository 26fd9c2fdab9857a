package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"visage/cmd/internal/chat"
	v1 "visage/contracts/chat/v1"
)

// MembershipStore is the authorization boundary for room fan-out membership.
// The durable participant set is the source of truth; the registry re-checks it
// on every join so a removed user cannot rejoin with a stale token.
type MembershipStore interface {
	GetRoomForMember(ctx context.Context, roomID, userID string) (chat.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Registry tracks which live sessions subscribe to which rooms and fans
// envelopes out to them.
//
// Concurrency guarantees:
// - Join/Leave/Disconnect are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Registry struct {
	log        *slog.Logger
	membership MembershipStore
	metrics    *Metrics

	mu       sync.RWMutex
	rooms    map[string]map[string]*Client  // room id -> session id -> client
	sessions map[string]map[string]struct{} // session id -> joined room ids
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger, membership MembershipStore, metrics *Metrics) (*Registry, error) {
	if log == nil || membership == nil {
		return nil, errors.New("realtime: nil registry dependency")
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Registry{
		log:        log,
		membership: membership,
		metrics:    metrics,
		rooms:      make(map[string]map[string]*Client),
		sessions:   make(map[string]map[string]struct{}),
	}, nil
}

// Join subscribes a session to a room's fan-out set after re-verifying durable
// membership. Returns chat.ErrNotFound for unknown rooms and for rooms the user
// does not belong to. Idempotent for an already-joined session.
func (r *Registry) Join(ctx context.Context, client *Client, roomID string) (chat.Room, error) {
	if r == nil || client == nil || client.SessionID == "" {
		return chat.Room{}, errors.New("realtime: nil client")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return chat.Room{}, chat.ErrNotFound
	}

	room, err := r.membership.GetRoomForMember(ctx, roomID, client.UserID)
	if err != nil {
		return chat.Room{}, err
	}

	r.mu.Lock()
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[string]*Client)
		r.rooms[roomID] = set
	}
	_, already := set[client.SessionID]
	set[client.SessionID] = client

	joined, ok := r.sessions[client.SessionID]
	if !ok {
		joined = make(map[string]struct{})
		r.sessions[client.SessionID] = joined
	}
	joined[roomID] = struct{}{}
	r.mu.Unlock()

	if !already {
		r.metrics.RoomMemberships.Inc()
		r.log.Info("registry.join", "room_id", roomID, "session_id", client.SessionID, "user_id", client.UserID)
	}
	return room, nil
}

// Leave unsubscribes a session from one room. The client itself stays alive;
// sessions subscribe to many rooms at once.
func (r *Registry) Leave(roomID, sessionID string) bool {
	if r == nil || roomID == "" || sessionID == "" {
		return false
	}

	r.mu.Lock()
	set := r.rooms[roomID]
	_, present := set[sessionID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
	if joined := r.sessions[sessionID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	if present {
		r.metrics.RoomMemberships.Dec()
		r.log.Info("registry.leave", "room_id", roomID, "session_id", sessionID)
	}
	return present
}

// Disconnect removes the session from every room it joined and signals the
// client to shut down. It returns the room ids the session was subscribed to so
// the caller can clear typing state.
func (r *Registry) Disconnect(client *Client) []string {
	if r == nil || client == nil || client.SessionID == "" {
		return nil
	}

	r.mu.Lock()
	joined := r.sessions[client.SessionID]
	delete(r.sessions, client.SessionID)

	roomIDs := make([]string, 0, len(joined))
	for roomID := range joined {
		set := r.rooms[roomID]
		delete(set, client.SessionID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
		roomIDs = append(roomIDs, roomID)
	}
	r.mu.Unlock()

	// Close after removal so broadcasters holding a stale pointer just skip it.
	client.Close()

	for range roomIDs {
		r.metrics.RoomMemberships.Dec()
	}
	if len(roomIDs) > 0 {
		r.log.Info("registry.disconnect", "session_id", client.SessionID, "rooms", len(roomIDs))
	}
	return roomIDs
}

// InRoom reports whether the session currently subscribes to the room.
func (r *Registry) InRoom(roomID, sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][sessionID]
	return ok
}

// Broadcast fans an envelope out to every session in the room, sender included.
// Non-blocking: if a member queue is full or the client is shutting down, the
// envelope is dropped for that member.
func (r *Registry) Broadcast(roomID string, env v1.Envelope) {
	r.broadcast(roomID, "", env)
}

// BroadcastExcept fans an envelope out to every session in the room except one.
// Used for typing notifications, which the typist never receives back.
func (r *Registry) BroadcastExcept(roomID, exceptSessionID string, env v1.Envelope) {
	r.broadcast(roomID, exceptSessionID, env)
}

func (r *Registry) broadcast(roomID, exceptSessionID string, env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sessionID, m := range r.rooms[roomID] {
		if m == nil || sessionID == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
			r.metrics.EnvelopesSent.Inc()
		default:
			// Drop rather than block the whole room.
			r.metrics.EnvelopesDropped.Inc()
		}
	}
}
