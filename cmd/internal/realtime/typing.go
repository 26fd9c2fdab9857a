package realtime

import "sync"

type typingKey struct {
	roomID string
	userID string
}

// TypingTracker holds the latest typing state per (room, user). State is
// last-write-wins and purely ephemeral: nothing here is persisted, and a
// disconnect clears whatever the user left behind.
type TypingTracker struct {
	mu     sync.Mutex
	active map[typingKey]struct{}
}

// NewTypingTracker constructs an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{active: make(map[typingKey]struct{})}
}

// Set records the user's typing state for a room and reports whether the
// observable state changed. Callers broadcast only on change, so repeated
// "still typing" frames stay quiet on the wire.
func (t *TypingTracker) Set(roomID, userID string, isTyping bool) bool {
	if t == nil || roomID == "" || userID == "" {
		return false
	}
	k := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, was := t.active[k]
	if isTyping == was {
		return false
	}
	if isTyping {
		t.active[k] = struct{}{}
	} else {
		delete(t.active, k)
	}
	return true
}

// Clear drops the typing state for one (room, user) and reports whether the
// user was typing. Used when a sent message implicitly ends typing and when a
// session leaves a room.
func (t *TypingTracker) Clear(roomID, userID string) bool {
	if t == nil {
		return false
	}
	k := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, was := t.active[k]
	delete(t.active, k)
	return was
}

// ClearRooms drops the user's typing state across the given rooms and returns
// the rooms where the user was actively typing, so the caller can broadcast the
// stop to each.
func (t *TypingTracker) ClearRooms(roomIDs []string, userID string) []string {
	if t == nil || len(roomIDs) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for _, roomID := range roomIDs {
		k := typingKey{roomID: roomID, userID: userID}
		if _, was := t.active[k]; was {
			delete(t.active, k)
			cleared = append(cleared, roomID)
		}
	}
	return cleared
}
