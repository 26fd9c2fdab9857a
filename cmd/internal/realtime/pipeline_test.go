package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"visage/cmd/internal/chat"
	v1 "visage/contracts/chat/v1"
)

// flakyStore fails the first "failures" appends with the given error, then
// persists normally.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	failWith error
	calls    int
	appended []chat.AppendMessageInput
}

func (s *flakyStore) AppendMessage(_ context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return chat.Message{}, s.failWith
	}
	s.appended = append(s.appended, in)
	return chat.Message{
		ID:             fmt.Sprintf("m-%d", len(s.appended)),
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		SenderUsername: in.SenderUsername,
		Content:        in.Content,
		CreatedAt:      in.Now,
	}, nil
}

type pipelineFixture struct {
	reg   *Registry
	pipe  *Pipeline
	store *flakyStore
	alice *Client
	bob   *Client
}

func newPipelineFixture(t *testing.T, store *flakyStore) *pipelineFixture {
	t.Helper()

	reg := newTestRegistry(t, stubMembership{rooms: map[string]map[string]bool{
		"r1": {"u-alice": true, "u-bob": true},
	}})
	pipe, err := NewPipeline(testLogger(), store, reg, NewTypingTracker(), NopMetrics())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	f := &pipelineFixture{
		reg:   reg,
		pipe:  pipe,
		store: store,
		alice: NewClient("u-alice", "alice", 8),
		bob:   NewClient("u-bob", "bob", 8),
	}
	for _, c := range []*Client{f.alice, f.bob} {
		if _, err := reg.Join(context.Background(), c, "r1"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return f
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestSendPersistsThenBroadcasts(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{
		RoomID:      "r1",
		ClientMsgID: "tmp-42",
		Content:     "  hello room  ",
	}, now)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(f.store.appended) != 1 {
		t.Fatalf("store writes: want 1, got %d", len(f.store.appended))
	}
	if got := f.store.appended[0].Content; got != "hello room" {
		t.Fatalf("content not trimmed before persist: %q", got)
	}

	// Both members receive the fan-out, the sender included.
	for _, c := range []*Client{f.alice, f.bob} {
		env := recvEnvelope(t, c)
		if env.Type != v1.TypeNewMessage {
			t.Fatalf("%s got %s", c.Username, env.Type)
		}
		msg := decodePayload[v1.NewMessagePayload](t, env)
		if msg.ClientMsgID != "tmp-42" {
			t.Fatalf("client_msg_id not echoed: %q", msg.ClientMsgID)
		}
		if msg.SenderID != "u-alice" || msg.Content != "hello room" {
			t.Fatalf("unexpected payload: %+v", msg)
		}
		if msg.MessageID == "" {
			t.Fatalf("payload missing canonical message id")
		}
	}
}

func TestSendRequiresJoin(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	stranger := NewClient("u-eve", "eve", 8)

	err := f.pipe.Send(context.Background(), stranger, v1.SendMessagePayload{RoomID: "r1", Content: "hi"}, time.Now())
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("want ErrNotJoined, got %v", err)
	}
	if f.store.calls != 0 {
		t.Fatalf("store reached for an unjoined session")
	}
}

func TestSendValidatesContent(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})

	if err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: "   "}, time.Now()); err == nil {
		t.Fatalf("blank content accepted")
	}
	long := strings.Repeat("x", maxMessageChars+1)
	if err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: long}, time.Now()); err == nil {
		t.Fatalf("oversized content accepted")
	}
	if f.store.calls != 0 {
		t.Fatalf("invalid content reached the store")
	}
	assertNoEnvelope(t, f.bob)
}

func TestSendRetriesTransientWriteFailures(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: 2, failWith: fmt.Errorf("%w: connection reset", chat.ErrTransient)}
	f := newPipelineFixture(t, store)

	err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: "hi"}, time.Now())
	if err != nil {
		t.Fatalf("send should succeed after retries: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("append attempts: want 3, got %d", store.calls)
	}
	if env := recvEnvelope(t, f.bob); env.Type != v1.TypeNewMessage {
		t.Fatalf("bob got %s", env.Type)
	}
}

func TestSendGivesUpAfterBoundedRetries(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: sendAttempts + 1, failWith: fmt.Errorf("%w: connection reset", chat.ErrTransient)}
	f := newPipelineFixture(t, store)

	err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: "hi"}, time.Now())
	if !errors.Is(err, chat.ErrTransient) {
		t.Fatalf("want ErrTransient, got %v", err)
	}
	if store.calls != sendAttempts {
		t.Fatalf("append attempts: want %d, got %d", sendAttempts, store.calls)
	}

	// Nothing was broadcast for the failed write.
	assertNoEnvelope(t, f.alice)
	assertNoEnvelope(t, f.bob)
}

func TestSendDoesNotRetrySemanticRefusals(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: sendAttempts, failWith: chat.ErrNotAMember}
	f := newPipelineFixture(t, store)

	err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: "hi"}, time.Now())
	if !errors.Is(err, chat.ErrNotAMember) {
		t.Fatalf("want ErrNotAMember, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("semantic refusal must not be retried, got %d attempts", store.calls)
	}
	assertNoEnvelope(t, f.bob)
}

func TestTypingBroadcastsOnChangeOnly(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	now := time.Now()

	if err := f.pipe.Typing(f.alice, v1.SendTypingPayload{RoomID: "r1", IsTyping: true}, now); err != nil {
		t.Fatalf("typing: %v", err)
	}

	// The typist stays quiet, the peer hears the change.
	assertNoEnvelope(t, f.alice)
	env := recvEnvelope(t, f.bob)
	typing := decodePayload[v1.UserTypingPayload](t, env)
	if !typing.IsTyping || typing.UserID != "u-alice" {
		t.Fatalf("unexpected typing payload: %+v", typing)
	}

	// Repeats of the same state do not rebroadcast.
	if err := f.pipe.Typing(f.alice, v1.SendTypingPayload{RoomID: "r1", IsTyping: true}, now); err != nil {
		t.Fatalf("typing repeat: %v", err)
	}
	assertNoEnvelope(t, f.bob)

	if err := f.pipe.Typing(f.alice, v1.SendTypingPayload{RoomID: "r1", IsTyping: false}, now); err != nil {
		t.Fatalf("typing stop: %v", err)
	}
	env = recvEnvelope(t, f.bob)
	if typing = decodePayload[v1.UserTypingPayload](t, env); typing.IsTyping {
		t.Fatalf("expected a stop notification")
	}
}

func TestTypingRequiresJoin(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	stranger := NewClient("u-eve", "eve", 8)

	err := f.pipe.Typing(stranger, v1.SendTypingPayload{RoomID: "r1", IsTyping: true}, time.Now())
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("want ErrNotJoined, got %v", err)
	}
}

func TestSendClearsTypingState(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	now := time.Now()

	if err := f.pipe.Typing(f.alice, v1.SendTypingPayload{RoomID: "r1", IsTyping: true}, now); err != nil {
		t.Fatalf("typing: %v", err)
	}
	recvEnvelope(t, f.bob) // typing start

	if err := f.pipe.Send(context.Background(), f.alice, v1.SendMessagePayload{RoomID: "r1", Content: "done typing"}, now); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Bob sees the message, then the implicit typing stop.
	if env := recvEnvelope(t, f.bob); env.Type != v1.TypeNewMessage {
		t.Fatalf("bob got %s, want newMessage", env.Type)
	}
	env := recvEnvelope(t, f.bob)
	if env.Type != v1.TypeUserTyping {
		t.Fatalf("bob got %s, want userTyping", env.Type)
	}
	if typing := decodePayload[v1.UserTypingPayload](t, env); typing.IsTyping {
		t.Fatalf("expected typing stop after own message")
	}
}

func TestClearSessionBroadcastsStops(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, &flakyStore{})
	now := time.Now()

	if err := f.pipe.Typing(f.alice, v1.SendTypingPayload{RoomID: "r1", IsTyping: true}, now); err != nil {
		t.Fatalf("typing: %v", err)
	}
	recvEnvelope(t, f.bob) // typing start

	roomIDs := f.reg.Disconnect(f.alice)
	f.pipe.ClearSession(f.alice, roomIDs, now)

	env := recvEnvelope(t, f.bob)
	if env.Type != v1.TypeUserTyping {
		t.Fatalf("bob got %s, want userTyping", env.Type)
	}
	if typing := decodePayload[v1.UserTypingPayload](t, env); typing.IsTyping {
		t.Fatalf("expected typing stop on disconnect")
	}

	// A session that was never typing produces no traffic.
	f.pipe.ClearSession(f.bob, []string{"r1"}, now)
	assertNoEnvelope(t, f.bob)
}
