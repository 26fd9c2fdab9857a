package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"visage/cmd/internal/chat"
	"visage/cmd/internal/identity"
)

type testDirectory struct {
	users *identity.MemoryStore
}

func (d testDirectory) LookupUserByEmail(ctx context.Context, email string) (chat.UserRef, bool, error) {
	u, err := d.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return chat.UserRef{}, false, nil
		}
		return chat.UserRef{}, false, err
	}
	return chat.UserRef{ID: u.ID, Username: u.Username, Email: u.Email}, true, nil
}

type apiFixture struct {
	srv   *httptest.Server
	rooms *chat.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	userStore := identity.NewMemoryStore()
	tokens, err := identity.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("jwt verifier: %v", err)
	}
	users, err := identity.NewService(userStore, tokens, identity.NopFaceMatcher{}, log)
	if err != nil {
		t.Fatalf("identity service: %v", err)
	}

	rooms := chat.NewMemoryStore(chat.WithUserInfo(userStore.UserInfo))
	invites, err := chat.NewInviteService(rooms, testDirectory{users: userStore}, log)
	if err != nil {
		t.Fatalf("invite service: %v", err)
	}

	h, err := NewHandler(log, users, rooms, invites)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, rooms: rooms}
}

// call issues a JSON request and decodes the response body into a generic map.
func (f *apiFixture) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(res.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, raw, err)
		}
	}
	return res.StatusCode, out
}

type account struct {
	userID string
	email  string
	token  string
}

func (f *apiFixture) signup(t *testing.T, username, email string) account {
	t.Helper()

	status, body := f.call(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"username": username,
		"email":    email,
		"password": "long enough pw",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %v", username, status, body)
	}
	user := body["user"].(map[string]any)
	return account{
		userID: user["id"].(string),
		email:  user["email"].(string),
		token:  body["token"].(string),
	}
}

func (f *apiFixture) createRoom(t *testing.T, owner account, name string) string {
	t.Helper()

	status, body := f.call(t, http.MethodPost, "/api/rooms", owner.token, map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create room: status %d body %v", status, body)
	}
	return body["id"].(string)
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSignupAndLogin(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "Alice@Example.com")
	if alice.email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", alice.email)
	}

	status, body := f.call(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"username": "alice2", "email": "alice@example.com", "password": "long enough pw",
	})
	if status != http.StatusConflict || errorCode(body) != "email_taken" {
		t.Fatalf("duplicate email: status %d code %q", status, errorCode(body))
	}

	status, body = f.call(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "wrong password",
	})
	if status != http.StatusUnauthorized || errorCode(body) != "invalid_credentials" {
		t.Fatalf("bad login: status %d code %q", status, errorCode(body))
	}

	status, body = f.call(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "long enough pw",
	})
	if status != http.StatusOK || body["token"] == "" {
		t.Fatalf("login: status %d body %v", status, body)
	}
}

func TestAuthRejectionCodes(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	status, body := f.call(t, http.MethodGet, "/api/rooms", "", nil)
	if status != http.StatusUnauthorized || errorCode(body) != "no-credential" {
		t.Fatalf("missing token: status %d code %q", status, errorCode(body))
	}

	status, body = f.call(t, http.MethodGet, "/api/rooms", "not-a-jwt", nil)
	if status != http.StatusUnauthorized || errorCode(body) != "invalid-credential" {
		t.Fatalf("garbage token: status %d code %q", status, errorCode(body))
	}
}

func TestRoomLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	bob := f.signup(t, "bob", "b@b.com")

	roomID := f.createRoom(t, alice, "design")

	status, body := f.call(t, http.MethodGet, "/api/rooms/"+roomID, alice.token, nil)
	if status != http.StatusOK || body["name"] != "design" {
		t.Fatalf("get room: status %d body %v", status, body)
	}

	// Non-members get the same 404 as a missing room.
	status, body = f.call(t, http.MethodGet, "/api/rooms/"+roomID, bob.token, nil)
	if status != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Fatalf("outsider get: status %d code %q", status, errorCode(body))
	}
	status, _ = f.call(t, http.MethodGet, "/api/rooms/no-such-room", bob.token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing room: status %d", status)
	}

	status, body = f.call(t, http.MethodGet, "/api/rooms", alice.token, nil)
	if status != http.StatusOK {
		t.Fatalf("list rooms: status %d", status)
	}
	if rooms := body["rooms"].([]any); len(rooms) != 1 {
		t.Fatalf("alice sees %d rooms, want 1", len(rooms))
	}
	status, body = f.call(t, http.MethodGet, "/api/rooms", bob.token, nil)
	if status != http.StatusOK {
		t.Fatalf("list rooms: status %d", status)
	}
	if rooms := body["rooms"].([]any); len(rooms) != 0 {
		t.Fatalf("bob sees %d rooms, want 0", len(rooms))
	}
}

func TestUpdateRoomCreatorOnly(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	bob := f.signup(t, "bob", "b@b.com")
	roomID := f.createRoom(t, alice, "design")

	// Admit bob so the refusal below is about authorship, not membership.
	if err := f.rooms.AddParticipant(context.Background(), roomID, bob.userID); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	status, body := f.call(t, http.MethodPatch, "/api/rooms/"+roomID, bob.token, map[string]any{"name": "hijacked"})
	if status != http.StatusForbidden || errorCode(body) != "forbidden" {
		t.Fatalf("non-creator rename: status %d code %q", status, errorCode(body))
	}

	status, body = f.call(t, http.MethodPatch, "/api/rooms/"+roomID, alice.token, map[string]any{"name": "  "})
	if status != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("blank rename: status %d code %q", status, errorCode(body))
	}

	status, body = f.call(t, http.MethodPatch, "/api/rooms/"+roomID, alice.token, map[string]any{
		"name": "design-v2", "description": "the new plan",
	})
	if status != http.StatusOK || body["name"] != "design-v2" || body["description"] != "the new plan" {
		t.Fatalf("rename: status %d body %v", status, body)
	}
}

func TestInviteFlow(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	bob := f.signup(t, "bob", "b@b.com")
	roomID := f.createRoom(t, alice, "design")

	status, body := f.call(t, http.MethodPost, "/api/rooms/"+roomID+"/invites", alice.token, map[string]any{"email": "b@b.com"})
	if status != http.StatusCreated {
		t.Fatalf("create invite: status %d body %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("invite response missing token")
	}

	// Re-inviting the same email refreshes the pending invite.
	status, body = f.call(t, http.MethodPost, "/api/rooms/"+roomID+"/invites", alice.token, map[string]any{"email": "B@b.com"})
	if status != http.StatusOK {
		t.Fatalf("refresh invite: status %d body %v", status, body)
	}
	if got, _ := body["token"].(string); got != token {
		t.Fatalf("refresh minted a new token")
	}

	// Resolve needs no credential.
	status, body = f.call(t, http.MethodGet, "/api/invites/"+token, "", nil)
	if status != http.StatusOK {
		t.Fatalf("resolve: status %d body %v", status, body)
	}
	if body["room_name"] != "design" || body["user_already_exists"] != true {
		t.Fatalf("resolve body: %v", body)
	}

	status, body = f.call(t, http.MethodPost, "/api/invites/accept", bob.token, map[string]any{"token": token})
	if status != http.StatusOK {
		t.Fatalf("accept: status %d body %v", status, body)
	}
	if participants := body["participants"].([]any); len(participants) != 2 {
		t.Fatalf("room has %d participants after accept, want 2", len(participants))
	}

	// The consumed token is dead.
	status, _ = f.call(t, http.MethodPost, "/api/invites/accept", bob.token, map[string]any{"token": token})
	if status != http.StatusNotFound {
		t.Fatalf("second accept: status %d", status)
	}

	// Inviting a current member conflicts.
	status, body = f.call(t, http.MethodPost, "/api/rooms/"+roomID+"/invites", alice.token, map[string]any{"email": "b@b.com"})
	if status != http.StatusConflict || errorCode(body) != "already_member" {
		t.Fatalf("invite member: status %d code %q", status, errorCode(body))
	}
}

func TestCancelInvite(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	roomID := f.createRoom(t, alice, "design")

	status, body := f.call(t, http.MethodPost, "/api/rooms/"+roomID+"/invites", alice.token, map[string]any{"email": "new@b.com"})
	if status != http.StatusCreated {
		t.Fatalf("create invite: status %d", status)
	}
	inviteID := body["id"].(string)
	token := body["token"].(string)

	status, _ = f.call(t, http.MethodDelete, "/api/rooms/"+roomID+"/invites/"+inviteID, alice.token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("cancel: status %d", status)
	}

	status, _ = f.call(t, http.MethodGet, "/api/invites/"+token, "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("resolve cancelled: status %d", status)
	}

	status, _ = f.call(t, http.MethodDelete, "/api/rooms/"+roomID+"/invites/"+inviteID, alice.token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cancel again: status %d", status)
	}
}

func TestRemoveParticipant(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	bob := f.signup(t, "bob", "b@b.com")
	roomID := f.createRoom(t, alice, "design")
	if err := f.rooms.AddParticipant(context.Background(), roomID, bob.userID); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	status, _ := f.call(t, http.MethodDelete, "/api/rooms/"+roomID+"/participants/"+bob.userID, alice.token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("remove: status %d", status)
	}

	// The removed user can no longer see the room.
	status, _ = f.call(t, http.MethodGet, "/api/rooms/"+roomID, bob.token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("removed user get: status %d", status)
	}
}

func TestHistoryPaging(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")
	roomID := f.createRoom(t, alice, "design")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := f.rooms.AppendMessage(context.Background(), chat.AppendMessageInput{
			RoomID:   roomID,
			SenderID: alice.userID,
			Content:  fmt.Sprintf("msg %d", i),
			Now:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	status, body := f.call(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=3", alice.token, nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d body %v", status, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 3 || body["has_more"] != true {
		t.Fatalf("first page: %d messages has_more=%v", len(msgs), body["has_more"])
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "msg 4" {
		t.Fatalf("history not newest-first: %v", first["content"])
	}
	cursor := msgs[2].(map[string]any)["id"].(string)

	status, body = f.call(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=3&before="+cursor, alice.token, nil)
	if status != http.StatusOK {
		t.Fatalf("second page: status %d", status)
	}
	msgs = body["messages"].([]any)
	if len(msgs) != 2 || body["has_more"] != false {
		t.Fatalf("second page: %d messages has_more=%v", len(msgs), body["has_more"])
	}

	status, body = f.call(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=zero", alice.token, nil)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("bad limit: status %d code %q", status, errorCode(body))
	}
	status, body = f.call(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=-1", alice.token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("negative limit: status %d", status)
	}
}

func TestMalformedJSONBodies(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	alice := f.signup(t, "alice", "a@b.com")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/rooms", bytes.NewBufferString(`{"name": `))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+alice.token)

	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated body: status %d", res.StatusCode)
	}
}
