package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visage/cmd/internal/chat"
	"visage/cmd/internal/identity"
)

const (
	defaultMaxBodyBytes = 1 << 20 // 1 MiB

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Handler wires the HTTP surface to the identity, room, and invitation services.
type Handler struct {
	log      *slog.Logger
	users    *identity.Service
	verifier identity.Verifier
	rooms    chat.Store
	invites  *chat.InviteService

	maxBodyBytes int64
}

// NewHandler constructs the API handler.
func NewHandler(log *slog.Logger, users *identity.Service, rooms chat.Store, invites *chat.InviteService) (*Handler, error) {
	if log == nil || users == nil || rooms == nil || invites == nil {
		return nil, errors.New("httpapi: nil handler dependency")
	}
	return &Handler{
		log:          log,
		users:        users,
		verifier:     users.Verifier(),
		rooms:        rooms,
		invites:      invites,
		maxBodyBytes: defaultMaxBodyBytes,
	}, nil
}

// Register wires the API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/auth/signup", h.handleSignup)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)

	mux.HandleFunc("POST /api/rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms", h.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{roomID}", h.handleGetRoom)
	mux.HandleFunc("PATCH /api/rooms/{roomID}", h.handleUpdateRoom)
	mux.HandleFunc("GET /api/rooms/{roomID}/messages", h.handleHistory)
	mux.HandleFunc("POST /api/rooms/{roomID}/invites", h.handleCreateInvite)
	mux.HandleFunc("DELETE /api/rooms/{roomID}/invites/{inviteID}", h.handleCancelInvite)
	mux.HandleFunc("DELETE /api/rooms/{roomID}/participants/{userID}", h.handleRemoveParticipant)

	mux.HandleFunc("POST /api/invites/accept", h.handleAcceptInvite)
	mux.HandleFunc("GET /api/invites/{token}", h.handleResolveInvite)
}

// ---- auth ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sess, err := h.users.Signup(r.Context(), identity.SignupInput{
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
		FaceTemplate: req.FaceTemplate,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email_taken", "email already registered")
		case errors.Is(err, identity.ErrUsernameTaken):
			writeError(w, http.StatusConflict, "username_taken", "username already registered")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid signup input")
		default:
			h.log.Error("api.signup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sess, err := h.users.Login(r.Context(), identity.LoginInput{
		Email:        req.Email,
		Password:     req.Password,
		FaceTemplate: req.FaceTemplate,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrLoginFailed):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		default:
			h.log.Error("api.login.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// ---- rooms ----

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createRoomRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), chat.CreateRoomInput{
		Name:                  strings.TrimSpace(req.Name),
		Description:           strings.TrimSpace(req.Description),
		Icon:                  strings.TrimSpace(req.Icon),
		CreatorID:             id.UserID,
		InitialParticipantIDs: req.ParticipantIDs,
		Now:                   time.Now().UTC(),
	})
	if err != nil {
		h.writeChatError(w, "api.room.create", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	rooms, err := h.rooms.ListRoomsForUser(r.Context(), id.UserID)
	if err != nil {
		h.writeChatError(w, "api.room.list", err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, roomListResponse{Rooms: out})
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	room, err := h.rooms.GetRoomForMember(r.Context(), r.PathValue("roomID"), id.UserID)
	if err != nil {
		h.writeChatError(w, "api.room.get", err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *Handler) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req updateRoomRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	room, err := h.rooms.UpdateRoomInfo(r.Context(), chat.UpdateRoomInput{
		RoomID:      r.PathValue("roomID"),
		ByUserID:    id.UserID,
		Name:        req.Name,
		Description: req.Description,
		Icon:        req.Icon,
	})
	if err != nil {
		h.writeChatError(w, "api.room.update", err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	roomID := r.PathValue("roomID")
	room, err := h.rooms.GetRoomForMember(r.Context(), roomID, id.UserID)
	if err != nil {
		h.writeChatError(w, "api.history.room", err)
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	res, err := h.rooms.ListMessages(r.Context(), chat.ListMessagesInput{
		RoomID: roomID,
		Before: strings.TrimSpace(r.URL.Query().Get("before")),
		Limit:  limit,
	})
	if err != nil {
		h.writeChatError(w, "api.history.list", err)
		return
	}

	msgs := make([]messageResponse, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Room:     toRoomResponse(room),
		Messages: msgs,
		HasMore:  res.HasMore,
	})
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	err := h.rooms.RemoveParticipant(r.Context(), r.PathValue("roomID"), id.UserID, r.PathValue("userID"))
	if err != nil {
		h.writeChatError(w, "api.room.remove_participant", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- invites ----

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createInviteRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.invites.Invite(r.Context(), r.PathValue("roomID"), id.UserID, req.Email)
	if err != nil {
		h.writeChatError(w, "api.invite.create", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toInviteResponse(res.Invite, true))
}

func (h *Handler) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	err := h.invites.Cancel(r.Context(), r.PathValue("roomID"), id.UserID, r.PathValue("inviteID"))
	if err != nil {
		h.writeChatError(w, "api.invite.cancel", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req acceptInviteRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	room, err := h.invites.Accept(r.Context(), strings.TrimSpace(req.Token), id.UserID)
	if err != nil {
		h.writeChatError(w, "api.invite.accept", err)
		return
	}

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

// handleResolveInvite is deliberately unauthenticated: the invited email's
// owner may not have an account yet.
func (h *Handler) handleResolveInvite(w http.ResponseWriter, r *http.Request) {
	res, err := h.invites.Resolve(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeChatError(w, "api.invite.resolve", err)
		return
	}

	writeJSON(w, http.StatusOK, resolveInviteResponse{
		Email:             res.Email,
		RoomID:            res.RoomID,
		RoomName:          res.RoomName,
		UserAlreadyExists: res.UserAlreadyExists,
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "no-credential", "missing bearer token")
		return identity.Identity{}, false
	}

	id, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrExpiredCredential) {
			writeError(w, http.StatusUnauthorized, "expired-credential", "credential expired")
			return identity.Identity{}, false
		}
		writeError(w, http.StatusUnauthorized, "invalid-credential", "invalid credential")
		return identity.Identity{}, false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeChatError maps store/service failures onto HTTP statuses. Missing rooms
// and missing memberships share one 404 so outsiders cannot probe which rooms
// exist.
func (h *Handler) writeChatError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, chat.ErrNotAMember):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, chat.ErrAlreadyMember):
		writeError(w, http.StatusConflict, "already_member", "already a member")
	case errors.Is(err, chat.ErrInviteExpired):
		writeError(w, http.StatusGone, "invite_expired", "invite expired")
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
	case errors.Is(err, chat.ErrTransient):
		h.log.Error(op+".transient", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
