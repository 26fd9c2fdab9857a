// Package chat owns the durable record of rooms, participants, invitations, and
// messages, and the invitation state machine on top of it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"visage/cmd/internal/ids"
)

// PostgresStore is the Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every room mutation runs inside a transaction holding a per-room advisory
//     lock, so membership and invite transitions serialize per room and each
//     transition is one conditional statement with exactly one winner under races.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "visage").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "visage",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) tables() (rooms, participants, invites, messages, users string) {
	return pgIdent(s.schema, "rooms"),
		pgIdent(s.schema, "room_participants"),
		pgIdent(s.schema, "room_invites"),
		pgIdent(s.schema, "messages"),
		pgIdent(s.schema, "users")
}

// lockRoom serializes all mutations for one room within the transaction.
// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
func lockRoom(ctx context.Context, tx pgx.Tx, roomID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, roomID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// beginRoomTx opens a read-write transaction holding the room's advisory lock.
func (s *PostgresStore) beginRoomTx(ctx context.Context, roomID string) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, classifyPGErr(err)
	}
	if err := lockRoom(ctx, tx, roomID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, classifyPGErr(err)
	}
	return tx, nil
}

// CreateRoom inserts the room plus its initial participant set in one transaction.
func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.CreatorID) == "" {
		return Room{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	roomID, err := ids.NewULID(now)
	if err != nil {
		return Room{}, err
	}

	rooms, participants, _, _, _ := s.tables()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Room{}, classifyPGErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id, name, description, icon, creator_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		roomID, name, strings.TrimSpace(in.Description), strings.TrimSpace(in.Icon), in.CreatorID, now,
	); err != nil {
		return Room{}, classifyPGErr(err)
	}

	members := append([]string{in.CreatorID}, in.InitialParticipantIDs...)
	for i, uid := range members {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		// joined_at carries insertion order; offset keeps it stable within the batch.
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (room_id, user_id, joined_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			roomID, uid, now.Add(time.Duration(i)*time.Microsecond),
		); err != nil {
			return Room{}, classifyPGErr(err)
		}
	}

	room, err := s.readRoomTx(ctx, tx, roomID, now)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, classifyPGErr(err)
	}
	return room, nil
}

// GetRoomForMember returns the room only if userID participates; a missing room
// and a membership miss are both ErrNotFound.
func (s *PostgresStore) GetRoomForMember(ctx context.Context, roomID, userID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	ok, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return Room{}, err
	}
	if !ok {
		return Room{}, ErrNotFound
	}
	return s.readRoom(ctx, roomID, time.Now().UTC())
}

// ListRoomsForUser returns the user's rooms, newest first.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms, participants, _, _, _ := s.tables()

	rows, err := s.pool.Query(ctx,
		`SELECT r.id
		   FROM `+rooms+` r
		   JOIN `+participants+` p ON p.room_id = r.id
		  WHERE p.user_id = $1
		  ORDER BY r.id DESC`,
		userID,
	)
	if err != nil {
		return nil, classifyPGErr(err)
	}
	defer rows.Close()

	var roomIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPGErr(err)
		}
		roomIDs = append(roomIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPGErr(err)
	}

	now := time.Now().UTC()
	out := make([]Room, 0, len(roomIDs))
	for _, id := range roomIDs {
		room, err := s.readRoom(ctx, id, now)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

// UpdateRoomInfo applies a creator-only metadata update.
func (s *PostgresStore) UpdateRoomInfo(ctx context.Context, in UpdateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return Room{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms, _, _, _, _ := s.tables()

	tx, err := s.beginRoomTx(ctx, in.RoomID)
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var creatorID string
	err = tx.QueryRow(ctx, `SELECT creator_id FROM `+rooms+` WHERE id = $1`, in.RoomID).Scan(&creatorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, classifyPGErr(err)
	}

	isMember, err := isMemberTx(ctx, tx, s.schema, in.RoomID, in.ByUserID)
	if err != nil {
		return Room{}, err
	}
	if !isMember {
		return Room{}, ErrNotFound
	}
	if creatorID != in.ByUserID {
		return Room{}, ErrForbidden
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+rooms+`
		    SET name        = COALESCE($2, name),
		        description = COALESCE($3, description),
		        icon        = COALESCE($4, icon)
		  WHERE id = $1`,
		in.RoomID, trimPtr(in.Name), trimPtr(in.Description), trimPtr(in.Icon),
	); err != nil {
		return Room{}, classifyPGErr(err)
	}

	room, err := s.readRoomTx(ctx, tx, in.RoomID, time.Now().UTC())
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, classifyPGErr(err)
	}
	return room, nil
}

// AddParticipant admits userID (idempotent) and removes any pending invite for
// that user's email in the same transaction, preserving the invariant that a
// participant never also holds an active invite.
func (s *PostgresStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms, participants, invites, _, users := s.tables()

	tx, err := s.beginRoomTx(ctx, roomID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classifyPGErr(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (room_id, user_id, joined_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	); err != nil {
		return classifyPGErr(err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+invites+`
		  WHERE room_id = $1
		    AND email = (SELECT email FROM `+users+` WHERE id = $2)`,
		roomID, userID,
	); err != nil {
		return classifyPGErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPGErr(err)
	}
	return nil
}

// RemoveParticipant removes userID on behalf of byUserID (any current member may
// remove any member under the shared-ownership policy).
func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID, byUserID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms, participants, _, _, _ := s.tables()

	tx, err := s.beginRoomTx(ctx, roomID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classifyPGErr(err)
	}

	actorIsMember, err := isMemberTx(ctx, tx, s.schema, roomID, byUserID)
	if err != nil {
		return err
	}
	if !actorIsMember {
		return ErrForbidden
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+participants+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return classifyPGErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotAMember
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPGErr(err)
	}
	return nil
}

// IsMember reports current membership.
func (s *PostgresStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, participants, _, _, _ := s.tables()

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPGErr(err)
	}
	return true, nil
}

// AppendMessage writes the message with the membership check folded into the same
// statement, so a revocation racing the append cannot slip a message in.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	rooms, participants, _, messages, _ := s.tables()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, room_id, sender_id, content, created_at)
		 SELECT $1, $2, $3, $4, $5
		  WHERE EXISTS (SELECT 1 FROM `+participants+` WHERE room_id = $2 AND user_id = $3)`,
		msgID, in.RoomID, in.SenderID, content, now,
	)
	if err != nil {
		return Message{}, classifyPGErr(err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, in.RoomID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		if err != nil {
			return Message{}, classifyPGErr(err)
		}
		return Message{}, ErrNotAMember
	}

	return Message{
		ID:             msgID,
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		SenderUsername: in.SenderUsername,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// ListMessages pages history newest-first; Before is an exclusive id cursor.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if s == nil || s.pool == nil {
		return ListMessagesResult{}, errors.New("chat: nil store")
	}
	if in.RoomID == "" {
		return ListMessagesResult{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	_, _, _, messages, users := s.tables()

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT m.id, m.room_id, m.sender_id, COALESCE(u.username, ''), m.content, m.created_at
			   FROM `+messages+` m
			   LEFT JOIN `+users+` u ON u.id = m.sender_id
			  WHERE m.room_id = $1
			  ORDER BY m.id DESC
			  LIMIT $2`,
			in.RoomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT m.id, m.room_id, m.sender_id, COALESCE(u.username, ''), m.content, m.created_at
			   FROM `+messages+` m
			   LEFT JOIN `+users+` u ON u.id = m.sender_id
			  WHERE m.room_id = $1 AND m.id < $2
			  ORDER BY m.id DESC
			  LIMIT $3`,
			in.RoomID, in.Before, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, classifyPGErr(err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername, &m.Content, &m.CreatedAt); err != nil {
			return ListMessagesResult{}, classifyPGErr(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, classifyPGErr(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// UpsertInvite creates or refreshes the single pending invite for (room, email).
// The conflict target is the partial unique index on pending invites, so the
// refresh is one conditional statement.
func (s *PostgresStore) UpsertInvite(ctx context.Context, in UpsertInviteRecord) (Invitation, bool, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, false, errors.New("chat: nil store")
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Token == "" || in.ID == "" {
		return Invitation{}, false, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, false, err
	}

	rooms, participants, invites, _, users := s.tables()

	tx, err := s.beginRoomTx(ctx, in.RoomID)
	if err != nil {
		return Invitation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, in.RoomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, false, ErrNotFound
	}
	if err != nil {
		return Invitation{}, false, classifyPGErr(err)
	}

	actorIsMember, err := isMemberTx(ctx, tx, s.schema, in.RoomID, in.ByUserID)
	if err != nil {
		return Invitation{}, false, err
	}
	if !actorIsMember {
		return Invitation{}, false, ErrForbidden
	}

	// Reject inviting an email that already belongs to a participant; the room
	// advisory lock makes this check and the insert below one atomic step.
	err = tx.QueryRow(ctx,
		`SELECT 1
		   FROM `+participants+` p
		   JOIN `+users+` u ON u.id = p.user_id
		  WHERE p.room_id = $1 AND u.email = $2`,
		in.RoomID, email,
	).Scan(&one)
	if err == nil {
		return Invitation{}, false, ErrAlreadyMember
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, false, classifyPGErr(err)
	}

	// Expired is terminal: clear a stale pending row so the upsert issues a fresh token.
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+invites+`
		  WHERE room_id = $1 AND email = $2 AND status = 'pending' AND expires_at <= $3`,
		in.RoomID, email, in.CreatedAt,
	); err != nil {
		return Invitation{}, false, classifyPGErr(err)
	}

	var (
		inv      Invitation
		inserted bool
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO `+invites+` (id, room_id, email, status, token, created_at, expires_at)
		 VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		 ON CONFLICT (room_id, email) WHERE status = 'pending'
		 DO UPDATE SET expires_at = EXCLUDED.expires_at
		 RETURNING id, room_id, email, status, token, created_at, expires_at, (xmax = 0)`,
		in.ID, in.RoomID, email, in.Token, in.CreatedAt, in.ExpiresAt,
	).Scan(&inv.ID, &inv.RoomID, &inv.Email, &inv.Status, &inv.Token, &inv.CreatedAt, &inv.ExpiresAt, &inserted)
	if err != nil {
		return Invitation{}, false, classifyPGErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Invitation{}, false, classifyPGErr(err)
	}
	return inv, inserted, nil
}

// CancelInvite removes a pending invite via one conditional delete; concurrent
// cancellations of the same invite produce exactly one success.
func (s *PostgresStore) CancelInvite(ctx context.Context, roomID, byUserID, inviteIDOrToken string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms, _, invites, _, _ := s.tables()

	tx, err := s.beginRoomTx(ctx, roomID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classifyPGErr(err)
	}

	actorIsMember, err := isMemberTx(ctx, tx, s.schema, roomID, byUserID)
	if err != nil {
		return err
	}
	if !actorIsMember {
		return ErrForbidden
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+invites+`
		  WHERE room_id = $1 AND status = 'pending' AND (id = $2 OR token = $2)`,
		roomID, inviteIDOrToken,
	)
	if err != nil {
		return classifyPGErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPGErr(err)
	}
	return nil
}

// AcceptInvite consumes the token: the conditional delete and the participant
// insert commit together, so no reader observes the user added with the invite
// still pending or vice versa.
func (s *PostgresStore) AcceptInvite(ctx context.Context, token, userID string, now time.Time) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.TrimSpace(userID) == "" {
		return Room{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, participants, invites, _, _ := s.tables()

	// Resolve the room first so the advisory lock is always taken before any row
	// lock, keeping lock ordering uniform across all room mutations.
	var roomID string
	err := s.pool.QueryRow(ctx,
		`SELECT room_id FROM `+invites+` WHERE token = $1 AND status = 'pending'`,
		token,
	).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, classifyPGErr(err)
	}

	tx, err := s.beginRoomTx(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var email string
	err = tx.QueryRow(ctx,
		`DELETE FROM `+invites+`
		  WHERE token = $1 AND status = 'pending' AND expires_at > $2
		  RETURNING email`,
		token, now,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish expired from consumed/cancelled; the expiry flip is lazy.
		tag, uerr := tx.Exec(ctx,
			`UPDATE `+invites+` SET status = 'expired'
			  WHERE token = $1 AND status = 'pending' AND expires_at <= $2`,
			token, now,
		)
		if uerr != nil {
			return Room{}, classifyPGErr(uerr)
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return Room{}, classifyPGErr(cerr)
		}
		if tag.RowsAffected() > 0 {
			return Room{}, ErrInviteExpired
		}
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, classifyPGErr(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (room_id, user_id, joined_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID, now,
	); err != nil {
		return Room{}, classifyPGErr(err)
	}

	room, err := s.readRoomTx(ctx, tx, roomID, now)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, classifyPGErr(err)
	}
	return room, nil
}

// ResolveInvite is the read-only token lookup for the pre-signup landing flow.
func (s *PostgresStore) ResolveInvite(ctx context.Context, token string, now time.Time) (Invitation, Room, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, Room{}, errors.New("chat: nil store")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Invitation{}, Room{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, Room{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, _, invites, _, _ := s.tables()

	var inv Invitation
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, email, status, token, created_at, expires_at
		   FROM `+invites+`
		  WHERE token = $1 AND status = 'pending'`,
		token,
	).Scan(&inv.ID, &inv.RoomID, &inv.Email, &inv.Status, &inv.Token, &inv.CreatedAt, &inv.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, Room{}, ErrNotFound
	}
	if err != nil {
		return Invitation{}, Room{}, classifyPGErr(err)
	}

	if inv.Expired(now) {
		// Lazy expiry on read; best-effort, the conditional accept re-checks anyway.
		_, _ = s.pool.Exec(ctx,
			`UPDATE `+invites+` SET status = 'expired' WHERE token = $1 AND status = 'pending'`,
			token,
		)
		return Invitation{}, Room{}, ErrInviteExpired
	}

	room, err := s.readRoom(ctx, inv.RoomID, now)
	if err != nil {
		return Invitation{}, Room{}, err
	}
	return inv, room, nil
}

// ---- read helpers ----

func (s *PostgresStore) readRoom(ctx context.Context, roomID string, now time.Time) (Room, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Room{}, classifyPGErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	room, err := s.readRoomTx(ctx, tx, roomID, now)
	if err != nil {
		return Room{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, classifyPGErr(err)
	}
	return room, nil
}

func (s *PostgresStore) readRoomTx(ctx context.Context, tx pgx.Tx, roomID string, now time.Time) (Room, error) {
	rooms, participants, invites, _, users := s.tables()

	var room Room
	err := tx.QueryRow(ctx,
		`SELECT id, name, description, icon, creator_id, created_at
		   FROM `+rooms+` WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.Name, &room.Description, &room.Icon, &room.CreatorID, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, classifyPGErr(err)
	}

	prows, err := tx.Query(ctx,
		`SELECT p.user_id, COALESCE(u.username, ''), p.joined_at
		   FROM `+participants+` p
		   LEFT JOIN `+users+` u ON u.id = p.user_id
		  WHERE p.room_id = $1
		  ORDER BY p.joined_at ASC`,
		roomID,
	)
	if err != nil {
		return Room{}, classifyPGErr(err)
	}
	defer prows.Close()
	for prows.Next() {
		var p Participant
		if err := prows.Scan(&p.UserID, &p.Username, &p.JoinedAt); err != nil {
			return Room{}, classifyPGErr(err)
		}
		room.Participants = append(room.Participants, p)
	}
	if err := prows.Err(); err != nil {
		return Room{}, classifyPGErr(err)
	}

	irows, err := tx.Query(ctx,
		`SELECT id, room_id, email, status, token, created_at, expires_at
		   FROM `+invites+`
		  WHERE room_id = $1 AND status = 'pending' AND expires_at > $2
		  ORDER BY created_at ASC`,
		roomID, now,
	)
	if err != nil {
		return Room{}, classifyPGErr(err)
	}
	defer irows.Close()
	for irows.Next() {
		var inv Invitation
		if err := irows.Scan(&inv.ID, &inv.RoomID, &inv.Email, &inv.Status, &inv.Token, &inv.CreatedAt, &inv.ExpiresAt); err != nil {
			return Room{}, classifyPGErr(err)
		}
		room.PendingInvites = append(room.PendingInvites, inv)
	}
	if err := irows.Err(); err != nil {
		return Room{}, classifyPGErr(err)
	}

	return room, nil
}

func isMemberTx(ctx context.Context, tx pgx.Tx, schema, roomID, userID string) (bool, error) {
	participants := pgIdent(schema, "room_participants")

	var one int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPGErr(err)
	}
	return true, nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	return &s
}

// classifyPGErr tags connection-level failures as ErrTransient so callers can
// apply their bounded retry policy. Errors the server actually evaluated
// (constraint violations etc.) pass through untouched.
func classifyPGErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
