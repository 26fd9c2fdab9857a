// Package app wires the Visage server runtime: config, logging, persistence,
// HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"visage/cmd/internal/chat"
	"visage/cmd/internal/httpapi"
	"visage/cmd/internal/identity"
	"visage/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Visage server runtime: it owns HTTP server wiring and realtime
// gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	promReg *prometheus.Registry

	ws  *realtime.WSGateway
	api *httpapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	st, dbPool, dbEnabled, chatStore, userStore, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	tokens, err := identity.NewJWTVerifier(tokenSecret(cfg, log), identity.WithAccessTTL(cfg.AccessTTL))
	if err != nil {
		return nil, err
	}
	users, err := identity.NewService(userStore, tokens, identity.NopFaceMatcher{}, log)
	if err != nil {
		return nil, err
	}

	invites, err := chat.NewInviteService(chatStore, userDirectory{users: userStore}, log,
		chat.WithInviteTTL(cfg.InviteTTL),
		chat.WithMailer(chat.NopMailer{Log: log}),
	)
	if err != nil {
		return nil, err
	}

	api, err := httpapi.NewHandler(log, users, chatStore, invites)
	if err != nil {
		return nil, err
	}

	registry, err := realtime.NewRegistry(log, chatStore, metrics)
	if err != nil {
		return nil, err
	}
	pipeline, err := realtime.NewPipeline(log, chatStore, registry, realtime.NewTypingTracker(), metrics)
	if err != nil {
		return nil, err
	}
	ws, err := realtime.NewWSGateway(log, users.Verifier(), registry, pipeline, metrics)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		promReg:   promReg,
		ws:        ws,
		api:       api,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api, a.promReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStores decides between Postgres-backed persistence and the in-memory dev
// stores. Both stores always come from the same backend so membership checks
// and user lookups agree.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.Store, identity.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")

		userStore := identity.NewMemoryStore()
		chatStore := chat.NewMemoryStore(chat.WithUserInfo(userStore.UserInfo))
		return nopStore{}, nil, false, chatStore, userStore, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	if cfg.MigrateOnStart {
		if err := MigrateDB(ctx, cfg, log); err != nil {
			pool.Close()
			return nil, nil, false, nil, nil, err
		}
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - store Close() is a no-op
	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	userStore, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, chatStore: chatStore, userStore: userStore}, pool, true, chatStore, userStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	chatStore chat.Store
	userStore identity.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.chatStore != nil {
		_ = s.chatStore.Close()
	}
	if s.userStore != nil {
		_ = s.userStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// tokenSecret returns the configured signing secret, generating a throwaway
// one for dev when none is set. Tokens signed with a generated secret do not
// survive a restart.
func tokenSecret(cfg Config, log Logger) []byte {
	if len(cfg.TokenSecret) >= 32 {
		return []byte(cfg.TokenSecret)
	}
	if cfg.TokenSecret != "" {
		log.Warn("token.secret.too_short", "min_bytes", 32)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("app: crypto/rand unavailable: " + err.Error())
	}
	log.Warn("token.secret.generated", "note", "set VISAGE_TOKEN_SECRET for stable sessions")
	return []byte(base64.RawStdEncoding.EncodeToString(b))[:32]
}

// userDirectory adapts the identity store to the invitation flow's read-only
// email lookup.
type userDirectory struct {
	users identity.Store
}

func (d userDirectory) LookupUserByEmail(ctx context.Context, email string) (chat.UserRef, bool, error) {
	u, err := d.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return chat.UserRef{}, false, nil
		}
		return chat.UserRef{}, false, err
	}
	return chat.UserRef{ID: u.ID, Username: u.Username, Email: u.Email}, true, nil
}
