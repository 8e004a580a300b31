// Package app wires the arena server runtime: config, logging, storage, background jobs,
// the HTTP API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"arena/cmd/internal/archive"
	"arena/cmd/internal/battle"
	"arena/cmd/internal/dex"
	"arena/cmd/internal/httpapi"
	"arena/cmd/internal/invite"
	"arena/cmd/internal/lobby"
	"arena/cmd/internal/realtime"
	"arena/cmd/internal/scheduler"
	"arena/cmd/internal/store"
	"arena/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the arena server runtime. It owns every long-lived component and closes them on exit.
type App struct {
	cfg Config
	log Logger

	store   store.Store
	dbPool  *pgxpool.Pool
	archive archive.Store
	metrics *telemetry.Metrics
	sched   *scheduler.Scheduler

	invites *invite.Registry
	lobbies *lobby.Manager
	hub     *realtime.Broadcaster
	ws      *realtime.Gateway
	api     *httpapi.Handler
}

// New constructs a fully wired App. Anything opened before a failure is closed again.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a = &App{
		cfg:     cfg,
		log:     log,
		metrics: telemetry.New(),
		sched:   scheduler.New(log),
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if a.store, err = newStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if a.dbPool, a.archive, err = newArchive(ctx, cfg, log); err != nil {
		return nil, err
	}

	catalog, err := dex.NewStaticCatalog()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	a.invites, err = invite.NewRegistry(a.store.Invites(),
		invite.WithTTL(cfg.InviteTTL),
		invite.WithDeferrer(a.sched),
		invite.WithCombatantCheck(func(ctx context.Context, id string) error {
			_, err := catalog.Combatant(ctx, id)
			return err
		}),
		invite.WithLogger(log),
		invite.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("invite registry: %w", err)
	}

	a.hub, err = realtime.NewBroadcaster(log,
		realtime.WithIdleTTL(cfg.ConnIdleTTL),
		realtime.WithBroadcasterMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	a.lobbies, err = lobby.NewManager(a.store.Lobbies(), catalog,
		lobby.WithConfig(lobby.Config{
			MaxTurns:     cfg.MaxTurns,
			TurnDuration: cfg.TurnDuration,
			IdleTTL:      cfg.LobbyIdleTTL,
			LogCap:       cfg.LogCap,
			LogTrimTo:    cfg.LogTrimTo,
		}),
		lobby.WithPublisher(a.hub),
		lobby.WithArchiver(a.archive),
		lobby.WithReapHook(a.forgetInvite),
		lobby.WithLogger(log),
		lobby.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("lobby manager: %w", err)
	}

	a.ws, err = realtime.NewGateway(log, a.hub, a.lobbies, realtime.GatewayConfig{
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.AllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		ReadIdleTimeout:  cfg.WSReadIdle,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeat,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	a.api, err = httpapi.NewHandler(log, a.invites, a.lobbies, catalog,
		httpapi.WithHistory(a.archive),
		httpapi.WithConnectionCounter(a.hub),
		httpapi.WithPublicBaseURL(cfg.PublicBaseURL),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("api handler: %w", err)
	}

	a.sched.Every("invite.sweep", cfg.InviteSweepInterval, a.sweepInvites)
	a.sched.Every("lobby.reap", cfg.LobbySweepInterval, a.reapLobbies)
	a.sched.Every("conn.sweep", cfg.ConnSweepInterval, a.sweepConnections)

	return a, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.store, a.metrics, a.ws, a.api)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run serves HTTP and runs the background jobs until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+httpapi.Prefix,
		"ws", wsBaseURL(base)+"/ws",
		"redis_enabled", a.cfg.RedisURL != "",
		"db_enabled", a.dbPool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

func (a *App) sweepInvites(ctx context.Context) error {
	_, err := a.invites.Sweep(ctx)
	return err
}

func (a *App) reapLobbies(ctx context.Context) error {
	_, err := a.lobbies.Reap(ctx)
	return err
}

func (a *App) sweepConnections(ctx context.Context) error {
	n, err := a.hub.SweepIdle(ctx)
	if n > 0 {
		a.log.Info("conn.sweep", "closed", n)
	}
	return err
}

// forgetInvite drops the invite that produced a reaped lobby.
func (a *App) forgetInvite(ctx context.Context, l battle.Lobby) {
	if l.InviteCode == "" {
		return
	}
	if err := a.invites.Remove(ctx, l.InviteCode); err != nil {
		a.log.Warn("invite.remove.fail", "code", l.InviteCode, "lobby_id", l.ID, "err", err)
	}
}

// close releases components in reverse dependency order. Nil fields are skipped.
func (a *App) close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.lobbies != nil {
		a.lobbies.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Error("archive.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
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

// newStore picks Redis when configured and the in-process store otherwise.
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, error) {
	if cfg.RedisURL == "" {
		log.Info("store.inmemory")
		return store.NewMemory(), nil
	}
	st, err := store.OpenRedis(ctx, cfg.RedisURL,
		store.WithRedisPrefix(cfg.RedisPrefix),
		store.WithRedisTTL(max(cfg.LobbyIdleTTL, cfg.InviteTTL)*2),
	)
	if err != nil {
		return nil, err
	}
	log.Info("store.redis", "prefix", cfg.RedisPrefix)
	return st, nil
}

// newArchive picks Postgres when configured and the in-process archive otherwise.
// The pool is returned so readiness checks can ping it; the app owns its lifecycle.
func newArchive(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, archive.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("archive.inmemory")
		return nil, archive.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	pg, err := archive.NewPostgresStore(pool, archive.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	log.Info("archive.postgres", "schema", cfg.DBSchema)
	return pool, pg, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return "ws://" + base
}
