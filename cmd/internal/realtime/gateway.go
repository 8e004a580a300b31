package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
	"arena/cmd/internal/ids"
	"arena/cmd/internal/lobby"
	v1 "arena/shared/contracts/battle/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	// Upper bound for one lobby operation triggered by a frame.
	wsOpTimeout = 5 * time.Second

	wsMaxPingFailures = 3
)

var (
	errBadJSON        = errors.New("invalid JSON")
	errBackpressure   = fault.New(fault.ResourceExhausted, "realtime", "send queue full")
	errNotParticipant = fault.New(fault.Forbidden, "realtime", "player is not a participant of this lobby")
)

// LobbyService is the part of the lobby manager the gateway drives.
type LobbyService interface {
	Get(ctx context.Context, lobbyID string) (v1.LobbySnapshot, error)
	FindByInviteCode(ctx context.Context, code string) (v1.LobbySnapshot, error)
	Start(ctx context.Context, lobbyID, requesterID string) (v1.LobbySnapshot, error)
	ChooseAction(ctx context.Context, lobbyID, playerID, actionID string) (battle.Action, error)
	ExecuteTurn(ctx context.Context, in lobby.TurnInput) (lobby.TurnOutcome, error)
	Forfeit(ctx context.Context, lobbyID, playerID string) (v1.LobbySnapshot, error)
}

// GatewayConfig holds the push-channel policy. Zero values fall back to defaults, except
// OriginRequired which is taken as given.
type GatewayConfig struct {
	OriginRequired   bool
	AllowedOrigins   []string
	DevInsecure      bool
	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// DefaultGatewayConfig is secure by default: an Origin header is required and only
// localhost origins are allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = def.AllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	c.SendQueueSize = max(c.SendQueueSize, wsMinSendQueueSize)
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for lobbies.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats, and turns
// validated envelopes into lobby manager calls. Failures go back to the sender as error
// events; only transport and policy failures close the connection.
type Gateway struct {
	log     *slog.Logger
	b       *Broadcaster
	lobbies LobbyService
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, b *Broadcaster, lobbies LobbyService, cfg GatewayConfig) (*Gateway, error) {
	if b == nil || lobbies == nil {
		return nil, errors.New("realtime: gateway requires a broadcaster and a lobby service")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:     log,
		b:       b,
		lobbies: lobbies,
		cfg:     cfg,
		// websocket.Accept runs its own origin check; derive its patterns from the same
		// allowlist so the two layers agree.
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the read loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := ids.MustULID(time.Now().UTC())
	client := NewClient(connID, g.cfg.SendQueueSize)
	if err := g.b.Register(client); err != nil {
		g.log.Error("ws.register.fail", "conn_id", connID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: the binding is removed before
	// the client is closed, so broadcasters never hold a dead client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.b.OnDisconnect(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside, e.g. the idle sweep or a reconnect eviction.
				shutdown(websocket.StatusGoingAway, "connection replaced or idle")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.b.Touch(connID)
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, fault.InvalidArgument.Code(), "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		g.b.Touch(connID)

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, fault.ResourceExhausted.Code(), "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, fault.InvalidArgument.Code(), err.Error(), env.ID)
			continue readLoop
		}

		opCtx, opCancel := context.WithTimeout(ctx, wsOpTimeout)
		err = g.dispatch(opCtx, client, env)
		opCancel()
		if err != nil {
			g.sendFault(ctx, client, env, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeJoinLobby:
		return g.onJoin(ctx, client, env)
	case v1.TypeReconnectLobby:
		return g.onReconnect(ctx, client, env)
	case v1.TypeStartBattle:
		return g.onStart(ctx, client)
	case v1.TypeChooseAction:
		return g.onChooseAction(ctx, client, env)
	case v1.TypeSubmitTurn:
		return g.onSubmitTurn(ctx, client, env)
	case v1.TypeForfeit:
		return g.onForfeit(ctx, client)
	case v1.TypeGetLobbyStatus:
		return g.onLobbyStatus(ctx, client)
	case v1.TypeKeepAlive:
		return g.onKeepAlive(client, env)
	}
	return fault.New(fault.InvalidArgument, "realtime", fmt.Sprintf("unsupported type: %s", env.Type))
}

func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	p, err := decodePayload[v1.JoinLobbyPayload](env)
	if err != nil {
		return err
	}
	playerID, err := cleanID("player_id", p.PlayerID)
	if err != nil {
		return err
	}

	var snap v1.LobbySnapshot
	switch {
	case strings.TrimSpace(p.LobbyID) != "":
		snap, err = g.lobbies.Get(ctx, strings.TrimSpace(p.LobbyID))
	case strings.TrimSpace(p.InviteCode) != "":
		snap, err = g.lobbies.FindByInviteCode(ctx, p.InviteCode)
	default:
		return fault.New(fault.InvalidArgument, "realtime", "lobby_id or invite_code is required")
	}
	if err != nil {
		return err
	}
	if !hasParticipant(snap, playerID) {
		return errNotParticipant
	}
	return g.b.Join(client.ConnID, snap.ID, playerID, g.snapshot(ctx, snap.ID))
}

func (g *Gateway) onReconnect(ctx context.Context, client *Client, env v1.Envelope) error {
	p, err := decodePayload[v1.ReconnectLobbyPayload](env)
	if err != nil {
		return err
	}
	lobbyID, err := cleanID("lobby_id", p.LobbyID)
	if err != nil {
		return err
	}
	playerID, err := cleanID("player_id", p.PlayerID)
	if err != nil {
		return err
	}

	snap, err := g.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return err
	}
	if !hasParticipant(snap, playerID) {
		return errNotParticipant
	}
	return g.b.Reconnect(client.ConnID, lobbyID, playerID, g.snapshot(ctx, lobbyID))
}

// snapshot reads the lobby again once the connection is bound. The first read only
// resolves the lobby and checks membership.
func (g *Gateway) snapshot(ctx context.Context, lobbyID string) SnapshotFunc {
	return func() (v1.LobbySnapshot, error) {
		return g.lobbies.Get(ctx, lobbyID)
	}
}

func (g *Gateway) onStart(ctx context.Context, client *Client) error {
	bd, err := g.bound(client)
	if err != nil {
		return err
	}
	// battle-started reaches the room through the manager's publisher.
	_, err = g.lobbies.Start(ctx, bd.LobbyID, bd.PlayerID)
	return err
}

func (g *Gateway) onChooseAction(ctx context.Context, client *Client, env v1.Envelope) error {
	bd, err := g.bound(client)
	if err != nil {
		return err
	}
	p, err := decodePayload[v1.ChooseActionPayload](env)
	if err != nil {
		return err
	}
	actionID, err := cleanID("action_id", p.ActionID)
	if err != nil {
		return err
	}

	a, err := g.lobbies.ChooseAction(ctx, bd.LobbyID, bd.PlayerID, actionID)
	if err != nil {
		return err
	}
	if !g.b.SendTo(client.ConnID, v1.TypeActionConfirmed, v1.ActionConfirmedPayload{
		LobbyID:    bd.LobbyID,
		ActionID:   a.ID,
		ActionName: a.Name,
	}) {
		return errBackpressure
	}
	g.b.BroadcastExcept(bd.LobbyID, client.ConnID, v1.TypeOpponentActionChosen, v1.OpponentActionChosenPayload{
		LobbyID:    bd.LobbyID,
		PlayerID:   bd.PlayerID,
		ActionID:   a.ID,
		ActionName: a.Name,
	})
	return nil
}

func (g *Gateway) onSubmitTurn(ctx context.Context, client *Client, env v1.Envelope) error {
	bd, err := g.bound(client)
	if err != nil {
		return err
	}
	p, err := decodePayload[v1.SubmitTurnPayload](env)
	if err != nil {
		return err
	}
	actionID, err := cleanID("action_id", p.ActionID)
	if err != nil {
		return err
	}
	_, err = g.lobbies.ExecuteTurn(ctx, lobby.TurnInput{LobbyID: bd.LobbyID, PlayerID: bd.PlayerID, ActionID: actionID})
	return err
}

func (g *Gateway) onForfeit(ctx context.Context, client *Client) error {
	bd, err := g.bound(client)
	if err != nil {
		return err
	}
	_, err = g.lobbies.Forfeit(ctx, bd.LobbyID, bd.PlayerID)
	return err
}

func (g *Gateway) onLobbyStatus(ctx context.Context, client *Client) error {
	bd, err := g.bound(client)
	if err != nil {
		return err
	}
	snap, err := g.lobbies.Get(ctx, bd.LobbyID)
	if err != nil {
		return err
	}
	if !g.b.SendTo(client.ConnID, v1.TypeLobbyStatus, v1.LobbyStatusPayload{Lobby: snap, Online: g.b.Online(bd.LobbyID)}) {
		return errBackpressure
	}
	return nil
}

func (g *Gateway) onKeepAlive(client *Client, env v1.Envelope) error {
	p, err := decodePayload[v1.KeepAlivePayload](env)
	if err != nil {
		return err
	}
	if !g.b.SendTo(client.ConnID, v1.TypeKeepAliveResponse, v1.KeepAliveResponsePayload{
		Nonce:    p.Nonce,
		ServerTS: time.Now().UTC(),
	}) {
		return errBackpressure
	}
	return nil
}

func (g *Gateway) bound(client *Client) (Binding, error) {
	bd, ok := g.b.Lookup(client.ConnID)
	if !ok || bd.LobbyID == "" {
		return Binding{}, ErrNotJoined
	}
	return bd, nil
}

func decodePayload[T any](env v1.Envelope) (T, error) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fault.New(fault.InvalidArgument, "realtime", "invalid payload")
	}
	return p, nil
}

func cleanID(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxIDChars {
		return "", fault.New(fault.InvalidArgument, "realtime", "invalid "+field)
	}
	return v, nil
}

func hasParticipant(snap v1.LobbySnapshot, playerID string) bool {
	return slices.ContainsFunc(snap.Participants, func(p v1.ParticipantView) bool { return p.PlayerID == playerID })
}

// ---- send helpers ----

// sendFault reports err to the sender as an error event. Internal faults are logged here
// and reach the client without detail.
func (g *Gateway) sendFault(ctx context.Context, client *Client, env v1.Envelope, err error) {
	kind := fault.KindOf(err)
	switch kind {
	case fault.Internal:
		g.log.Error("ws.op.fail", "conn_id", client.ConnID, "type", env.Type, "request_id", env.ID, "err", err)
	case fault.Unavailable:
		g.log.Debug("ws.op.abandoned", "conn_id", client.ConnID, "type", env.Type, "request_id", env.ID, "err", err)
	}
	g.trySendError(ctx, client, kind.Code(), fault.Message(err), env.ID)
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg, requestID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}
