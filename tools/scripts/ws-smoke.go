// Package main provides a CI-friendly end-to-end smoke test for an arena server.
//
// It validates:
//   - invite creation and join over HTTP
//   - handshake + subprotocol selection
//   - both players joining the lobby by invite code
//   - battle start fan-out
//   - alternating turns until the battle finishes
//   - reconnect snapshot after the battle
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "arena/shared/contracts/battle/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name     string
	playerID string
	conn     *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

var noiseTypes = map[string]struct{}{
	v1.TypeMemberJoined:         {},
	v1.TypeOpponentActionChosen: {},
	v1.TypeActionConfirmed:      {},
	v1.TypeMemberDisconnected:   {},
	v1.TypeKeepAliveResponse:    {},
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:3001", "HTTP base URL")
		wsURL    = flag.String("url", "", "WebSocket URL (derived from -base when empty)")
		origin   = flag.String("origin", "http://localhost:5173", "Origin header to send (browser-like WS handshake)")
		hostMon  = flag.String("host-combatant", "25", "Host combatant id")
		guestMon = flag.String("guest-combatant", "6", "Guest combatant id")
		maxTurns = flag.Int("max-turns", 60, "Give up and forfeit after this many turns")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *wsURL == "" {
		*wsURL = deriveWSURL(*baseURL)
	}
	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	hostID, guestID := "smoke-a-"+suffix, "smoke-b-"+suffix

	var inv struct {
		Code string `json:"code"`
	}
	mustPostJSON(root, *baseURL+"/api/battle/invite", *origin, map[string]string{
		"player_id":    hostID,
		"combatant_id": *hostMon,
	}, http.StatusCreated, &inv, *timeout)

	var joined struct {
		Lobby v1.LobbySnapshot `json:"lobby"`
	}
	mustPostJSON(root, *baseURL+"/api/battle/join", *origin, map[string]string{
		"invite_code":  inv.Code,
		"player_id":    guestID,
		"combatant_id": *guestMon,
	}, http.StatusCreated, &joined, *timeout)
	lobbyID := joined.Lobby.ID

	if *verbose {
		fmt.Printf("invite=%s lobby=%s\n", inv.Code, lobbyID)
	}

	a := mustConnect(root, "A", hostID, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", guestID, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, inv.Code, *timeout)
	mustJoin(root, b, inv.Code, *timeout)

	mustWrite(root, a, v1.TypeStartBattle, v1.StartBattlePayload{}, *timeout)
	var started v1.BattleStartedPayload
	decode(a.mustReadUntilType(root, v1.TypeBattleStarted, *timeout), &started)
	_ = b.mustReadUntilType(root, v1.TypeBattleStarted, *timeout)

	clients := map[string]*smokeClient{hostID: a, guestID: b}
	snap := started.Lobby
	turns := 0
	for snap.Status != "finished" {
		if turns >= *maxTurns {
			mustWrite(root, a, v1.TypeForfeit, v1.ForfeitPayload{}, *timeout)
			break
		}
		actor, ok := clients[snap.CurrentTurn]
		if !ok {
			fatalf("current turn %q is not a smoke player", snap.CurrentTurn)
		}
		actionID := pickAction(snap, actor.playerID)
		mustWrite(root, actor, v1.TypeSubmitTurn, v1.SubmitTurnPayload{ActionID: actionID}, *timeout)

		var resolved v1.TurnResolvedPayload
		decode(actor.mustReadUntilType(root, v1.TypeTurnResolved, *timeout), &resolved)
		for _, c := range clients {
			if c != actor {
				_ = c.mustReadUntilType(root, v1.TypeTurnResolved, *timeout)
			}
		}
		snap = resolved.Lobby
		turns++

		if *verbose {
			fmt.Printf("turn %d: %s used %s for %d damage\n", resolved.Turn.Seq, resolved.Turn.AttackerID, resolved.Turn.ActionName, resolved.Turn.Damage)
		}
	}

	var fin v1.BattleFinishedPayload
	decode(a.mustReadUntilType(root, v1.TypeBattleFinished, *timeout), &fin)
	_ = b.mustReadUntilType(root, v1.TypeBattleFinished, *timeout)
	if fin.LobbyID != lobbyID {
		fatalf("battle-finished lobby mismatch: got=%q want=%q", fin.LobbyID, lobbyID)
	}

	closeWS(b.conn)
	b2 := mustConnect(root, "B2", guestID, *wsURL, *origin, *timeout)
	defer closeWS(b2.conn)
	mustWrite(root, b2, v1.TypeReconnectLobby, v1.ReconnectLobbyPayload{LobbyID: lobbyID, PlayerID: guestID}, *timeout)
	var rec v1.LobbyReconnectedPayload
	decode(b2.mustReadUntilType(root, v1.TypeLobbyReconnected, *timeout), &rec)
	if rec.Lobby.Status != "finished" || rec.Lobby.Winner != fin.Winner {
		fatalf("reconnect snapshot mismatch: status=%q winner=%q want winner=%q", rec.Lobby.Status, rec.Lobby.Winner, fin.Winner)
	}

	fmt.Printf("OK: lobby=%s turns=%d winner=%s reason=%s\n", lobbyID, turns, fin.Winner, fin.Reason)
}

// pickAction prefers the first damaging action with uses left.
func pickAction(snap v1.LobbySnapshot, playerID string) string {
	for _, p := range snap.Participants {
		if p.PlayerID != playerID {
			continue
		}
		fallback := ""
		for _, a := range p.Combatant.Actions {
			if a.Remaining <= 0 {
				continue
			}
			if a.Kind == "damage" {
				return a.ID
			}
			if fallback == "" {
				fallback = a.ID
			}
		}
		if fallback != "" {
			return fallback
		}
	}
	fatalf("no usable action for %s", playerID)
	return ""
}

func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustPostJSON(parent context.Context, target, origin string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build request %s: %v", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", target, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("POST %s: status=%d want=%d body=%s", target, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("decode %s: %v", target, err)
	}
}

func mustConnect(parent context.Context, name, playerID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		playerID: playerID,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, code string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeJoinLobby, v1.JoinLobbyPayload{InviteCode: code, PlayerID: c.playerID}, stepTimeout)

	// The joiner's own announcement is the first member-joined carrying its player id.
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		env := c.next(ctx, v1.TypeMemberJoined)
		if env.Type != v1.TypeMemberJoined {
			continue
		}
		var p v1.MemberJoinedPayload
		decode(env, &p)
		if p.PlayerID == c.playerID {
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, wantType)
		if env.Type == wantType {
			return env
		}
		if _, ok := noiseTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

// next returns the next inbound envelope, failing on timeout, connection loss or server errors.
func (c *smokeClient) next(ctx context.Context, wantType string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		return env
	}
	return v1.Envelope{}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func decode(env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
