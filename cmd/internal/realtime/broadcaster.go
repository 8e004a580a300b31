// Package realtime is the push channel: it binds websocket connections to lobbies and fans
// lobby events out to every connection bound to the same lobby.
//
// The broadcaster only holds routing state (connection id, player id, lobby id). It never
// reads or writes lobby records; gateways call the lobby manager for that and the manager
// publishes its committed events back through Publish.
package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"arena/cmd/internal/fault"
	"arena/cmd/internal/ids"
	"arena/cmd/internal/telemetry"
	v1 "arena/shared/contracts/battle/v1"
)

const DefaultIdleTTL = 10 * time.Minute

var (
	ErrInvalidConn   = fault.New(fault.InvalidArgument, "realtime", "invalid connection")
	ErrUnknownConn   = fault.New(fault.NotFound, "realtime", "connection not registered")
	ErrDuplicateConn = fault.New(fault.Conflict, "realtime", "connection already registered")
	ErrNotJoined     = fault.New(fault.IllegalState, "realtime", "join a lobby first")
)

// Binding is a copy of one connection's routing state.
type Binding struct {
	ConnID      string
	PlayerID    string
	LobbyID     string
	ConnectedAt time.Time
	LastSeen    time.Time
}

type binding struct {
	Binding
	client *Client
}

// Broadcaster owns the connection binding table and the per-lobby rooms.
type Broadcaster struct {
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	idleTTL time.Duration

	mu       sync.RWMutex
	bindings map[string]*binding
	rooms    map[string]*Room
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster) error

// WithIdleTTL sets how long a connection may stay silent before SweepIdle drops it.
func WithIdleTTL(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) error {
		if d <= 0 {
			return ErrInvalidConn
		}
		b.idleTTL = d
		return nil
	}
}

// WithBroadcasterClock overrides the time source.
func WithBroadcasterClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) error {
		if now != nil {
			b.now = now
		}
		return nil
	}
}

// WithBroadcasterMetrics records connection counts and fan-out.
func WithBroadcasterMetrics(m *telemetry.Metrics) BroadcasterOption {
	return func(b *Broadcaster) error {
		b.metrics = m
		return nil
	}
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(log *slog.Logger, opts ...BroadcasterOption) (*Broadcaster, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Broadcaster{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		idleTTL:  DefaultIdleTTL,
		bindings: make(map[string]*binding),
		rooms:    make(map[string]*Room),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Register creates an unbound binding for a freshly accepted connection.
func (b *Broadcaster) Register(c *Client) error {
	if c == nil || c.ConnID == "" {
		return ErrInvalidConn
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[c.ConnID]; ok {
		return ErrDuplicateConn
	}
	b.bindings[c.ConnID] = &binding{
		Binding: Binding{ConnID: c.ConnID, ConnectedAt: now, LastSeen: now},
		client:  c,
	}
	b.metrics.Connections(1)
	return nil
}

// SnapshotFunc loads the current lobby state.
type SnapshotFunc func() (v1.LobbySnapshot, error)

// Join binds connID to lobbyID as playerID and announces it to every member of the lobby,
// the joiner included. The snapshot is loaded after the binding is in place, so any
// change committed later reaches the connection as an event.
func (b *Broadcaster) Join(connID, lobbyID, playerID string, load SnapshotFunc) error {
	if err := b.bind(connID, lobbyID, playerID, false); err != nil {
		return err
	}
	snap, err := load()
	if err != nil {
		b.unbind(connID, lobbyID)
		return err
	}
	b.Broadcast(lobbyID, v1.TypeMemberJoined, v1.MemberJoinedPayload{
		LobbyID:  lobbyID,
		PlayerID: playerID,
		Online:   b.Online(lobbyID),
		Lobby:    snap,
	})
	b.log.Info("realtime.join", "conn_id", connID, "lobby_id", lobbyID, "player_id", playerID)
	return nil
}

// Reconnect is Join for a participant re-attaching after a drop. Older connections of the
// same player in the same lobby are evicted, and the new connection also receives a full
// snapshot whatever the lobby's status.
func (b *Broadcaster) Reconnect(connID, lobbyID, playerID string, load SnapshotFunc) error {
	if err := b.bind(connID, lobbyID, playerID, true); err != nil {
		return err
	}
	snap, err := load()
	if err != nil {
		b.unbind(connID, lobbyID)
		return err
	}
	b.Broadcast(lobbyID, v1.TypeMemberJoined, v1.MemberJoinedPayload{
		LobbyID:  lobbyID,
		PlayerID: playerID,
		Online:   b.Online(lobbyID),
		Lobby:    snap,
	})
	b.SendTo(connID, v1.TypeLobbyReconnected, v1.LobbyReconnectedPayload{PlayerID: playerID, Lobby: snap})
	b.log.Info("realtime.reconnect", "conn_id", connID, "lobby_id", lobbyID, "player_id", playerID, "status", snap.Status)
	return nil
}

// unbind detaches connID from lobbyID again when it is still bound there.
func (b *Broadcaster) unbind(connID, lobbyID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[connID]
	if !ok || bd.LobbyID != lobbyID {
		return
	}
	b.leaveLocked(connID, lobbyID)
	bd.LobbyID = ""
	bd.PlayerID = ""
}

func (b *Broadcaster) bind(connID, lobbyID, playerID string, evict bool) error {
	if connID == "" || lobbyID == "" || playerID == "" {
		return ErrInvalidConn
	}

	var (
		left    string
		evicted []*binding
	)

	b.mu.Lock()
	bd, ok := b.bindings[connID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConn
	}
	if bd.LobbyID != "" && bd.LobbyID != lobbyID {
		left = bd.LobbyID
		b.leaveLocked(connID, left)
	}
	if evict {
		for id, other := range b.bindings {
			if id != connID && other.LobbyID == lobbyID && other.PlayerID == playerID {
				b.leaveLocked(id, lobbyID)
				delete(b.bindings, id)
				evicted = append(evicted, other)
			}
		}
	}
	bd.LobbyID = lobbyID
	bd.PlayerID = playerID
	bd.LastSeen = b.now()
	room, ok := b.rooms[lobbyID]
	if !ok {
		room = NewRoom(lobbyID)
		b.rooms[lobbyID] = room
	}
	room.Join(bd.client)
	b.mu.Unlock()

	for _, e := range evicted {
		e.client.Close()
		b.metrics.Connections(-1)
		b.log.Info("realtime.evict", "conn_id", e.ConnID, "lobby_id", lobbyID, "player_id", playerID)
	}
	if left != "" {
		b.notifyLeft(left, playerID)
	}
	return nil
}

// leaveLocked removes connID from the lobby room, dropping the room once it is empty.
func (b *Broadcaster) leaveLocked(connID, lobbyID string) {
	room, ok := b.rooms[lobbyID]
	if !ok {
		return
	}
	if room.Leave(connID) == 0 {
		delete(b.rooms, lobbyID)
	}
}

// Broadcast delivers an event to every connection bound to lobbyID and returns how many
// it was queued for. Lobbies without connections are a no-op.
func (b *Broadcaster) Broadcast(lobbyID, typ string, payload any) int {
	return b.fanout(lobbyID, "", typ, payload)
}

// BroadcastExcept is Broadcast skipping connID.
func (b *Broadcaster) BroadcastExcept(lobbyID, connID, typ string, payload any) int {
	return b.fanout(lobbyID, connID, typ, payload)
}

// Publish lets the lobby manager route committed events.
func (b *Broadcaster) Publish(lobbyID, typ string, payload any) {
	b.Broadcast(lobbyID, typ, payload)
}

func (b *Broadcaster) fanout(lobbyID, skip, typ string, payload any) int {
	b.mu.RLock()
	room := b.rooms[lobbyID]
	b.mu.RUnlock()
	if room == nil {
		return 0
	}
	env, ok := b.envelope(typ, payload)
	if !ok {
		return 0
	}
	n := room.Broadcast(env, skip)
	b.metrics.WSEvent(typ)
	return n
}

// SendTo delivers an event to one connection. It reports false when the connection is gone
// or its queue is full.
func (b *Broadcaster) SendTo(connID, typ string, payload any) bool {
	b.mu.RLock()
	bd, ok := b.bindings[connID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	env, ok := b.envelope(typ, payload)
	if !ok {
		return false
	}
	return bd.client.offer(env)
}

// OnDisconnect removes the binding and tells the rest of its lobby. It never touches the
// lobby itself: a disconnect is not a forfeit.
func (b *Broadcaster) OnDisconnect(connID string) (Binding, bool) {
	b.mu.Lock()
	bd, ok := b.bindings[connID]
	if !ok {
		b.mu.Unlock()
		return Binding{}, false
	}
	delete(b.bindings, connID)
	if bd.LobbyID != "" {
		b.leaveLocked(connID, bd.LobbyID)
	}
	out := bd.Binding
	b.mu.Unlock()

	b.metrics.Connections(-1)
	if out.LobbyID != "" {
		b.notifyLeft(out.LobbyID, out.PlayerID)
	}
	b.log.Info("realtime.disconnect", "conn_id", connID, "lobby_id", out.LobbyID, "player_id", out.PlayerID)
	return out, true
}

func (b *Broadcaster) notifyLeft(lobbyID, playerID string) {
	b.Broadcast(lobbyID, v1.TypeMemberDisconnected, v1.MemberDisconnectedPayload{
		LobbyID:  lobbyID,
		PlayerID: playerID,
		Online:   b.Online(lobbyID),
	})
}

// Touch records inbound activity on connID.
func (b *Broadcaster) Touch(connID string) {
	now := b.now()
	b.mu.Lock()
	if bd, ok := b.bindings[connID]; ok {
		bd.LastSeen = now
	}
	b.mu.Unlock()
}

// SweepIdle drops connections that have been silent longer than the idle TTL. Each dropped
// connection is treated as a disconnect and its client is closed.
func (b *Broadcaster) SweepIdle(ctx context.Context) (int, error) {
	cut := b.now().Add(-b.idleTTL)

	b.mu.RLock()
	var stale []*binding
	for _, bd := range b.bindings {
		if bd.LastSeen.Before(cut) {
			stale = append(stale, bd)
		}
	}
	b.mu.RUnlock()

	n := 0
	for _, bd := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, ok := b.OnDisconnect(bd.ConnID); ok {
			bd.client.Close()
			n++
		}
	}
	b.metrics.Swept("connection", n)
	return n, nil
}

// Lookup returns the binding for connID.
func (b *Broadcaster) Lookup(connID string) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	return bd.Binding, true
}

// Online returns the distinct player ids with a connection bound to lobbyID, sorted.
func (b *Broadcaster) Online(lobbyID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []string{}
	for _, bd := range b.bindings {
		if bd.LobbyID == lobbyID && bd.PlayerID != "" && !slices.Contains(out, bd.PlayerID) {
			out = append(out, bd.PlayerID)
		}
	}
	slices.Sort(out)
	return out
}

// Connections returns the number of registered connections.
func (b *Broadcaster) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

func (b *Broadcaster) envelope(typ string, payload any) (v1.Envelope, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("realtime.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return newEnvelope(typ, raw, b.now()), true
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
