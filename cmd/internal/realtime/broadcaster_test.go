package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "arena/shared/contracts/battle/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroadcaster(t *testing.T, opts ...BroadcasterOption) *Broadcaster {
	t.Helper()
	b, err := NewBroadcaster(nil, opts...)
	require.NoError(t, err)
	return b
}

func register(t *testing.T, b *Broadcaster, connID string) *Client {
	t.Helper()
	c := NewClient(connID, 16)
	require.NoError(t, b.Register(c))
	return c
}

// next pops the next queued envelope of c.
func next(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	default:
		t.Fatalf("client %s: no queued envelope", c.ConnID)
		return v1.Envelope{}
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("client %s: unexpected %s", c.ConnID, env.Type)
	default:
	}
}

func fixedSnap(snap v1.LobbySnapshot) SnapshotFunc {
	return func() (v1.LobbySnapshot, error) { return snap, nil }
}

func payloadOf[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestBroadcaster_JoinAnnouncesToEveryMember(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c1 := register(t, b, "c1")
	c2 := register(t, b, "c2")
	snap := v1.LobbySnapshot{ID: "L1", Status: "ready"}

	require.NoError(t, b.Join("c1", "L1", "p1", fixedSnap(snap)))
	env := next(t, c1)
	assert.Equal(t, v1.TypeMemberJoined, env.Type)
	assert.Equal(t, v1.Version, env.V)
	assert.Len(t, env.ID, 26)
	joined := payloadOf[v1.MemberJoinedPayload](t, env)
	assert.Equal(t, []string{"p1"}, joined.Online)
	assert.Equal(t, "L1", joined.Lobby.ID)

	require.NoError(t, b.Join("c2", "L1", "p2", fixedSnap(snap)))
	for _, c := range []*Client{c1, c2} {
		p := payloadOf[v1.MemberJoinedPayload](t, next(t, c))
		assert.Equal(t, "p2", p.PlayerID)
		assert.Equal(t, []string{"p1", "p2"}, p.Online)
	}

	bd, ok := b.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, "L1", bd.LobbyID)
	assert.Equal(t, "p2", bd.PlayerID)
}

func TestBroadcaster_BroadcastIsScopedToLobby(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c1 := register(t, b, "c1")
	c2 := register(t, b, "c2")
	other := register(t, b, "c3")
	require.NoError(t, b.Join("c1", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	require.NoError(t, b.Join("c2", "L1", "p2", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	require.NoError(t, b.Join("c3", "L2", "p3", fixedSnap(v1.LobbySnapshot{ID: "L2"})))
	for _, c := range []*Client{c1, c1, c2, other} {
		next(t, c)
	}

	n := b.Broadcast("L1", v1.TypeBattleStarted, v1.BattleStartedPayload{Lobby: v1.LobbySnapshot{ID: "L1"}})
	assert.Equal(t, 2, n)
	assert.Equal(t, v1.TypeBattleStarted, next(t, c1).Type)
	assert.Equal(t, v1.TypeBattleStarted, next(t, c2).Type)
	assertEmpty(t, other)

	n = b.BroadcastExcept("L1", "c1", v1.TypeOpponentActionChosen, v1.OpponentActionChosenPayload{LobbyID: "L1"})
	assert.Equal(t, 1, n)
	assertEmpty(t, c1)
	assert.Equal(t, v1.TypeOpponentActionChosen, next(t, c2).Type)

	assert.Equal(t, 0, b.Broadcast("nobody-here", v1.TypeBattleStarted, struct{}{}))
}

func TestBroadcaster_DisconnectNotifiesRemainingMembers(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c1 := register(t, b, "c1")
	c2 := register(t, b, "c2")
	require.NoError(t, b.Join("c1", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	require.NoError(t, b.Join("c2", "L1", "p2", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	next(t, c1)
	next(t, c1)
	next(t, c2)

	bd, ok := b.OnDisconnect("c2")
	require.True(t, ok)
	assert.Equal(t, "p2", bd.PlayerID)

	env := next(t, c1)
	require.Equal(t, v1.TypeMemberDisconnected, env.Type)
	left := payloadOf[v1.MemberDisconnectedPayload](t, env)
	assert.Equal(t, "p2", left.PlayerID)
	assert.Equal(t, []string{"p1"}, left.Online)

	_, ok = b.OnDisconnect("c2")
	assert.False(t, ok)
	assert.False(t, b.SendTo("c2", v1.TypeKeepAliveResponse, struct{}{}))
	assert.Equal(t, 1, b.Connections())
}

func TestBroadcaster_ReconnectDeliversSnapshotAndEvictsStaleConnection(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	old := register(t, b, "old")
	require.NoError(t, b.Join("old", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	next(t, old)

	fresh := register(t, b, "fresh")
	snap := v1.LobbySnapshot{ID: "L1", Status: "finished", Winner: "p2"}
	require.NoError(t, b.Reconnect("fresh", "L1", "p1", fixedSnap(snap)))

	assert.Equal(t, v1.TypeMemberJoined, next(t, fresh).Type)
	env := next(t, fresh)
	require.Equal(t, v1.TypeLobbyReconnected, env.Type)
	re := payloadOf[v1.LobbyReconnectedPayload](t, env)
	assert.Equal(t, "finished", re.Lobby.Status)
	assert.Equal(t, "p2", re.Lobby.Winner)

	select {
	case <-old.Done():
	default:
		t.Fatal("stale connection was not closed")
	}
	_, ok := b.Lookup("old")
	assert.False(t, ok)
	assert.Equal(t, []string{"p1"}, b.Online("L1"))
}

func TestBroadcaster_JoinAnotherLobbyLeavesTheFirst(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c1 := register(t, b, "c1")
	c2 := register(t, b, "c2")
	require.NoError(t, b.Join("c1", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	require.NoError(t, b.Join("c2", "L1", "p2", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	next(t, c1)
	next(t, c1)
	next(t, c2)

	require.NoError(t, b.Join("c2", "L2", "p2", fixedSnap(v1.LobbySnapshot{ID: "L2"})))
	assert.Equal(t, v1.TypeMemberJoined, next(t, c2).Type)
	assert.Equal(t, v1.TypeMemberDisconnected, next(t, c1).Type)
	assert.Equal(t, []string{"p1"}, b.Online("L1"))
	assert.Equal(t, []string{"p2"}, b.Online("L2"))
}

func TestBroadcaster_Validation(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	assert.ErrorIs(t, b.Register(nil), ErrInvalidConn)
	c := register(t, b, "c1")
	assert.ErrorIs(t, b.Register(c), ErrDuplicateConn)
	assert.ErrorIs(t, b.Join("ghost", "L1", "p1", fixedSnap(v1.LobbySnapshot{})), ErrUnknownConn)
	assert.ErrorIs(t, b.Join("c1", "", "p1", fixedSnap(v1.LobbySnapshot{})), ErrInvalidConn)

	_, err := NewBroadcaster(nil, WithIdleTTL(0))
	assert.ErrorIs(t, err, ErrInvalidConn)
}

func TestBroadcaster_SnapshotReadAfterBinding(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c1 := register(t, b, "c1")

	var online []string
	require.NoError(t, b.Join("c1", "L1", "p1", func() (v1.LobbySnapshot, error) {
		online = b.Online("L1")
		return v1.LobbySnapshot{ID: "L1", TurnCount: 3}, nil
	}))
	assert.Equal(t, []string{"p1"}, online)
	joined := payloadOf[v1.MemberJoinedPayload](t, next(t, c1))
	assert.Equal(t, 3, joined.Lobby.TurnCount)

	boom := errors.New("store down")
	c2 := register(t, b, "c2")
	err := b.Reconnect("c2", "L1", "p2", func() (v1.LobbySnapshot, error) {
		return v1.LobbySnapshot{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"p1"}, b.Online("L1"))
	bd, ok := b.Lookup("c2")
	require.True(t, ok)
	assert.Empty(t, bd.LobbyID)
	assertEmpty(t, c1)
	assertEmpty(t, c2)
}

func TestBroadcaster_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(t)
	c := NewClient("c1", 1)
	require.NoError(t, b.Register(c))
	require.NoError(t, b.Join("c1", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))

	done := make(chan int)
	go func() { done <- b.Broadcast("L1", v1.TypeBattleStarted, struct{}{}) }()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
}

func TestBroadcaster_SweepIdle(t *testing.T) {
	t.Parallel()

	clk := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newTestBroadcaster(t, WithIdleTTL(10*time.Minute), WithBroadcasterClock(clk.Now))
	quiet := register(t, b, "quiet")
	chatty := register(t, b, "chatty")
	require.NoError(t, b.Join("quiet", "L1", "p1", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	require.NoError(t, b.Join("chatty", "L1", "p2", fixedSnap(v1.LobbySnapshot{ID: "L1"})))
	next(t, quiet)
	next(t, quiet)
	next(t, chatty)

	clk.Advance(8 * time.Minute)
	b.Touch("chatty")
	clk.Advance(3 * time.Minute)

	n, err := b.SweepIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-quiet.Done():
	default:
		t.Fatal("idle client not closed")
	}
	assert.Equal(t, v1.TypeMemberDisconnected, next(t, chatty).Type)
	assert.Equal(t, []string{"p2"}, b.Online("L1"))
}
