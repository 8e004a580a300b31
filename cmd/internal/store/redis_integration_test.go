package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
	"arena/cmd/internal/ids"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOpenTestRedis(t *testing.T) *Redis {
	t.Helper()

	url := strings.TrimSpace(os.Getenv("ARENA_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("ARENA_TEST_REDIS_URL not set; skipping redis integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "arena_test_" + strings.ToLower(ids.MustULID(time.Now()))
	r, err := OpenRedis(ctx, url, WithRedisPrefix(prefix), WithRedisTTL(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedis_CompareAndSwapLifecycle(t *testing.T) {
	r := mustOpenTestRedis(t)
	ctx := context.Background()
	tbl := r.Invites()

	v1, err := tbl.Insert(ctx, "ABCD-EF01", sampleInvite("ABCD-EF01"))
	require.NoError(t, err)

	_, err = tbl.Insert(ctx, "ABCD-EF01", sampleInvite("ABCD-EF01"))
	require.ErrorIs(t, err, fault.Conflict)

	inv, ver, err := tbl.Get(ctx, "ABCD-EF01")
	require.NoError(t, err)
	require.Equal(t, v1, ver)

	inv.Status = battle.InviteReady
	inv.Guest = &battle.Entry{PlayerID: "p2", CombatantID: "6"}
	v2, err := tbl.CompareAndSwap(ctx, "ABCD-EF01", v1, inv)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = tbl.CompareAndSwap(ctx, "ABCD-EF01", v1, inv)
	require.ErrorIs(t, err, ErrVersionMismatch)

	all, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p2", all[0].Guest.PlayerID)

	require.NoError(t, tbl.Delete(ctx, "ABCD-EF01"))
	_, _, err = tbl.Get(ctx, "ABCD-EF01")
	require.ErrorIs(t, err, fault.NotFound)
}

func TestRedis_LobbyRoundTripKeepsTurns(t *testing.T) {
	r := mustOpenTestRedis(t)
	ctx := context.Background()

	l := battle.Lobby{
		ID:           "L1",
		Participants: []battle.Participant{{PlayerID: "p1"}, {PlayerID: "p2"}},
		TurnOrder:    []string{"p1", "p2"},
		Status:       battle.LobbyFighting,
		Turns:        []battle.TurnRecord{{Seq: 1, AttackerID: "p1", DefenderID: "p2", Damage: 12}},
		Log:          battle.NewBattleLog(0, 0),
	}
	_, err := r.Lobbies().Put(ctx, l.ID, l)
	require.NoError(t, err)

	got, _, err := r.Lobbies().Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Turns, got.Turns)
	assert.Equal(t, battle.LobbyFighting, got.Status)
	require.NoError(t, r.Ping(ctx))
}
