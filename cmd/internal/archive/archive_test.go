package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func finishedLobby(id, host, guest, winner string, finishedAt time.Time) battle.Lobby {
	return battle.Lobby{
		ID:         id,
		InviteCode: "CODE-" + id,
		Participants: []battle.Participant{
			{PlayerID: host, Position: 1, Combatant: battle.Combatant{ID: "25", Name: "Pikachu"}},
			{PlayerID: guest, Position: 2, Combatant: battle.Combatant{ID: "6", Name: "Charizard"}},
		},
		Status:    battle.LobbyFinished,
		Winner:    winner,
		EndReason: battle.EndDefeat,
		Turns: []battle.TurnRecord{
			{Seq: 1, AttackerID: host, DefenderID: guest, ActionID: "thunderbolt", Damage: 142, At: finishedAt},
		},
		CreatedAt:  finishedAt.Add(-time.Minute),
		StartedAt:  finishedAt.Add(-30 * time.Second),
		FinishedAt: finishedAt,
	}
}

func TestFromLobby(t *testing.T) {
	t.Parallel()

	l := finishedLobby("L1", "p1", "p2", "p1", t0)
	l.Participants[0], l.Participants[1] = l.Participants[1], l.Participants[0]

	r, err := FromLobby(l)
	require.NoError(t, err)
	assert.Equal(t, "p1", r.HostID)
	assert.Equal(t, "p2", r.GuestID)
	assert.Equal(t, "25", r.HostCombatant)
	assert.Equal(t, "defeat", r.Reason)
	assert.Equal(t, 1, r.TurnCount)
	assert.True(t, r.Involves("p2"))
	assert.False(t, r.Involves("p3"))

	r.Turns[0].Damage = 1
	assert.Equal(t, 142, l.Turns[0].Damage)

	l.Status = battle.LobbyFighting
	_, err = FromLobby(l)
	assert.Equal(t, fault.IllegalState, fault.KindOf(err))
}

func TestMemoryStore_ListByPlayer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	for i := range 5 {
		l := finishedLobby(fmt.Sprintf("L%d", i), "p1", fmt.Sprintf("g%d", i), "p1", t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Archive(ctx, l))
	}
	// Duplicate archive is ignored.
	require.NoError(t, s.Archive(ctx, finishedLobby("L0", "p1", "g0", "p1", t0)))

	all, err := s.ListByPlayer(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "L4", all[0].LobbyID)
	assert.Equal(t, "L0", all[4].LobbyID)

	limited, err := s.ListByPlayer(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "L3", limited[1].LobbyID)

	guest, err := s.ListByPlayer(ctx, "g2", 10)
	require.NoError(t, err)
	require.Len(t, guest, 1)
	assert.Equal(t, "L2", guest[0].LobbyID)

	none, err := s.ListByPlayer(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.ListByPlayer(ctx, "  ", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore_RejectsUnfinished(t *testing.T) {
	t.Parallel()

	l := finishedLobby("L1", "p1", "p2", "", t0)
	l.Status = battle.LobbyReady
	err := NewMemoryStore().Archive(context.Background(), l)
	assert.ErrorIs(t, err, ErrNotFinished)
}
