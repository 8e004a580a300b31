package battle

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBattleLog_TrimsToNewestOnOverflow(t *testing.T) {
	t.Parallel()

	log := NewBattleLog(100, 50)
	now := time.Unix(0, 0)
	for i := range 101 {
		log.Append(now, fmt.Sprintf("line %d", i))
	}

	require.Len(t, log.Entries, 50)
	assert.Equal(t, "line 51", log.Entries[0].Text)
	assert.Equal(t, "line 100", log.Entries[49].Text)

	log.Append(now, "line 101")
	assert.Len(t, log.Entries, 51)
}

func TestNewBattleLog_Defaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		capacity, trimTo    int
		wantCap, wantTrimTo int
	}{
		{0, 0, DefaultLogCap, DefaultLogTrimTo},
		{100, 50, 100, 50},
		{10, 10, 10, 5},
		{10, 0, 10, 5},
	}
	for _, tc := range cases {
		got := NewBattleLog(tc.capacity, tc.trimTo)
		assert.Equal(t, tc.wantCap, got.Cap, "cap for %+v", tc)
		assert.Equal(t, tc.wantTrimTo, got.TrimTo, "trim for %+v", tc)
	}
}

func TestLobbyClone_DoesNotAlias(t *testing.T) {
	t.Parallel()

	orig := Lobby{
		ID: "L1",
		Participants: []Participant{
			{PlayerID: "p1", Combatant: Combatant{ID: "25", HP: 100, Types: []string{"electric"}, Actions: []ActionSlot{{Remaining: 15}}}},
			{PlayerID: "p2", Combatant: Combatant{ID: "6", HP: 120}},
		},
		TurnOrder: []string{"p1", "p2"},
		Log:       NewBattleLog(0, 0),
	}
	orig.Log.Append(time.Unix(0, 0), "hello")

	cp := orig.Clone()
	cp.Participants[0].Combatant.HP = 1
	cp.Participants[0].Combatant.Types[0] = "fire"
	cp.Participants[0].Combatant.Actions[0].Remaining = 0
	cp.TurnOrder[0] = "p2"
	cp.Log.Entries[0].Text = "changed"

	assert.Equal(t, 100, orig.Participants[0].Combatant.HP)
	assert.Equal(t, "electric", orig.Participants[0].Combatant.Types[0])
	assert.Equal(t, 15, orig.Participants[0].Combatant.Actions[0].Remaining)
	assert.Equal(t, "p1", orig.TurnOrder[0])
	assert.Equal(t, "hello", orig.Log.Entries[0].Text)
}

func TestLobbyOpponent(t *testing.T) {
	t.Parallel()

	l := Lobby{Participants: []Participant{{PlayerID: "p1"}, {PlayerID: "p2"}}}

	opp, ok := l.Opponent("p1")
	require.True(t, ok)
	assert.Equal(t, "p2", opp.PlayerID)

	_, ok = l.Opponent("stranger")
	assert.False(t, ok)
}

func TestInviteJoinable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Invite{Status: InviteWaiting, ExpiresAt: now.Add(time.Minute)}

	assert.True(t, base.Joinable(now))
	assert.False(t, base.Joinable(now.Add(time.Minute)))

	taken := base.Clone()
	taken.Guest = &Entry{PlayerID: "p2"}
	assert.False(t, taken.Joinable(now))
	assert.Nil(t, base.Guest)

	cancelled := base
	cancelled.Status = InviteCancelled
	assert.False(t, cancelled.Joinable(now))
}

func TestStagesShiftClamps(t *testing.T) {
	t.Parallel()

	var s Stages
	assert.Equal(t, -1, s.Shift(StatAttack, -1))
	assert.Equal(t, 6, s.Shift(StatDefense, 8))
	assert.Equal(t, 0, s.Shift(StatDefense, 1))
	assert.Equal(t, Stages{Attack: -1, Defense: 6}, s)
}

func TestActionValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"damage ok", Action{ID: "tackle", Kind: KindDamage, Power: 40, MaxUses: 35}, false},
		{"damage without power", Action{ID: "x", Kind: KindDamage, MaxUses: 1}, true},
		{"heal ok", Action{ID: "rest", Kind: KindHeal, HealPercent: 50, MaxUses: 5}, false},
		{"debuff unknown stat", Action{ID: "x", Kind: KindDebuff, Stat: "speed", Stages: -1, MaxUses: 1}, true},
		{"buff ok", Action{ID: "harden", Kind: KindBuff, Stat: StatDefense, Stages: 1, MaxUses: 30}, false},
		{"unknown kind", Action{ID: "x", Kind: "teleport", MaxUses: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.action.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
