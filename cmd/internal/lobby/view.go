package lobby

import (
	"time"

	"arena/cmd/internal/battle"
	v1 "arena/shared/contracts/battle/v1"
)

// Snapshot projects l into a freshly allocated wire view.
func Snapshot(l battle.Lobby) v1.LobbySnapshot {
	s := v1.LobbySnapshot{
		ID:             l.ID,
		InviteCode:     l.InviteCode,
		Status:         string(l.Status),
		Participants:   make([]v1.ParticipantView, 0, len(l.Participants)),
		TurnOrder:      append([]string{}, l.TurnOrder...),
		CurrentTurn:    l.CurrentTurn,
		Winner:         l.Winner,
		EndReason:      string(l.EndReason),
		TurnCount:      len(l.Turns),
		MaxTurns:       l.Settings.MaxTurns,
		TurnDurationMS: l.Settings.TurnDuration.Milliseconds(),
		Log:            make([]v1.LogLine, 0, len(l.Log.Entries)),
		Turns:          make([]v1.TurnView, 0, len(l.Turns)),
		CreatedAt:      l.CreatedAt,
		StartedAt:      timePtr(l.StartedAt),
		FinishedAt:     timePtr(l.FinishedAt),
	}
	for _, p := range l.Participants {
		s.Participants = append(s.Participants, v1.ParticipantView{
			PlayerID:  p.PlayerID,
			Position:  p.Position,
			Ready:     p.Ready,
			Combatant: CombatantView(p.Combatant),
		})
	}
	for _, e := range l.Log.Entries {
		s.Log = append(s.Log, v1.LogLine{At: e.At, Text: e.Text})
	}
	for _, t := range l.Turns {
		s.Turns = append(s.Turns, TurnView(t))
	}
	return s
}

// Summary projects l into a listing row.
func Summary(l battle.Lobby) v1.LobbySummary {
	players := make([]string, 0, len(l.Participants))
	for _, p := range l.Participants {
		players = append(players, p.PlayerID)
	}
	return v1.LobbySummary{
		ID:          l.ID,
		InviteCode:  l.InviteCode,
		Status:      string(l.Status),
		Players:     players,
		CurrentTurn: l.CurrentTurn,
		TurnCount:   len(l.Turns),
		CreatedAt:   l.CreatedAt,
	}
}

// CombatantView projects a combatant snapshot.
func CombatantView(c battle.Combatant) v1.CombatantView {
	v := v1.CombatantView{
		ID:             c.ID,
		Name:           c.Name,
		Types:          append([]string{}, c.Types...),
		HP:             c.HP,
		MaxHP:          c.Stats.MaxHP,
		Attack:         c.Stats.Attack,
		Defense:        c.Stats.Defense,
		SpecialAttack:  c.Stats.SpecialAttack,
		SpecialDefense: c.Stats.SpecialDefense,
		Speed:          c.Stats.Speed,
		AttackStage:    c.Stages.Attack,
		DefenseStage:   c.Stages.Defense,
		Actions:        make([]v1.ActionView, 0, len(c.Actions)),
	}
	for _, s := range c.Actions {
		v.Actions = append(v.Actions, ActionView(s.Action, s.Remaining))
	}
	return v
}

// ActionView projects an action with its remaining uses.
func ActionView(a battle.Action, remaining int) v1.ActionView {
	return v1.ActionView{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      string(a.Kind),
		Type:      a.Type,
		Category:  string(a.Category),
		Power:     a.Power,
		Accuracy:  a.Accuracy,
		Remaining: remaining,
		MaxUses:   a.MaxUses,
	}
}

// TurnView projects a turn record.
func TurnView(t battle.TurnRecord) v1.TurnView {
	return v1.TurnView{
		Seq:           t.Seq,
		AttackerID:    t.AttackerID,
		DefenderID:    t.DefenderID,
		ActionID:      t.ActionID,
		ActionName:    t.ActionName,
		Kind:          string(t.Kind),
		Damage:        t.Damage,
		Healed:        t.Healed,
		StageChange:   t.StageChange,
		Effectiveness: t.Effectiveness,
		Critical:      t.Critical,
		AttackerHP:    t.AttackerHP,
		DefenderHP:    t.DefenderHP,
		At:            t.At,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
