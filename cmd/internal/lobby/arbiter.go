package lobby

import (
	"fmt"
	"slices"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/dex"
)

// ComputeTurnOrder orders participants by speed, fastest first. Equal speeds keep seat order,
// so the host acts first on a tie.
func ComputeTurnOrder(ps []battle.Participant) []string {
	sorted := slices.Clone(ps)
	slices.SortStableFunc(sorted, func(a, b battle.Participant) int {
		return b.Combatant.Stats.Speed - a.Combatant.Stats.Speed
	})
	order := make([]string, 0, len(sorted))
	for _, p := range sorted {
		order = append(order, p.PlayerID)
	}
	return order
}

// NextTurn returns the player after current in order, wrapping around. A current id not in
// order yields the first entry.
func NextTurn(order []string, current string) string {
	if len(order) == 0 {
		return ""
	}
	i := slices.Index(order, current)
	return order[(i+1)%len(order)]
}

// resolution is what one action did.
type resolution struct {
	damage        int
	healed        int
	stageChange   int
	effectiveness float64
	critical      bool
}

// resolver applies one action kind to the acting and target combatants.
type resolver func(attacker, defender *battle.Combatant, a battle.Action, roll dex.Roll) resolution

func resolverFor(kind battle.ActionKind) (resolver, bool) {
	switch kind {
	case battle.KindDamage:
		return resolveDamage, true
	case battle.KindHeal:
		return resolveHeal, true
	case battle.KindBuff:
		return resolveBuff, true
	case battle.KindDebuff:
		return resolveDebuff, true
	}
	return nil, false
}

func resolveDamage(attacker, defender *battle.Combatant, a battle.Action, roll dex.Roll) resolution {
	d := dex.Damage(*attacker, *defender, a, roll)
	defender.HP = max(0, defender.HP-d.Amount)
	return resolution{damage: d.Amount, effectiveness: d.Effectiveness, critical: d.Critical}
}

func resolveHeal(attacker, _ *battle.Combatant, a battle.Action, _ dex.Roll) resolution {
	n := dex.HealAmount(*attacker, a)
	attacker.HP += n
	return resolution{healed: n, effectiveness: 1}
}

func resolveBuff(attacker, _ *battle.Combatant, a battle.Action, _ dex.Roll) resolution {
	return resolution{stageChange: attacker.Stages.Shift(a.Stat, abs(a.Stages)), effectiveness: 1}
}

func resolveDebuff(_, defender *battle.Combatant, a battle.Action, _ dex.Roll) resolution {
	return resolution{stageChange: defender.Stages.Shift(a.Stat, -abs(a.Stages)), effectiveness: 1}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// turnResult is what resolve hands back to the manager.
type turnResult struct {
	record   battle.TurnRecord
	finished bool
}

// resolve validates and applies one action to l. l must be a private copy: on error it may
// be partially modified and has to be thrown away.
func resolve(l *battle.Lobby, actorID, actionID string, roll dex.Roll, now time.Time) (turnResult, error) {
	if l.Status == battle.LobbyFinished {
		return turnResult{}, ErrFinished
	}
	if l.Status != battle.LobbyFighting {
		return turnResult{}, ErrNotFighting
	}
	attacker, ok := l.Participant(actorID)
	if !ok {
		return turnResult{}, ErrParticipant
	}
	if l.CurrentTurn != actorID {
		return turnResult{}, ErrNotYourTurn
	}
	defender, ok := l.Opponent(actorID)
	if !ok {
		return turnResult{}, ErrParticipant
	}
	if attacker.Combatant.Fainted() {
		return turnResult{}, ErrFainted
	}
	slot, ok := attacker.Combatant.Slot(actionID)
	if !ok {
		return turnResult{}, ErrUnknownAction
	}
	if slot.Remaining <= 0 {
		return turnResult{}, ErrActionExhausted
	}
	apply, ok := resolverFor(slot.Action.Kind)
	if !ok {
		return turnResult{}, fmt.Errorf("lobby: action %q has unknown kind %q", slot.Action.ID, slot.Action.Kind)
	}

	action := slot.Action
	slot.Remaining--
	res := apply(&attacker.Combatant, &defender.Combatant, action, roll)

	rec := battle.TurnRecord{
		Seq:           len(l.Turns) + 1,
		AttackerID:    attacker.PlayerID,
		DefenderID:    defender.PlayerID,
		ActionID:      action.ID,
		ActionName:    action.Name,
		Kind:          action.Kind,
		Damage:        res.damage,
		Healed:        res.healed,
		StageChange:   res.stageChange,
		Effectiveness: res.effectiveness,
		Critical:      res.critical,
		AttackerHP:    attacker.Combatant.HP,
		DefenderHP:    defender.Combatant.HP,
		At:            now,
	}
	l.Turns = append(l.Turns, rec)
	for _, line := range turnLog(attacker.Combatant, defender.Combatant, action, res) {
		l.Log.Append(now, line)
	}
	l.UpdatedAt = now

	switch {
	case defender.Combatant.Fainted():
		finish(l, attacker.PlayerID, battle.EndDefeat, now)
		return turnResult{record: rec, finished: true}, nil
	case l.Settings.MaxTurns > 0 && len(l.Turns) >= l.Settings.MaxTurns:
		finish(l, leaderByHealth(l), battle.EndMaxTurns, now)
		return turnResult{record: rec, finished: true}, nil
	}

	l.CurrentTurn = NextTurn(l.TurnOrder, actorID)
	if next, ok := l.Participant(l.CurrentTurn); ok {
		l.Log.Append(now, fmt.Sprintf("It's %s's turn with %s.", next.PlayerID, next.Combatant.Name))
	}
	return turnResult{record: rec}, nil
}

// finish moves l to finished. Callers check that l has not finished yet.
func finish(l *battle.Lobby, winner string, reason battle.EndReason, now time.Time) {
	l.Status = battle.LobbyFinished
	l.Winner = winner
	l.EndReason = reason
	l.FinishedAt = now
	l.UpdatedAt = now

	switch reason {
	case battle.EndDefeat:
		if loser, ok := l.Opponent(winner); ok {
			l.Log.Append(now, fmt.Sprintf("%s fainted!", loser.Combatant.Name))
		}
	case battle.EndForfeit:
		if loser, ok := l.Opponent(winner); ok {
			l.Log.Append(now, fmt.Sprintf("%s forfeited the battle.", loser.PlayerID))
		}
	case battle.EndMaxTurns:
		l.Log.Append(now, fmt.Sprintf("Turn limit of %d reached.", l.Settings.MaxTurns))
	}

	if w, ok := l.Participant(winner); ok {
		l.Log.Append(now, fmt.Sprintf("%s wins with %s!", w.PlayerID, w.Combatant.Name))
	} else {
		l.Log.Append(now, "The battle ended in a draw.")
	}
}

// leaderByHealth returns the participant with the larger remaining health fraction, or ""
// when both are equal.
func leaderByHealth(l *battle.Lobby) string {
	if len(l.Participants) != 2 {
		return ""
	}
	a, b := l.Participants[0], l.Participants[1]
	// Compare hpA/maxA against hpB/maxB without floating point.
	lhs := a.Combatant.HP * max(1, b.Combatant.Stats.MaxHP)
	rhs := b.Combatant.HP * max(1, a.Combatant.Stats.MaxHP)
	switch {
	case lhs > rhs:
		return a.PlayerID
	case rhs > lhs:
		return b.PlayerID
	}
	return ""
}

func turnLog(attacker, defender battle.Combatant, a battle.Action, res resolution) []string {
	lines := []string{fmt.Sprintf("%s used %s!", attacker.Name, a.Name)}
	switch a.Kind {
	case battle.KindDamage:
		if text := effectivenessText(res.effectiveness); text != "" {
			lines = append(lines, text)
		}
		if res.critical {
			lines = append(lines, "A critical hit!")
		}
		if res.damage > 0 {
			lines = append(lines, fmt.Sprintf("%s took %d damage.", defender.Name, res.damage))
		}
	case battle.KindHeal:
		lines = append(lines, fmt.Sprintf("%s restored %d HP.", attacker.Name, res.healed))
	case battle.KindBuff:
		lines = append(lines, stageText(attacker.Name, a.Stat, res.stageChange))
	case battle.KindDebuff:
		lines = append(lines, stageText(defender.Name, a.Stat, res.stageChange))
	}
	return lines
}

func effectivenessText(m float64) string {
	switch {
	case m == 0:
		return "It had no effect..."
	case m >= 2:
		return "It's super effective!"
	case m <= 0.5:
		return "It's not very effective..."
	}
	return ""
}

func stageText(name string, stat battle.Stat, change int) string {
	switch {
	case change > 0:
		return fmt.Sprintf("%s's %s rose!", name, stat)
	case change < 0:
		return fmt.Sprintf("%s's %s fell!", name, stat)
	}
	return fmt.Sprintf("%s's %s won't go any further!", name, stat)
}
