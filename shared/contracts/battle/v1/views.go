package v1

import "time"

// The view types below are snapshots built fresh for each frame or response.
// Nothing in them aliases server-side state.

type LobbySnapshot struct {
	ID             string            `json:"id"`
	InviteCode     string            `json:"invite_code"`
	Status         string            `json:"status"`
	Participants   []ParticipantView `json:"participants"`
	TurnOrder      []string          `json:"turn_order"`
	CurrentTurn    string            `json:"current_turn"`
	Winner         string            `json:"winner,omitempty"`
	EndReason      string            `json:"end_reason,omitempty"`
	TurnCount      int               `json:"turn_count"`
	MaxTurns       int               `json:"max_turns"`
	TurnDurationMS int64             `json:"turn_duration_ms"`
	Log            []LogLine         `json:"log"`
	Turns          []TurnView        `json:"turns"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

type ParticipantView struct {
	PlayerID  string        `json:"player_id"`
	Position  int           `json:"position"`
	Ready     bool          `json:"ready"`
	Combatant CombatantView `json:"combatant"`
}

type CombatantView struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Types          []string     `json:"types"`
	HP             int          `json:"hp"`
	MaxHP          int          `json:"max_hp"`
	Attack         int          `json:"attack"`
	Defense        int          `json:"defense"`
	SpecialAttack  int          `json:"special_attack"`
	SpecialDefense int          `json:"special_defense"`
	Speed          int          `json:"speed"`
	AttackStage    int          `json:"attack_stage"`
	DefenseStage   int          `json:"defense_stage"`
	Actions        []ActionView `json:"actions"`
}

type ActionView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	Category  string `json:"category"`
	Power     int    `json:"power"`
	Accuracy  int    `json:"accuracy"`
	Remaining int    `json:"remaining"`
	MaxUses   int    `json:"max_uses"`
}

type TurnView struct {
	Seq           int       `json:"seq"`
	AttackerID    string    `json:"attacker_id"`
	DefenderID    string    `json:"defender_id"`
	ActionID      string    `json:"action_id"`
	ActionName    string    `json:"action_name"`
	Kind          string    `json:"kind"`
	Damage        int       `json:"damage"`
	Healed        int       `json:"healed,omitempty"`
	StageChange   int       `json:"stage_change,omitempty"`
	Effectiveness float64   `json:"effectiveness"`
	Critical      bool      `json:"critical,omitempty"`
	AttackerHP    int       `json:"attacker_hp"`
	DefenderHP    int       `json:"defender_hp"`
	At            time.Time `json:"at"`
}

type LogLine struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

type LobbySummary struct {
	ID          string    `json:"id"`
	InviteCode  string    `json:"invite_code"`
	Status      string    `json:"status"`
	Players     []string  `json:"players"`
	CurrentTurn string    `json:"current_turn"`
	TurnCount   int       `json:"turn_count"`
	CreatedAt   time.Time `json:"created_at"`
}
