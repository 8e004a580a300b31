package battle

import "time"

// LobbyStatus is the lifecycle state of a lobby. It only advances ready → fighting → finished.
type LobbyStatus string

const (
	LobbyReady    LobbyStatus = "ready"
	LobbyFighting LobbyStatus = "fighting"
	LobbyFinished LobbyStatus = "finished"
)

// EndReason records why a lobby finished.
type EndReason string

const (
	EndDefeat   EndReason = "defeat"
	EndForfeit  EndReason = "forfeit"
	EndMaxTurns EndReason = "max_turns"
)

// Participant is one seat in a lobby.
type Participant struct {
	PlayerID  string    `json:"player_id"`
	Position  int       `json:"position"`
	Ready     bool      `json:"ready"`
	Combatant Combatant `json:"combatant"`
}

// TurnRecord is the immutable result of one resolved action.
type TurnRecord struct {
	Seq           int        `json:"seq"`
	AttackerID    string     `json:"attacker_id"`
	DefenderID    string     `json:"defender_id"`
	ActionID      string     `json:"action_id"`
	ActionName    string     `json:"action_name"`
	Kind          ActionKind `json:"kind"`
	Damage        int        `json:"damage"`
	Healed        int        `json:"healed,omitempty"`
	StageChange   int        `json:"stage_change,omitempty"`
	Effectiveness float64    `json:"effectiveness"`
	Critical      bool       `json:"critical,omitempty"`
	AttackerHP    int        `json:"attacker_hp"`
	DefenderHP    int        `json:"defender_hp"`
	At            time.Time  `json:"at"`
}

// Settings are fixed per lobby at creation.
type Settings struct {
	MaxTurns     int           `json:"max_turns"`
	TurnDuration time.Duration `json:"turn_duration"`
}

// Lobby is a two-party combat session formed from a ready invite. It shares its id with the invite.
type Lobby struct {
	ID           string        `json:"id"`
	InviteCode   string        `json:"invite_code"`
	Participants []Participant `json:"participants"`
	TurnOrder    []string      `json:"turn_order"`
	CurrentTurn  string        `json:"current_turn"`
	Status       LobbyStatus   `json:"status"`
	Settings     Settings      `json:"settings"`
	Log          BattleLog     `json:"log"`
	Turns        []TurnRecord  `json:"turns"`
	Winner       string        `json:"winner,omitempty"`
	EndReason    EndReason     `json:"end_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (l Lobby) Clone() Lobby {
	ps := make([]Participant, len(l.Participants))
	for i, p := range l.Participants {
		p.Combatant = p.Combatant.Clone()
		ps[i] = p
	}
	l.Participants = ps
	l.TurnOrder = append([]string(nil), l.TurnOrder...)
	l.Turns = append([]TurnRecord(nil), l.Turns...)
	l.Log = l.Log.Clone()
	return l
}

// Participant returns the seat held by playerID.
func (l *Lobby) Participant(playerID string) (*Participant, bool) {
	for i := range l.Participants {
		if l.Participants[i].PlayerID == playerID {
			return &l.Participants[i], true
		}
	}
	return nil, false
}

// Opponent returns the seat not held by playerID.
func (l *Lobby) Opponent(playerID string) (*Participant, bool) {
	if _, ok := l.Participant(playerID); !ok {
		return nil, false
	}
	for i := range l.Participants {
		if l.Participants[i].PlayerID != playerID {
			return &l.Participants[i], true
		}
	}
	return nil, false
}

// Active reports whether the lobby has not finished.
func (l Lobby) Active() bool { return l.Status != LobbyFinished }

// IdleSince returns the time of the last mutation.
func (l Lobby) IdleSince() time.Time {
	if l.UpdatedAt.IsZero() {
		return l.CreatedAt
	}
	return l.UpdatedAt
}
