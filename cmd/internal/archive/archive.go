// Package archive keeps the results of finished battles so players can look up their history
// after the live lobby has been reaped.
package archive

import (
	"context"
	"strings"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	ErrInvalidInput = fault.New(fault.InvalidArgument, "archive", "invalid input")
	ErrNotFinished  = fault.New(fault.IllegalState, "archive", "battle has not finished")
)

// Result is one finished battle.
type Result struct {
	LobbyID        string              `json:"lobby_id"`
	InviteCode     string              `json:"invite_code"`
	HostID         string              `json:"host_id"`
	GuestID        string              `json:"guest_id"`
	HostCombatant  string              `json:"host_combatant"`
	GuestCombatant string              `json:"guest_combatant"`
	Winner         string              `json:"winner,omitempty"`
	Reason         string              `json:"reason"`
	TurnCount      int                 `json:"turn_count"`
	Turns          []battle.TurnRecord `json:"turns"`
	StartedAt      time.Time           `json:"started_at,omitzero"`
	FinishedAt     time.Time           `json:"finished_at"`
}

// FromLobby flattens a finished lobby.
func FromLobby(l battle.Lobby) (Result, error) {
	if l.Status != battle.LobbyFinished {
		return Result{}, ErrNotFinished
	}
	if len(l.Participants) != battle.MaxPlayers {
		return Result{}, ErrInvalidInput
	}
	host, guest := l.Participants[0], l.Participants[1]
	if host.Position > guest.Position {
		host, guest = guest, host
	}
	return Result{
		LobbyID:        l.ID,
		InviteCode:     l.InviteCode,
		HostID:         host.PlayerID,
		GuestID:        guest.PlayerID,
		HostCombatant:  host.Combatant.ID,
		GuestCombatant: guest.Combatant.ID,
		Winner:         l.Winner,
		Reason:         string(l.EndReason),
		TurnCount:      len(l.Turns),
		Turns:          append([]battle.TurnRecord{}, l.Turns...),
		StartedAt:      l.StartedAt,
		FinishedAt:     l.FinishedAt,
	}, nil
}

// Involves reports whether playerID fought in r.
func (r Result) Involves(playerID string) bool {
	return r.HostID == playerID || r.GuestID == playerID
}

// Store persists results. Archive is idempotent per lobby id.
type Store interface {
	Archive(ctx context.Context, l battle.Lobby) error
	ListByPlayer(ctx context.Context, playerID string, limit int) ([]Result, error)
	Close() error
}

func normalizeQuery(playerID string, limit int) (string, int, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return "", 0, ErrInvalidInput
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return playerID, min(limit, MaxListLimit), nil
}
