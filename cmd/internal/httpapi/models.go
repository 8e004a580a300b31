package httpapi

import (
	"time"

	"arena/cmd/internal/archive"
	"arena/cmd/internal/battle"
	"arena/cmd/internal/invite"
	"arena/cmd/internal/lobby"
	v1 "arena/shared/contracts/battle/v1"
)

type createInviteRequest struct {
	PlayerID    string `json:"player_id"`
	CombatantID string `json:"combatant_id"`
}

type cancelInviteRequest struct {
	RequesterID string `json:"requester_id"`
}

type joinRequest struct {
	InviteCode  string `json:"invite_code"`
	PlayerID    string `json:"player_id"`
	CombatantID string `json:"combatant_id"`
}

type startRequest struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id,omitempty"`
}

type turnRequest struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id"`
	ActionID string `json:"action_id"`
}

type forfeitRequest struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id"`
}

type entryResponse struct {
	PlayerID    string    `json:"player_id"`
	CombatantID string    `json:"combatant_id"`
	JoinedAt    time.Time `json:"joined_at"`
}

type inviteResponse struct {
	Code       string         `json:"code"`
	Link       string         `json:"link"`
	Status     string         `json:"status"`
	Host       entryResponse  `json:"host"`
	Guest      *entryResponse `json:"guest,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	MaxPlayers int            `json:"max_players"`
}

type invitesResponse struct {
	Invites []inviteResponse `json:"invites"`
}

type lobbyResponse struct {
	Lobby v1.LobbySnapshot `json:"lobby"`
}

type lobbiesResponse struct {
	Lobbies []v1.LobbySummary `json:"lobbies"`
}

type combatantsResponse struct {
	Combatants []v1.CombatantView `json:"combatants"`
}

type combatantResponse struct {
	Combatant v1.CombatantView `json:"combatant"`
}

type actionsResponse struct {
	Actions []v1.ActionView `json:"actions"`
}

type statsResponse struct {
	Invites     invite.Stats `json:"invites"`
	Lobbies     lobby.Stats  `json:"lobbies"`
	Connections int          `json:"connections"`
}

type historyResponse struct {
	PlayerID string           `json:"player_id"`
	Results  []archive.Result `json:"results"`
}

func toEntryResponse(e battle.Entry) entryResponse {
	return entryResponse{PlayerID: e.PlayerID, CombatantID: e.CombatantID, JoinedAt: e.JoinedAt}
}

func (h *Handler) toInviteResponse(inv battle.Invite) inviteResponse {
	out := inviteResponse{
		Code:       inv.Code,
		Link:       h.inviteLink(inv.Code),
		Status:     string(inv.Status),
		Host:       toEntryResponse(inv.Host),
		CreatedAt:  inv.CreatedAt,
		ExpiresAt:  inv.ExpiresAt,
		MaxPlayers: inv.MaxPlayers,
	}
	if inv.Guest != nil {
		g := toEntryResponse(*inv.Guest)
		out.Guest = &g
	}
	return out
}
