// Package v1 is the push-channel wire contract: the envelope every frame travels in, the
// event types in both directions, and their payloads.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version     = 1
	Subprotocol = "arena.battle.v1"
)

// Client → server.
const (
	TypeJoinLobby      = "join-lobby"
	TypeReconnectLobby = "reconnect-lobby"
	TypeStartBattle    = "start-battle"
	TypeChooseAction   = "choose-action"
	TypeSubmitTurn     = "submit-turn"
	TypeForfeit        = "forfeit"
	TypeGetLobbyStatus = "get-lobby-status"
	TypeKeepAlive      = "keep-alive"
)

// Server → client.
const (
	TypeMemberJoined         = "member-joined"
	TypeLobbyReconnected     = "lobby-reconnected"
	TypeBattleStarted        = "battle-started"
	TypeOpponentActionChosen = "opponent-action-chosen"
	TypeActionConfirmed      = "action-confirmed"
	TypeTurnResolved         = "turn-resolved"
	TypeBattleFinished       = "battle-finished"
	TypeMemberDisconnected   = "member-disconnected"
	TypeLobbyStatus          = "lobby-status"
	TypeKeepAliveResponse    = "keep-alive-response"
	TypeError                = "error"
)

// ClientTypes are the event types a client may send.
var ClientTypes = map[string]struct{}{
	TypeJoinLobby:      {},
	TypeReconnectLobby: {},
	TypeStartBattle:    {},
	TypeChooseAction:   {},
	TypeSubmitTurn:     {},
	TypeForfeit:        {},
	TypeGetLobbyStatus: {},
	TypeKeepAlive:      {},
}

// Envelope wraps every frame in either direction.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound client envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

type JoinLobbyPayload struct {
	LobbyID    string `json:"lobby_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
	PlayerID   string `json:"player_id"`
}

type ReconnectLobbyPayload struct {
	LobbyID  string `json:"lobby_id"`
	PlayerID string `json:"player_id"`
}

type StartBattlePayload struct{}

type ChooseActionPayload struct {
	ActionID string `json:"action_id"`
}

type SubmitTurnPayload struct {
	ActionID string `json:"action_id"`
}

type ForfeitPayload struct{}

type GetLobbyStatusPayload struct{}

type KeepAlivePayload struct {
	Nonce string `json:"nonce,omitempty"`
}

type KeepAliveResponsePayload struct {
	Nonce    string    `json:"nonce,omitempty"`
	ServerTS time.Time `json:"server_ts"`
}

type MemberJoinedPayload struct {
	LobbyID  string        `json:"lobby_id"`
	PlayerID string        `json:"player_id"`
	Online   []string      `json:"online"`
	Lobby    LobbySnapshot `json:"lobby"`
}

type LobbyReconnectedPayload struct {
	PlayerID string        `json:"player_id"`
	Lobby    LobbySnapshot `json:"lobby"`
}

type MemberDisconnectedPayload struct {
	LobbyID  string   `json:"lobby_id"`
	PlayerID string   `json:"player_id"`
	Online   []string `json:"online"`
}

type BattleStartedPayload struct {
	Lobby LobbySnapshot `json:"lobby"`
}

type OpponentActionChosenPayload struct {
	LobbyID    string `json:"lobby_id"`
	PlayerID   string `json:"player_id"`
	ActionID   string `json:"action_id"`
	ActionName string `json:"action_name"`
}

type ActionConfirmedPayload struct {
	LobbyID    string `json:"lobby_id"`
	ActionID   string `json:"action_id"`
	ActionName string `json:"action_name"`
}

type TurnResolvedPayload struct {
	LobbyID  string        `json:"lobby_id"`
	Turn     TurnView      `json:"turn"`
	NextTurn string        `json:"next_turn,omitempty"`
	Lobby    LobbySnapshot `json:"lobby"`
}

type BattleFinishedPayload struct {
	LobbyID   string        `json:"lobby_id"`
	Winner    string        `json:"winner,omitempty"`
	Reason    string        `json:"reason"`
	Forfeited bool          `json:"forfeited"`
	Turn      *TurnView     `json:"turn,omitempty"`
	Lobby     LobbySnapshot `json:"lobby"`
}

type LobbyStatusPayload struct {
	Lobby  LobbySnapshot `json:"lobby"`
	Online []string      `json:"online"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
