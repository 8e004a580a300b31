package battle

import "time"

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	InviteWaiting   InviteStatus = "waiting"
	InviteReady     InviteStatus = "ready"
	InviteExpired   InviteStatus = "expired"
	InviteCancelled InviteStatus = "cancelled"
)

// MaxPlayers is the fixed participant count of an invite and of the lobby it becomes.
const MaxPlayers = 2

// Entry is one seat on an invite.
type Entry struct {
	PlayerID    string    `json:"player_id"`
	CombatantID string    `json:"combatant_id"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Invite pairs a host with a guest that has not shown up yet.
type Invite struct {
	ID         string       `json:"id"`
	Code       string       `json:"code"`
	Host       Entry        `json:"host"`
	Guest      *Entry       `json:"guest,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Status     InviteStatus `json:"status"`
	MaxPlayers int          `json:"max_players"`
}

// Clone returns a copy that shares no memory with i.
func (i Invite) Clone() Invite {
	if i.Guest != nil {
		g := *i.Guest
		i.Guest = &g
	}
	return i
}

// PastExpiry reports whether the expiry window has elapsed at now.
func (i Invite) PastExpiry(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Joinable reports whether a guest may still claim the invite at now.
func (i Invite) Joinable(now time.Time) bool {
	return i.Status == InviteWaiting && i.Guest == nil && !i.PastExpiry(now)
}
