package lobby

import "arena/cmd/internal/fault"

var (
	ErrInvalidInput    = fault.New(fault.InvalidArgument, "lobby", "invalid input")
	ErrNotFound        = fault.New(fault.NotFound, "lobby", "lobby not found")
	ErrParticipant     = fault.New(fault.NotFound, "lobby", "player is not in this lobby")
	ErrUnknownAction   = fault.New(fault.NotFound, "lobby", "action not available to this combatant")
	ErrInviteNotReady  = fault.New(fault.IllegalState, "lobby", "invite is not ready")
	ErrNotReady        = fault.New(fault.IllegalState, "lobby", "lobby is not ready to start")
	ErrNotFighting     = fault.New(fault.IllegalState, "lobby", "battle is not in progress")
	ErrFinished        = fault.New(fault.IllegalState, "lobby", "battle already finished")
	ErrFainted         = fault.New(fault.IllegalState, "lobby", "combatant has fainted")
	ErrNotYourTurn     = fault.New(fault.TurnViolation, "lobby", "not your turn")
	ErrActionExhausted = fault.New(fault.ResourceExhausted, "lobby", "no uses left for this action")
	ErrNotAParticipant = fault.New(fault.Forbidden, "lobby", "only participants may do this")
	ErrAlreadyExists   = fault.New(fault.Conflict, "lobby", "lobby already exists for this invite")
	ErrManagerClosed   = fault.New(fault.Internal, "lobby", "lobby manager closed")
	errOutsideWrite    = fault.New(fault.Internal, "lobby", "lobby record changed outside its actor")
)
