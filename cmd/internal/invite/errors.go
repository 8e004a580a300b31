package invite

import "arena/cmd/internal/fault"

var (
	ErrInvalidInput = fault.New(fault.InvalidArgument, "invite", "invalid input")
	ErrNotFound     = fault.New(fault.NotFound, "invite", "invite not found")
	ErrExpired      = fault.New(fault.Expired, "invite", "invite expired")
	ErrCancelled    = fault.New(fault.Cancelled, "invite", "invite cancelled")
	ErrTaken        = fault.New(fault.Conflict, "invite", "invite already has a guest")
	ErrSelfJoin     = fault.New(fault.Forbidden, "invite", "host cannot join their own invite")
	ErrNotHost      = fault.New(fault.Forbidden, "invite", "only the host can cancel the invite")
	ErrNotWaiting   = fault.New(fault.IllegalState, "invite", "invite is no longer waiting")
)
