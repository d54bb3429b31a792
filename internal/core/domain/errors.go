package domain

import "errors"

// Caller errors returned synchronously to agents and operators. The fleet
// manager never retries on the caller's behalf.
var (
	ErrUnknownAgent           = errors.New("unknown agent")
	ErrUnknownCommand         = errors.New("unknown command")
	ErrInvalidTransition      = errors.New("invalid command transition")
	ErrInvalidCapability      = errors.New("invalid capability")
	ErrAgentHasActiveCommands = errors.New("agent has active commands")

	// ErrTerminalState marks a transition attempt against a command that
	// already reached completed/failed/timeout. The first terminal writer
	// wins; late writers see this and discard.
	ErrTerminalState = errors.New("command already in terminal state")
)
