package tasktree

import "errors"

// Sentinel errors for tree operations.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrDuplicateID        = errors.New("duplicate task id")
	ErrRootExists         = errors.New("tree already has a root")
	ErrParentTerminal     = errors.New("parent task is terminal")
	ErrTerminalState      = errors.New("task already in a terminal state")
	ErrBackwardTransition = errors.New("state transitions only move forward")
)
