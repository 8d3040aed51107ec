package workspace

import "errors"

// ErrNoWorkspace is returned when the tracked root does not exist.
var ErrNoWorkspace = errors.New("workspace directory not found")
