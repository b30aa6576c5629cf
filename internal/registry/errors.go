package registry

import "errors"

// ErrInvalidTransition indicates a phase transition was attempted from a
// state that does not permit it (e.g. StartRunning on a lease not PENDING).
var ErrInvalidTransition = errors.New("registry: invalid phase transition")
