package tman

import "errors"

var (
	// ErrInvalidArgument reports a bad period, phase, deadline, name, tick
	// interval or precedence relation.
	ErrInvalidArgument = errors.New("tman: invalid argument")
	// ErrNotFound reports an unknown task or predecessor name.
	ErrNotFound = errors.New("tman: task not found")
	// ErrAlreadyExists reports a duplicate task name.
	ErrAlreadyExists = errors.New("tman: task already exists")
	// ErrNoResources reports a full registry or a failed signal allocation.
	ErrNoResources = errors.New("tman: no resources")
	// ErrTickRateMismatch reports a tick interval that is not a multiple of
	// the kernel base tick.
	ErrTickRateMismatch = errors.New("tman: tick interval is not a multiple of the kernel tick")
	// ErrRegistrySealed reports a registration attempt after Start.
	ErrRegistrySealed = errors.New("tman: registry sealed after start")
	// ErrAlreadyStarted reports a second call to Start.
	ErrAlreadyStarted = errors.New("tman: already started")
	// ErrClosed reports use of a closed manager.
	ErrClosed = errors.New("tman: closed")
)
