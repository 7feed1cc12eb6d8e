package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a compare-and-swap write lost against a concurrent
// update; the caller re-reads and retries its step.
var ErrConflict = errors.New("repository: version conflict")

// ErrDuplicate indicates a uniqueness constraint was violated.
var ErrDuplicate = errors.New("repository: already exists")
