package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a compare-and-swap lost against a concurrent write.
var ErrConflict = errors.New("repository: stale write")

// ErrInvalidArgument indicates data rejected by the store.
var ErrInvalidArgument = errors.New("repository: invalid argument")
