package repositories

import "errors"

// ErrNotFound is returned when the requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a record with the same unique key already exists
var ErrConflict = errors.New("already exists")
