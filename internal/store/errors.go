package store

import "errors"

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateProcess indicates a client with the same process number and year exists.
	ErrDuplicateProcess = errors.New("a client for this process already exists")
)
