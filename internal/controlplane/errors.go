package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrRunNotFound  = errors.New("run not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNoCredTester = errors.New("credential testing is not configured")
)
