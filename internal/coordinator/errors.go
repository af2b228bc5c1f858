package coordinator

import "errors"

var (
	// ErrBusy is returned by Trigger while a run is in progress. Triggers are
	// rejected, not queued.
	ErrBusy = errors.New("a run is already in progress")

	// ErrNotRunning is returned by Cancel when no run is active.
	ErrNotRunning = errors.New("no run in progress")
)
