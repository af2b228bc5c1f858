package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/procmon/internal/models"
)

// StatusChanged describes a detected change of a client's process status.
func StatusChanged(c *models.Client, oldText, newText, newHash string) Event {
	return Event{
		Type:       models.NotificationStatusChange,
		ClientID:   c.ID,
		Title:      "Status change - " + c.Name,
		Message:    fmt.Sprintf("Process %s changed status.\nBefore: %s\nNow: %s", c.ProcessRef(), oldText, newText),
		StatusHash: newHash,
	}
}

// QueryFailed describes a terminal, non-retryable failure for a client.
func QueryFailed(c *models.Client, reason string, err error) Event {
	return Event{
		Type:     models.NotificationError,
		ClientID: c.ID,
		Title:    "Query failed - " + c.Name,
		Message:  fmt.Sprintf("Process %s could not be queried (%s): %v", c.ProcessRef(), reason, err),
	}
}

// RetriesExhausted describes a client whose transient failures outlasted the
// retry budget.
func RetriesExhausted(c *models.Client, attempts int, reason string) Event {
	return Event{
		Type:     models.NotificationWarning,
		ClientID: c.ID,
		Title:    "Query gave up - " + c.Name,
		Message:  fmt.Sprintf("Process %s still failing after %d attempts (%s). It will be retried on the next run.", c.ProcessRef(), attempts, reason),
	}
}

// RunReport summarizes a finished run.
func RunReport(r *models.RunResult) Event {
	typ := models.NotificationInfo
	if r.Failed > 0 || r.Aborted {
		typ = models.NotificationWarning
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s) finished with status %s.\n", r.ID, r.Trigger, r.Status)
	fmt.Fprintf(&b, "Total: %d, succeeded: %d, failed: %d, changes: %d, attempts: %d.\n",
		r.Total, r.Succeeded, r.Failed, r.Changed, r.Attempts)
	fmt.Fprintf(&b, "Duration: %s.", r.Duration().Round(time.Second))
	if r.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", r.Error)
	}

	return Event{
		Type:    typ,
		Title:   "Run report",
		Message: b.String(),
	}
}

// RunInterrupted describes a run found unfinished at startup.
func RunInterrupted(r *models.RunResult) Event {
	return Event{
		Type:    models.NotificationWarning,
		RunID:   r.ID,
		Title:   "Run interrupted",
		Message: fmt.Sprintf("Run %s started at %s never finished; its outcome is unknown.", r.ID, r.StartedAt.Format(time.RFC3339)),
	}
}
