// Package notify records user-facing notifications.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/loggo"

	"github.com/fentz26/procmon/internal/metrics"
	"github.com/fentz26/procmon/internal/models"
)

var logger = loggo.GetLogger("procmon.notify")

// Store persists notifications.
type Store interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	MarkNotificationRead(ctx context.Context, id string) error
}

// Event describes a notification to emit. StatusHash is only used for
// deduplicating status changes within a run and is not persisted.
type Event struct {
	Type       models.NotificationType
	ClientID   string
	RunID      string
	Title      string
	Message    string
	StatusHash string
}

// Emitter appends notifications to the store.
type Emitter struct {
	store   Store
	metrics *metrics.Collector
}

// New creates an Emitter. m may be nil.
func New(s Store, m *metrics.Collector) *Emitter {
	return &Emitter{store: s, metrics: m}
}

// Emit appends one notification.
func (e *Emitter) Emit(ctx context.Context, ev Event) (*models.Notification, error) {
	n := &models.Notification{
		Type:     ev.Type,
		ClientID: ev.ClientID,
		RunID:    ev.RunID,
		Title:    ev.Title,
		Message:  ev.Message,
	}
	if err := e.store.SaveNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("emit %s notification: %w", ev.Type, err)
	}
	e.metrics.ObserveNotification(n.Type)
	logger.Debugf("emitted %s notification %s for client %q", n.Type, n.ID, n.ClientID)
	return n, nil
}

// MarkRead flags a notification as read.
func (e *Emitter) MarkRead(ctx context.Context, id string) error {
	return e.store.MarkNotificationRead(ctx, id)
}

// ForRun returns an emitter scoped to one run.
func (e *Emitter) ForRun(runID string) *RunEmitter {
	return &RunEmitter{
		parent: e,
		runID:  runID,
		seen:   make(map[changeKey]struct{}),
	}
}

type changeKey struct {
	clientID string
	hash     string
}

// RunEmitter stamps events with a run ID and emits at most one
// status_change per (client, status hash) within the run.
type RunEmitter struct {
	parent *Emitter
	runID  string

	mu   sync.Mutex
	seen map[changeKey]struct{}
}

// RunID returns the run this emitter is scoped to.
func (r *RunEmitter) RunID() string {
	return r.runID
}

// Emit appends ev unless it duplicates a status change already emitted in
// this run, in which case it returns nil, nil.
func (r *RunEmitter) Emit(ctx context.Context, ev Event) (*models.Notification, error) {
	ev.RunID = r.runID
	if ev.Type != models.NotificationStatusChange {
		return r.parent.Emit(ctx, ev)
	}

	key := changeKey{clientID: ev.ClientID, hash: ev.StatusHash}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		logger.Debugf("suppressing duplicate status change for client %s in run %s", ev.ClientID, r.runID)
		return nil, nil
	}
	n, err := r.parent.Emit(ctx, ev)
	if err != nil {
		return nil, err
	}
	r.seen[key] = struct{}{}
	return n, nil
}
