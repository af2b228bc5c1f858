// Package controlplane provides the HTTP API and service layer for procmon.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/procmon/internal/audit"
	"github.com/fentz26/procmon/internal/config"
	"github.com/fentz26/procmon/internal/connectors"
	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/notify"
	"github.com/fentz26/procmon/internal/store"
)

// Coordinator is the run lifecycle the API drives.
type Coordinator interface {
	Trigger(ctx context.Context, trigger models.RunTrigger, clientIDs ...string) (string, error)
	Cancel() error
	Status() coordinator.Status
	Reschedule()
}

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	pdr     *audit.Writer
	coord   Coordinator
	emitter *notify.Emitter
	tester  connectors.CredentialTester
}

// NewService creates a new control plane service. tester may be nil.
func NewService(s *store.Store, pdr *audit.Writer, coord Coordinator, e *notify.Emitter, tester connectors.CredentialTester) *Service {
	return &Service{
		store:   s,
		pdr:     pdr,
		coord:   coord,
		emitter: e,
		tester:  tester,
	}
}

// --- Runs ---

// ManualQuery starts a manual run, optionally limited to clientIDs.
func (s *Service) ManualQuery(ctx context.Context, clientIDs []string) (string, error) {
	return s.coord.Trigger(ctx, models.TriggerManual, clientIDs...)
}

// CancelRun cancels the active run.
func (s *Service) CancelRun() error {
	return s.coord.Cancel()
}

// ListRuns returns the run log, newest first.
func (s *Service) ListRuns(ctx context.Context, f store.RunFilter) ([]models.RunResult, error) {
	return s.store.ListRuns(ctx, f)
}

// RunDetail is a run with its per-client outcomes.
type RunDetail struct {
	Run      *models.RunResult      `json:"run"`
	Outcomes []models.ClientOutcome `json:"outcomes"`
}

// GetRun returns a run and its outcomes.
func (s *Service) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	outcomes, err := s.store.ListClientOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	if outcomes == nil {
		outcomes = []models.ClientOutcome{}
	}
	return &RunDetail{Run: run, Outcomes: outcomes}, nil
}

// RecentUpdates is the dashboard summary.
type RecentUpdates struct {
	Runs    []models.RunResult    `json:"runs"`
	Changes []models.Notification `json:"changes"`
}

// RecentUpdates returns the latest runs and status changes.
func (s *Service) RecentUpdates(ctx context.Context, limit int) (*RecentUpdates, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	changes, err := s.store.ListNotifications(ctx, store.NotificationFilter{Type: models.NotificationStatusChange, Limit: limit})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []models.RunResult{}
	}
	if changes == nil {
		changes = []models.Notification{}
	}
	return &RecentUpdates{Runs: runs, Changes: changes}, nil
}

// --- Scheduler ---

// SchedulerStatus returns the coordinator state.
func (s *Service) SchedulerStatus() coordinator.Status {
	return s.coord.Status()
}

// GetSettings returns the stored monitoring settings.
func (s *Service) GetSettings(ctx context.Context) (models.Settings, error) {
	return s.store.GetSettings(ctx)
}

// UpdateSettings validates and stores settings, then reschedules the daily
// run.
func (s *Service) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	if err := config.ValidateSettings(settings); err != nil {
		return models.Settings{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return models.Settings{}, err
	}
	s.pdr.Record(ctx, "settings.update", settings, "success", "", "")
	s.coord.Reschedule()
	return settings, nil
}

// UpdateQueryTime changes only the daily query time.
func (s *Service) UpdateQueryTime(ctx context.Context, hhmm string) (models.Settings, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	settings.QueryTime = hhmm
	return s.UpdateSettings(ctx, settings)
}

// --- Notifications ---

// ListNotifications returns notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, store.NotificationFilter{UnreadOnly: unreadOnly, Limit: limit})
}

// MarkNotificationRead flags a notification as read.
func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	if err := s.emitter.MarkRead(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// --- Clients and credentials ---

// ListClients returns all clients.
func (s *Service) ListClients(ctx context.Context) ([]models.Client, error) {
	return s.store.ListClients(ctx)
}

// ListCredentials returns all credentials. Tokens are never serialized.
func (s *Service) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	return s.store.ListCredentials(ctx)
}

// CredentialTestResult reports a credential probe.
type CredentialTestResult struct {
	Credential *models.Credential `json:"credential"`
	Valid      bool               `json:"valid"`
	Reason     string             `json:"reason,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// TestCredential probes a credential against the remote API and returns its
// updated state.
func (s *Service) TestCredential(ctx context.Context, id string) (*CredentialTestResult, error) {
	if s.tester == nil {
		return nil, ErrNoCredTester
	}
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotFound
	}

	res := &CredentialTestResult{Valid: true}
	if testErr := s.tester.TestCredential(ctx, cred); testErr != nil {
		res.Valid = false
		res.Reason = string(connectors.ReasonOf(testErr))
		res.Error = testErr.Error()
	}

	updated, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Credential = updated
	return res, nil
}

// Health checks database connectivity.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
