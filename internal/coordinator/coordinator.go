// Package coordinator owns the run lifecycle: it starts runs on schedule or on
// demand, guarantees at most one run at a time and records every run's result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/fentz26/procmon/internal/metrics"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/notify"
	"github.com/fentz26/procmon/internal/scheduler"
)

var logger = loggo.GetLogger("procmon.coordinator")

// settingsRetryInterval is how long the daily loop waits after failing to
// read settings.
const settingsRetryInterval = time.Minute

// Store is the persistence the coordinator needs.
type Store interface {
	ListActiveClients(ctx context.Context) ([]models.Client, error)
	GetSettings(ctx context.Context) (models.Settings, error)
	CreateRun(ctx context.Context, r *models.RunResult) error
	FinishRun(ctx context.Context, r *models.RunResult) error
	ListUnfinishedRuns(ctx context.Context) ([]models.RunResult, error)
}

// Runner executes the per-client work of a run.
type Runner interface {
	RunBatch(ctx context.Context, runID string, clients []models.Client) (*scheduler.Summary, error)
	SetConfig(cfg *scheduler.Config)
	Stats() map[string]interface{}
}

// Auditor records run lifecycle decisions.
type Auditor interface {
	Record(ctx context.Context, action string, inputs interface{}, outcome, runID, details string) (*models.DecisionRecord, error)
}

// State is the coordinator state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is a point-in-time view of the coordinator.
type Status struct {
	State        State                  `json:"state"`
	CurrentRun   *models.RunResult      `json:"current_run,omitempty"`
	LastRun      *models.RunResult      `json:"last_run,omitempty"`
	NextRun      *time.Time             `json:"next_run,omitempty"`
	DailyQueries bool                   `json:"daily_queries"`
	QueryTime    string                 `json:"query_time"`
	Location     string                 `json:"location"`
	Scheduler    map[string]interface{} `json:"scheduler"`
}

// Config configures a Coordinator.
type Config struct {
	// Location is the time zone query_time is interpreted in.
	Location *time.Location
	// Scheduler is the base scheduler config; stored settings override the
	// user-tunable fields on every run.
	Scheduler *scheduler.Config
	Clock     clock.Clock
	Metrics   *metrics.Collector
	Audit     Auditor
}

// Coordinator serializes runs.
type Coordinator struct {
	store   Store
	runner  Runner
	emitter *notify.Emitter
	audit   Auditor
	metrics *metrics.Collector
	clock   clock.Clock
	loc     *time.Location
	base    *scheduler.Config

	root     context.Context
	stopRoot context.CancelFunc
	wg       sync.WaitGroup
	wake     chan struct{}

	mu        sync.Mutex
	state     State
	current   *models.RunResult
	cancelRun context.CancelFunc
	lastRun   *models.RunResult
	nextRun   *time.Time
	settings  models.Settings
}

// New creates a Coordinator in the Idle state.
func New(s Store, r Runner, e *notify.Emitter, cfg Config) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	root, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:    s,
		runner:   r,
		emitter:  e,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		loc:      cfg.Location,
		base:     cfg.Scheduler,
		root:     root,
		stopRoot: stop,
		wake:     make(chan struct{}, 1),
		state:    StateIdle,
		settings: models.DefaultSettings(),
	}
}

// Trigger starts a run and returns its id without waiting for it to finish.
// When clientIDs is non-empty only those active clients are queried.
func (c *Coordinator) Trigger(ctx context.Context, trigger models.RunTrigger, clientIDs ...string) (string, error) {
	c.mu.Lock()
	if c.state == StateRunning {
		busy := c.current.ID
		c.mu.Unlock()
		logger.Infof("%s trigger rejected, run %s in progress", trigger, busy)
		c.record(ctx, "run.trigger", map[string]interface{}{"trigger": trigger, "client_ids": clientIDs}, "rejected_busy", busy, "")
		return "", ErrBusy
	}

	id, err := uuid.NewV7()
	if err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("generate run id: %w", err)
	}
	run := &models.RunResult{
		ID:        id.String(),
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: c.clock.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(c.root)
	c.state = StateRunning
	c.current = run
	c.cancelRun = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.store.CreateRun(ctx, run); err != nil {
		cancel()
		c.mu.Lock()
		c.state = StateIdle
		c.current = nil
		c.cancelRun = nil
		c.mu.Unlock()
		c.wg.Done()
		return "", fmt.Errorf("record run: %w", err)
	}

	logger.Infof("run %s started (%s)", run.ID, trigger)
	c.record(ctx, "run.trigger", map[string]interface{}{"trigger": trigger, "client_ids": clientIDs}, "accepted", run.ID, "")

	go c.execute(runCtx, cancel, run, clientIDs)
	return run.ID, nil
}

// execute runs to completion and always records the result, including
// when the run panics.
func (c *Coordinator) execute(ctx context.Context, cancel context.CancelFunc, run *models.RunResult, clientIDs []string) {
	defer c.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.abort(run, fmt.Errorf("panic: %v", r))
		}
		c.finish(run)
	}()

	c.runOnce(ctx, run, clientIDs)
}

func (c *Coordinator) runOnce(ctx context.Context, run *models.RunResult, clientIDs []string) {
	// A cancel during setup must not surface as a storage failure; the
	// runner sees the cancelled ctx and skips every client.
	rctx := context.WithoutCancel(ctx)

	settings, err := c.store.GetSettings(rctx)
	if err != nil {
		c.abort(run, fmt.Errorf("load settings: %w", err))
		return
	}
	c.runner.SetConfig(c.base.WithSettings(settings))

	clients, err := c.store.ListActiveClients(rctx)
	if err != nil {
		c.abort(run, fmt.Errorf("list clients: %w", err))
		return
	}
	clients = selectClients(clients, clientIDs)

	c.mu.Lock()
	run.Total = len(clients)
	c.mu.Unlock()

	summary, err := c.runner.RunBatch(ctx, run.ID, clients)

	c.mu.Lock()
	defer c.mu.Unlock()
	if summary != nil {
		run.Succeeded = summary.Succeeded
		run.Failed = summary.Failed
		run.Changed = summary.Changed
		run.Attempts = summary.Attempts
	}
	switch {
	case err != nil:
		run.Status = models.RunAborted
		run.Aborted = true
		run.Error = err.Error()
	case ctx.Err() != nil:
		run.Status = models.RunCancelled
	default:
		run.Status = models.RunCompleted
	}
}

func (c *Coordinator) abort(run *models.RunResult, err error) {
	logger.Errorf("run %s aborted: %v", run.ID, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	run.Status = models.RunAborted
	run.Aborted = true
	run.Error = err.Error()
}

// finish persists the terminal run, emits its report and returns to Idle.
func (c *Coordinator) finish(run *models.RunResult) {
	ctx := context.Background()

	c.mu.Lock()
	now := c.clock.Now().UTC()
	run.FinishedAt = &now
	final := *run
	c.mu.Unlock()

	if err := c.store.FinishRun(ctx, &final); err != nil {
		logger.Errorf("record result of run %s: %v", final.ID, err)
	}
	if _, err := c.emitter.ForRun(final.ID).Emit(ctx, notify.RunReport(&final)); err != nil {
		logger.Errorf("emit report for run %s: %v", final.ID, err)
	}
	c.metrics.ObserveRun(&final)
	c.record(ctx, "run.finish", map[string]interface{}{"run_id": final.ID, "status": final.Status}, string(final.Status), final.ID, final.Error)

	logger.Infof("run %s %s: %d/%d succeeded, %d failed, %d changed in %s",
		final.ID, final.Status, final.Succeeded, final.Total, final.Failed, final.Changed, final.Duration())

	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.cancelRun = nil
	c.lastRun = &final
	c.mu.Unlock()
}

// Cancel cooperatively cancels the active run.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning || c.cancelRun == nil {
		return ErrNotRunning
	}
	logger.Infof("cancelling run %s", c.current.ID)
	c.cancelRun()
	return nil
}

// Recover marks runs left unfinished by a previous process as unknown and
// emits one warning per run. It never resumes them. Call it before Run.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	runs, err := c.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}

	c.mu.Lock()
	activeID := ""
	if c.current != nil {
		activeID = c.current.ID
	}
	c.mu.Unlock()

	recovered := 0
	for i := range runs {
		run := runs[i]
		if run.ID == activeID {
			continue
		}
		now := c.clock.Now().UTC()
		run.Status = models.RunUnknown
		run.Aborted = true
		run.FinishedAt = &now
		run.Error = "process stopped before the run finished"
		if err := c.store.FinishRun(ctx, &run); err != nil {
			return recovered, fmt.Errorf("mark run %s unknown: %w", run.ID, err)
		}
		if _, err := c.emitter.ForRun(run.ID).Emit(ctx, notify.RunInterrupted(&run)); err != nil {
			return recovered, err
		}
		c.record(ctx, "run.recover", map[string]string{"run_id": run.ID}, string(models.RunUnknown), run.ID, "")
		logger.Warningf("run %s (started %s) was interrupted; marked unknown", run.ID, run.StartedAt.Format(time.RFC3339))
		recovered++
	}
	return recovered, nil
}

// Run drives the daily schedule until ctx is done. It waits for an active
// run to finish before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Wait()

	for {
		settings, err := c.store.GetSettings(ctx)
		if err != nil {
			logger.Errorf("load settings: %v", err)
			if !c.sleep(ctx, settingsRetryInterval) {
				return nil
			}
			continue
		}

		now := c.clock.Now()
		next, err := NextRun(now, settings.QueryTime, c.loc)
		if err != nil {
			logger.Errorf("%v", err)
			if !c.sleep(ctx, settingsRetryInterval) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		c.settings = settings
		c.nextRun = &next
		c.mu.Unlock()
		logger.Debugf("next scheduled run at %s (daily queries %v)", next.Format(time.RFC3339), settings.DailyQueries)

		select {
		case <-ctx.Done():
			c.stopRoot()
			return nil
		case <-c.wake:
			continue
		case <-c.clock.After(next.Sub(now)):
		}

		if !settings.DailyQueries {
			logger.Debugf("daily queries disabled, skipping scheduled run")
			continue
		}
		if _, err := c.Trigger(ctx, models.TriggerSchedule); err != nil {
			if errors.Is(err, ErrBusy) {
				logger.Warningf("scheduled run skipped: %v", err)
			} else {
				logger.Errorf("scheduled run failed to start: %v", err)
			}
		}
	}
}

// sleep waits for d, a wake-up or ctx. It returns false when ctx is done.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		c.stopRoot()
		return false
	case <-c.wake:
	case <-c.clock.After(d):
	}
	return true
}

// Reschedule makes the daily loop re-read settings, e.g. after the query
// time changed.
func (c *Coordinator) Reschedule() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the active run, if any, has been recorded.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels any active run and waits for it to be recorded.
func (c *Coordinator) Shutdown() {
	c.stopRoot()
	c.wg.Wait()
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:        c.state,
		DailyQueries: c.settings.DailyQueries,
		QueryTime:    c.settings.QueryTime,
		Location:     c.loc.String(),
		Scheduler:    c.runner.Stats(),
	}
	if c.current != nil {
		cur := *c.current
		st.CurrentRun = &cur
	}
	if c.lastRun != nil {
		last := *c.lastRun
		st.LastRun = &last
	}
	if c.nextRun != nil {
		next := *c.nextRun
		st.NextRun = &next
	}
	return st
}

func (c *Coordinator) record(ctx context.Context, action string, inputs interface{}, outcome, runID, details string) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Record(context.WithoutCancel(ctx), action, inputs, outcome, runID, details); err != nil {
		logger.Warningf("audit %s: %v", action, err)
	}
}

func selectClients(clients []models.Client, ids []string) []models.Client {
	if len(ids) == 0 {
		return clients
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]models.Client, 0, len(ids))
	for _, c := range clients {
		if want[c.ID] {
			out = append(out, c)
			delete(want, c.ID)
		}
	}
	for id := range want {
		logger.Warningf("client %s is unknown or inactive, not queried", id)
	}
	return out
}
