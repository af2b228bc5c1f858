package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"github.com/fentz26/procmon/internal/audit"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/notify"
	"github.com/fentz26/procmon/internal/scheduler"
	"github.com/fentz26/procmon/internal/store"
)

// fakeRunner reports every client as succeeded. When release is set it
// blocks until release is closed or the run is cancelled.
type fakeRunner struct {
	mu       sync.Mutex
	release  chan struct{}
	panicMsg string
	calls    int
	clients  []models.Client
	cfg      *scheduler.Config
}

func (f *fakeRunner) RunBatch(ctx context.Context, runID string, clients []models.Client) (*scheduler.Summary, error) {
	f.mu.Lock()
	f.calls++
	f.clients = clients
	release := f.release
	panicMsg := f.panicMsg
	f.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return &scheduler.Summary{Total: len(clients), Skipped: len(clients)}, nil
		}
	}
	return &scheduler.Summary{Total: len(clients), Succeeded: len(clients), Attempts: len(clients)}, nil
}

func (f *fakeRunner) SetConfig(cfg *scheduler.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

func (f *fakeRunner) Stats() map[string]interface{} {
	return map[string]interface{}{"in_flight": 0}
}

func newTestCoordinator(t *testing.T, st Store, s *store.Store, r Runner, opts ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{Location: time.UTC, Audit: audit.NewWriter(s)}
	for _, o := range opts {
		o(&cfg)
	}
	return New(st, r, notify.New(s, nil), cfg)
}

func seed(t *testing.T, s *store.Store, numbers ...string) []models.Client {
	t.Helper()
	var out []models.Client
	for _, n := range numbers {
		c, err := s.CreateClient(context.Background(), &models.Client{Name: n, ProcessNumber: n, ProcessYear: 2023, Active: true})
		if err != nil {
			t.Fatalf("CreateClient failed: %v", err)
		}
		out = append(out, *c)
	}
	return out
}

func TestTriggerRecordsRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	seed(t, s, "a", "b")

	runner := &fakeRunner{}
	c := newTestCoordinator(t, s, s, runner)
	defer c.Shutdown()

	runID, err := c.Trigger(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if runID == "" {
		t.Fatal("Expected a run id")
	}
	c.Wait()

	run, err := s.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("GetRun = %v, %v", run, err)
	}
	if run.Status != models.RunCompleted || !run.Finished() {
		t.Errorf("Expected completed run, got %+v", run)
	}
	if run.Total != 2 || run.Succeeded != 2 || run.Trigger != models.TriggerManual {
		t.Errorf("Unexpected counters %+v", run)
	}

	notes, _ := s.ListRunNotifications(ctx, runID)
	if len(notes) != 1 || notes[0].Type != models.NotificationInfo || notes[0].Title != "Run report" {
		t.Errorf("Expected one info run report, got %+v", notes)
	}

	if runner.cfg == nil || runner.cfg.BatchSize != models.DefaultSettings().BatchSize {
		t.Errorf("Expected settings to be applied to the runner, got %+v", runner.cfg)
	}

	decisions, _ := s.ListDecisions(ctx, 10)
	if len(decisions) < 2 {
		t.Errorf("Expected trigger and finish decisions, got %d", len(decisions))
	}
}

func TestTriggerWhileRunningIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	seed(t, s, "a")

	release := make(chan struct{})
	runner := &fakeRunner{release: release}
	c := newTestCoordinator(t, s, s, runner)
	defer c.Shutdown()

	first, err := c.Trigger(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if st := c.Status(); st.State != StateRunning || st.CurrentRun == nil || st.CurrentRun.ID != first {
		t.Errorf("Expected running status for %s, got %+v", first, st)
	}

	if _, err := c.Trigger(ctx, models.TriggerSchedule); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(release)
	c.Wait()

	st := c.Status()
	if st.State != StateIdle || st.LastRun == nil || st.LastRun.ID != first {
		t.Errorf("Expected idle with last run %s, got %+v", first, st)
	}

	runs, _ := s.ListRuns(ctx, store.RunFilter{})
	if len(runs) != 1 {
		t.Errorf("Rejected trigger must not create a run, got %d runs", len(runs))
	}

	runner.mu.Lock()
	runner.release = nil
	runner.mu.Unlock()
	if _, err := c.Trigger(ctx, models.TriggerManual); err != nil {
		t.Errorf("Expected trigger after idle to succeed, got %v", err)
	}
	c.Wait()
}

func TestCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	seed(t, s, "a")

	c := newTestCoordinator(t, s, s, &fakeRunner{release: make(chan struct{})})
	defer c.Shutdown()

	if err := c.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	runID, err := c.Trigger(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	c.Wait()

	run, _ := s.GetRun(ctx, runID)
	if run.Status != models.RunCancelled || !run.Finished() {
		t.Errorf("Expected cancelled run, got %+v", run)
	}
}

// slowSettingsStore holds GetSettings until gate is closed, failing early if
// its ctx is cancelled the way a database driver would.
type slowSettingsStore struct {
	*store.Store
	entered chan struct{}
	gate    chan struct{}
}

func (s *slowSettingsStore) GetSettings(ctx context.Context) (models.Settings, error) {
	s.entered <- struct{}{}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return models.Settings{}, fmt.Errorf("query settings: %w", ctx.Err())
	}
	return s.Store.GetSettings(ctx)
}

func TestCancelDuringSetupIsNotAnAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	seed(t, s, "a", "b")

	slow := &slowSettingsStore{Store: s, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	runner := &fakeRunner{release: make(chan struct{})}
	c := newTestCoordinator(t, slow, s, runner)
	defer c.Shutdown()

	runID, err := c.Trigger(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never read settings")
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(slow.gate)
	c.Wait()

	run, _ := s.GetRun(ctx, runID)
	if run.Status != models.RunCancelled || run.Aborted || run.Error != "" {
		t.Errorf("Expected cancelled run without abort, got %+v", run)
	}
}

func TestPanicRecordsAbortedRun(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	seed(t, s, "a")

	c := newTestCoordinator(t, s, s, &fakeRunner{panicMsg: "boom"})
	defer c.Shutdown()

	runID, err := c.Trigger(ctx, models.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	c.Wait()

	run, _ := s.GetRun(ctx, runID)
	if run.Status != models.RunAborted || !run.Aborted || !run.Finished() {
		t.Errorf("Expected aborted run, got %+v", run)
	}
	if !strings.Contains(run.Error, "boom") {
		t.Errorf("Expected panic message in error, got %q", run.Error)
	}
	if c.Status().State != StateIdle {
		t.Error("Expected coordinator to return to idle after a panic")
	}

	notes, _ := s.ListRunNotifications(ctx, runID)
	if len(notes) != 1 || notes[0].Type != models.NotificationWarning {
		t.Errorf("Expected warning run report, got %+v", notes)
	}
}

type brokenListStore struct {
	*store.Store
}

func (b *brokenListStore) ListActiveClients(context.Context) ([]models.Client, error) {
	return nil, errors.New("database is locked")
}

func TestListClientsFailureAbortsRun(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	runner := &fakeRunner{}
	c := newTestCoordinator(t, &brokenListStore{s}, s, runner)
	defer c.Shutdown()

	runID, err := c.Trigger(ctx, models.TriggerSchedule)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	c.Wait()

	run, _ := s.GetRun(ctx, runID)
	if run.Status != models.RunAborted || !run.Finished() {
		t.Errorf("Expected aborted run, got %+v", run)
	}
	if !strings.Contains(run.Error, "list clients") {
		t.Errorf("Unexpected error %q", run.Error)
	}
	if runner.calls != 0 {
		t.Error("Runner should not be called when clients cannot be listed")
	}
}

func TestTriggerSubset(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	clients := seed(t, s, "a", "b", "c")

	runner := &fakeRunner{}
	c := newTestCoordinator(t, s, s, runner)
	defer c.Shutdown()

	runID, err := c.Trigger(ctx, models.TriggerManual, clients[0].ID, clients[2].ID, "unknown")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	c.Wait()

	if len(runner.clients) != 2 {
		t.Fatalf("Expected 2 selected clients, got %d", len(runner.clients))
	}
	run, _ := s.GetRun(ctx, runID)
	if run.Total != 2 {
		t.Errorf("Expected total 2, got %d", run.Total)
	}
}

func TestRecover(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	s.CreateRun(ctx, &models.RunResult{ID: "stale", Trigger: models.TriggerSchedule, Status: models.RunRunning, StartedAt: time.Now().Add(-time.Hour)})
	done := time.Now()
	s.CreateRun(ctx, &models.RunResult{ID: "done", Trigger: models.TriggerManual, Status: models.RunRunning, StartedAt: time.Now()})
	s.FinishRun(ctx, &models.RunResult{ID: "done", Trigger: models.TriggerManual, Status: models.RunCompleted, FinishedAt: &done})

	c := newTestCoordinator(t, s, s, &fakeRunner{})
	defer c.Shutdown()

	n, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered run, got %d", n)
	}

	run, _ := s.GetRun(ctx, "stale")
	if run.Status != models.RunUnknown || !run.Aborted || !run.Finished() {
		t.Errorf("Expected unknown aborted run, got %+v", run)
	}
	notes, _ := s.ListRunNotifications(ctx, "stale")
	if len(notes) != 1 || notes[0].Type != models.NotificationWarning {
		t.Errorf("Expected one warning, got %+v", notes)
	}

	// Idempotent
	if n, _ := c.Recover(ctx); n != 0 {
		t.Errorf("Expected nothing to recover the second time, got %d", n)
	}
}

func TestNextRun(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		at   string
		loc  *time.Location
		want time.Time
	}{
		{"later today", time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC), "08:00", time.UTC, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"exactly now rolls over", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), "08:00", time.UTC, time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"passed today", time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), "08:00", time.UTC, time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"month end", time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), "08:00", time.UTC, time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)},
		{"zone", time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC), "08:00", rome, time.Date(2024, 3, 1, 8, 0, 0, 0, rome)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.now, tt.at, tt.loc)
			if err != nil {
				t.Fatalf("NextRun failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := NextRun(time.Now(), "8am", time.UTC); err == nil {
		t.Error("Expected invalid query time to fail")
	}
}

func TestRunTriggersAtQueryTime(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()
	seed(t, s, "a")

	clk := testclock.NewClock(time.Date(2024, 3, 1, 7, 59, 0, 0, time.UTC))
	c := newTestCoordinator(t, s, s, &fakeRunner{}, func(cfg *Config) { cfg.Clock = clk })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for c.Status().LastRun == nil {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for scheduled run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if last := c.Status().LastRun; last.Trigger != models.TriggerSchedule {
		t.Errorf("Expected scheduled trigger, got %s", last.Trigger)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRescheduleRereadsSettings(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	defer s.Close()

	clk := testclock.NewClock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, s, s, &fakeRunner{}, func(cfg *Config) { cfg.Clock = clk })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitNext := func(want time.Time) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			if next := c.Status().NextRun; next != nil && next.Equal(want) {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("Timed out waiting for next run %s, status %+v", want, c.Status())
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitNext(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	settings := models.DefaultSettings()
	settings.QueryTime = "07:30"
	if err := s.SaveSettings(context.Background(), settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	c.Reschedule()

	waitNext(time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC))

	cancel()
	<-done
}

func newTestStore(t *testing.T) *store.Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
