package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/fentz26/procmon/internal/connectors"
	"github.com/fentz26/procmon/internal/detect"
	"github.com/fentz26/procmon/internal/metrics"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/notify"
)

var logger = loggo.GetLogger("procmon.scheduler")

// Store is the persistence the scheduler needs.
type Store interface {
	GetCredentialFor(ctx context.Context, client *models.Client) (*models.Credential, error)
	GetLastSnapshot(ctx context.Context, clientID string) (*models.ProcessSnapshot, error)
	SaveSnapshot(ctx context.Context, snap *models.ProcessSnapshot) error
	SaveClientOutcome(ctx context.Context, o *models.ClientOutcome) error
}

// Summary aggregates the outcomes of one RunBatch call.
type Summary struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Changed   int  `json:"changed"`
	Skipped   int  `json:"skipped"`
	Attempts  int  `json:"attempts"`
	Aborted   bool `json:"aborted"`
}

// Scheduler processes clients in sequential batches, each with a fixed
// worker pool.
type Scheduler struct {
	store   Store
	fetcher connectors.Fetcher
	emitter *notify.Emitter
	metrics *metrics.Collector
	clock   clock.Clock

	mu           sync.Mutex
	config       *Config
	inFlight     int
	peakInFlight int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for retry backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a new scheduler.
func New(s Store, f connectors.Fetcher, e *notify.Emitter, cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sch := &Scheduler{
		store:   s,
		fetcher: f,
		emitter: e,
		config:  cfg,
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// SetConfig replaces the configuration used by subsequent runs.
func (sch *Scheduler) SetConfig(cfg *Config) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.config = cfg
}

// Config returns the current configuration.
func (sch *Scheduler) Config() *Config {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.config
}

type clientResult struct {
	outcome models.ClientOutcome
	// storageErr is set when persisting the outcome failed; it aborts the run.
	storageErr error
}

// RunBatch processes clients and returns the aggregated summary. Per-client
// failures are recorded and never abort the run. A storage failure stops new
// clients from starting and is returned together with the partial summary.
func (sch *Scheduler) RunBatch(ctx context.Context, runID string, clients []models.Client) (*Summary, error) {
	cfg := sch.Config()
	if err := cfg.Validate(); err != nil {
		return &Summary{Total: len(clients)}, fmt.Errorf("invalid scheduler config: %w", err)
	}

	sch.mu.Lock()
	sch.peakInFlight = 0
	sch.mu.Unlock()

	summary := &Summary{Total: len(clients)}
	em := sch.emitter.ForRun(runID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abortErr error
	for start := 0; start < len(clients); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(clients) {
			end = len(clients)
		}
		batch := clients[start:end]

		if abortErr != nil {
			summary.Skipped += len(batch)
			continue
		}

		logger.Debugf("run %s: batch %d-%d of %d", runID, start+1, end, len(clients))
		for res := range sch.runBatch(runCtx, cfg, em, runID, batch) {
			if res.storageErr != nil && abortErr == nil {
				abortErr = res.storageErr
				logger.Errorf("run %s: storage failure, aborting: %v", runID, abortErr)
				cancel()
			}
			if res.outcome.Kind == models.OutcomeSkipped && abortErr == nil {
				if err := sch.store.SaveClientOutcome(context.WithoutCancel(ctx), &res.outcome); err != nil {
					abortErr = fmt.Errorf("save skipped outcome: %w", err)
					cancel()
				}
			}
			summary.add(res.outcome)
			sch.metrics.ObserveClient(res.outcome.Kind)
		}
	}

	if abortErr != nil {
		summary.Aborted = true
		return summary, abortErr
	}
	return summary, nil
}

func (s *Summary) add(o models.ClientOutcome) {
	s.Attempts += o.Attempts
	switch {
	case o.Kind == models.OutcomeSkipped:
		s.Skipped++
	case o.Kind.Succeeded():
		s.Succeeded++
		if o.Kind == models.OutcomeChanged {
			s.Changed++
		}
	default:
		s.Failed++
	}
}

// runBatch starts min(Concurrency, len(batch)) workers and returns the
// channel their results are funneled into. The channel closes once every
// worker has exited.
func (sch *Scheduler) runBatch(ctx context.Context, cfg *Config, em *notify.RunEmitter, runID string, batch []models.Client) <-chan clientResult {
	tasks := make(chan *models.Client, len(batch))
	for i := range batch {
		tasks <- &batch[i]
	}
	close(tasks)

	workers := cfg.Concurrency
	if workers > len(batch) {
		workers = len(batch)
	}

	results := make(chan clientResult, len(batch))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for client := range tasks {
				results <- sch.processClient(ctx, cfg, em, runID, client)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// processClient takes one client through fetch, detection and persistence.
func (sch *Scheduler) processClient(ctx context.Context, cfg *Config, em *notify.RunEmitter, runID string, client *models.Client) (res clientResult) {
	res.outcome = models.ClientOutcome{RunID: runID, ClientID: client.ID}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("run %s: panic processing client %s: %v", runID, client.ID, r)
			res.outcome.Kind = models.OutcomeFailed
			res.outcome.ErrorReason = "panic"
			res.outcome.ErrorMessage = fmt.Sprint(r)
			res.outcome.FinishedAt = sch.clock.Now().UTC()
			res.storageErr = sch.saveOutcome(ctx, &res.outcome)
		}
	}()

	if ctx.Err() != nil {
		res.outcome.Kind = models.OutcomeSkipped
		res.outcome.FinishedAt = sch.clock.Now().UTC()
		return res
	}

	// Writes must land even if the run is cancelled mid-client.
	wctx := context.WithoutCancel(ctx)

	cred, err := sch.store.GetCredentialFor(wctx, client)
	if err != nil {
		res.outcome.Kind = models.OutcomeFailed
		res.outcome.ErrorReason = "storage"
		res.storageErr = fmt.Errorf("load credential for client %s: %w", client.ID, err)
		return res
	}

	var status *detect.ProcessStatus
	var attempts int
	switch {
	case cred == nil:
		err = connectors.Fatal(connectors.ReasonNoCredential, fmt.Errorf("client %s has no credential", client.ID))
	case !cred.Status.Usable():
		err = connectors.Fatal(connectors.ReasonCredentialInvalid, fmt.Errorf("credential %s is %s", cred.ID, cred.Status))
	default:
		var stopped bool
		status, attempts, stopped, err = sch.fetchWithRetry(ctx, cfg, client, cred)
		if stopped {
			logger.Infof("run %s: client %s cancelled after %d attempts", runID, client.ID, attempts)
			res.outcome.Kind = models.OutcomeSkipped
			res.outcome.Attempts = attempts
			res.outcome.FinishedAt = sch.clock.Now().UTC()
			return res
		}
	}
	res.outcome.Attempts = attempts

	if err != nil {
		res.storageErr = sch.recordFailure(wctx, em, client, &res.outcome, err)
		return res
	}

	res.storageErr = sch.recordSuccess(wctx, em, client, &res.outcome, status)
	return res
}

func (sch *Scheduler) recordFailure(ctx context.Context, em *notify.RunEmitter, client *models.Client, out *models.ClientOutcome, err error) error {
	reason := connectors.ReasonOf(err)
	out.Kind = models.OutcomeFailed
	out.ErrorReason = string(reason)
	out.ErrorMessage = err.Error()
	out.FinishedAt = sch.clock.Now().UTC()

	var ev notify.Event
	if connectors.IsFatal(err) {
		logger.Warningf("client %s (%s): %v", client.ID, client.ProcessRef(), err)
		ev = notify.QueryFailed(client, string(reason), err)
	} else {
		logger.Warningf("client %s (%s): giving up after %d attempts: %v", client.ID, client.ProcessRef(), out.Attempts, err)
		ev = notify.RetriesExhausted(client, out.Attempts, string(reason))
	}
	if _, nerr := em.Emit(ctx, ev); nerr != nil {
		return nerr
	}
	return sch.saveOutcome(ctx, out)
}

func (sch *Scheduler) recordSuccess(ctx context.Context, em *notify.RunEmitter, client *models.Client, out *models.ClientOutcome, status *detect.ProcessStatus) error {
	last, err := sch.store.GetLastSnapshot(ctx, client.ID)
	if err != nil {
		out.Kind = models.OutcomeFailed
		out.ErrorReason = "storage"
		return fmt.Errorf("load snapshot for client %s: %w", client.ID, err)
	}

	result := detect.Detect(*status, last)
	out.StatusHash = status.Hash
	out.FinishedAt = sch.clock.Now().UTC()

	switch result.Kind {
	case detect.Unchanged:
		out.Kind = models.OutcomeUnchanged
	case detect.FirstObservation:
		out.Kind = models.OutcomeFirstObservation
		if err := sch.saveSnapshot(ctx, client, status, out.FinishedAt); err != nil {
			return err
		}
	case detect.Changed:
		out.Kind = models.OutcomeChanged
		logger.Infof("client %s (%s): status changed", client.ID, client.ProcessRef())
		// Notify before moving the snapshot so a failed write is retried
		// next run rather than lost.
		if _, err := em.Emit(ctx, notify.StatusChanged(client, result.OldText, result.NewText, result.NewHash)); err != nil {
			return err
		}
		if err := sch.saveSnapshot(ctx, client, status, out.FinishedAt); err != nil {
			return err
		}
	}
	return sch.saveOutcome(ctx, out)
}

func (sch *Scheduler) saveSnapshot(ctx context.Context, client *models.Client, status *detect.ProcessStatus, at time.Time) error {
	return sch.store.SaveSnapshot(ctx, &models.ProcessSnapshot{
		ClientID:   client.ID,
		StatusText: status.Text,
		StatusHash: status.Hash,
		ObservedAt: at,
	})
}

func (sch *Scheduler) saveOutcome(ctx context.Context, out *models.ClientOutcome) error {
	return sch.store.SaveClientOutcome(context.WithoutCancel(ctx), out)
}

// fetchWithRetry calls the fetcher until it succeeds, fails fatally or runs
// out of attempts. Cancelling ctx stops further attempts but never an attempt
// already in flight. stopped reports that retries were cut short by
// cancellation.
func (sch *Scheduler) fetchWithRetry(ctx context.Context, cfg *Config, client *models.Client, cred *models.Credential) (status *detect.ProcessStatus, attempts int, stopped bool, err error) {
	var lastErr error

	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := sch.throttle(ctx, cred); err != nil {
				lastErr = err
				return err
			}
			attempts++
			st, err := sch.fetchOnce(ctx, cfg, client, cred)
			if err != nil {
				lastErr = err
				return err
			}
			status = st
			return nil
		},
		IsFatalError: connectors.IsFatal,
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("client %s attempt %d: %v", client.ID, attempt, err)
		},
		Attempts:    cfg.MaxRetries + 1,
		Delay:       cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       sch.clock,
		Stop:        ctx.Done(),
	})
	if callErr == nil {
		return status, attempts, false, nil
	}
	if lastErr == nil {
		lastErr = callErr
	}
	if retry.IsRetryStopped(callErr) || errors.Is(lastErr, errThrottleCancelled) {
		return nil, attempts, true, lastErr
	}
	return nil, attempts, false, lastErr
}

var errThrottleCancelled = errors.New("cancelled waiting for rate limit")

// throttle waits for the fetcher's per-credential rate limit, if it has one.
// The wait is not counted as an attempt or as a fetch in flight.
func (sch *Scheduler) throttle(ctx context.Context, cred *models.Credential) error {
	th, ok := sch.fetcher.(connectors.Throttler)
	if !ok {
		return nil
	}
	if err := th.Throttle(ctx, cred); err != nil {
		if ctx.Err() != nil {
			return errThrottleCancelled
		}
		return connectors.Transient(connectors.ReasonRateLimited, err)
	}
	return nil
}

// fetchOnce runs a single fetch. The fetch is detached from ctx cancellation
// so a cancelled run lets it finish or time out.
func (sch *Scheduler) fetchOnce(ctx context.Context, cfg *Config, client *models.Client, cred *models.Credential) (*detect.ProcessStatus, error) {
	sch.enter()
	defer sch.leave()

	start := sch.clock.Now()
	status, err := sch.fetcher.FetchStatus(context.WithoutCancel(ctx), client, cred, cfg.Timeout)

	outcome := models.AttemptSuccess
	if err != nil {
		outcome = models.AttemptTransient
		if connectors.IsFatal(err) {
			outcome = models.AttemptFatal
		}
	}
	sch.metrics.ObserveAttempt(outcome, sch.clock.Now().Sub(start))
	return status, err
}

func (sch *Scheduler) enter() {
	sch.mu.Lock()
	sch.inFlight++
	if sch.inFlight > sch.peakInFlight {
		sch.peakInFlight = sch.inFlight
	}
	sch.mu.Unlock()
	sch.metrics.FetchStarted()
}

func (sch *Scheduler) leave() {
	sch.mu.Lock()
	sch.inFlight--
	sch.mu.Unlock()
	sch.metrics.FetchDone()
}

// Stats returns current scheduler statistics.
func (sch *Scheduler) Stats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	return map[string]interface{}{
		"in_flight":      sch.inFlight,
		"peak_in_flight": sch.peakInFlight,
		"concurrency":    sch.config.Concurrency,
		"batch_size":     sch.config.BatchSize,
		"max_retries":    sch.config.MaxRetries,
	}
}
