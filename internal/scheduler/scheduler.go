// Package scheduler runs the pipeline jobs on independent intervals and
// exposes the same jobs as manual triggers.
//
// A job never overlaps itself: cron skips a tick while the previous run is
// still going, manual triggers share the per-job lock with cron, and an
// optional distributed lock extends the guarantee across replicas. Different
// jobs run concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/retention"
	"github.com/lvonguyen/threatpulse/internal/telemetry/correlation"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// Job names.
const (
	JobSync        = "elasticsearch_sync"
	JobAlerts      = "alert_sync"
	JobCleanup     = "retention_cleanup"
	JobCorrelation = "node_correlation"
)

var (
	// ErrJobRunning is returned when a run of the same job is in progress.
	ErrJobRunning = errors.New("scheduler: job already running")
	// ErrUnknownJob is returned for a job that is not registered.
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

// Syncer runs an incremental event sync. Resync replays from since,
// ignoring the watermark.
type Syncer interface {
	Sync(ctx context.Context) (*ingestion.SyncResult, error)
	Resync(ctx context.Context, since *time.Time) *ingestion.SyncResult
}

// AlertMaterializer materializes alerts for new events. MaterializeAll
// covers every event without an alert, regardless of the watermark.
type AlertMaterializer interface {
	MaterializeNew(ctx context.Context) (*alerting.MaterializeResult, error)
	MaterializeAll(ctx context.Context) *alerting.MaterializeResult
}

// Cleaner applies retention
type Cleaner interface {
	Run(ctx context.Context) (*retention.CleanupResult, error)
}

// Correlator links recent events to nodes
type Correlator interface {
	SyncEventsWithNodes(ctx context.Context, limit int) (*correlation.CorrelationResult, error)
}

// Config holds job intervals. A zero interval disables the schedule of that
// job; it can still be triggered manually.
type Config struct {
	SyncInterval        time.Duration `yaml:"sync_interval" validate:"gte=0"`
	AlertInterval       time.Duration `yaml:"alert_interval" validate:"gte=0"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
	CorrelationInterval time.Duration `yaml:"correlation_interval" validate:"gte=0"`
	CorrelationBatch    int           `yaml:"correlation_batch" validate:"gte=0,lte=1000"`
	JobTimeout          time.Duration `yaml:"job_timeout" validate:"gte=0"`
	RunOnStart          bool          `yaml:"run_on_start"`
	DistributedLock     bool          `yaml:"distributed_lock"`
	LockExpiry          time.Duration `yaml:"lock_expiry"`
}

// DefaultConfig returns the default job intervals
func DefaultConfig() Config {
	return Config{
		SyncInterval:     5 * time.Minute,
		AlertInterval:    time.Minute,
		CleanupInterval:  24 * time.Hour,
		CorrelationBatch: 100,
		JobTimeout:       30 * time.Minute,
		LockExpiry:       30 * time.Minute,
	}
}

// Jobs are the components the scheduler drives. Nil members are not registered.
type Jobs struct {
	Sync        Syncer
	Alerts      AlertMaterializer
	Cleanup     Cleaner
	Correlation Correlator
}

// JobStatus is the state of one job
type JobStatus struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Running      bool       `json:"running"`
	Runs         int        `json:"runs"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastResult   any        `json:"last_result,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

// Status is the state of the scheduler
type Status struct {
	Running bool        `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

type runFunc func(ctx context.Context) (result any, status string, err error)

type job struct {
	name     string
	interval time.Duration
	run      runFunc
	entry    cron.EntryID

	exec sync.Mutex

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the cron loop and the job registry
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	targets Jobs
	locker  Locker
	metrics *observability.Metrics
	logger  *zap.Logger
	config  Config

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. locker may be nil for single-replica setups.
func New(cfg Config, jobs Jobs, locker Locker, metrics *observability.Metrics, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		jobs:    make(map[string]*job),
		targets: jobs,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}

	if jobs.Sync != nil {
		s.register(JobSync, cfg.SyncInterval, func(ctx context.Context) (any, string, error) {
			res, err := jobs.Sync.Sync(ctx)
			if err != nil {
				return nil, ingestion.StatusError, err
			}
			return res, res.Status, nil
		})
	}
	if jobs.Alerts != nil {
		s.register(JobAlerts, cfg.AlertInterval, func(ctx context.Context) (any, string, error) {
			res, err := jobs.Alerts.MaterializeNew(ctx)
			if err != nil {
				return nil, alerting.StatusError, err
			}
			return res, res.Status, nil
		})
	}
	if jobs.Cleanup != nil {
		s.register(JobCleanup, cfg.CleanupInterval, func(ctx context.Context) (any, string, error) {
			res, err := jobs.Cleanup.Run(ctx)
			if err != nil {
				return nil, "error", err
			}
			return res, res.Status, nil
		})
	}
	if jobs.Correlation != nil {
		s.register(JobCorrelation, cfg.CorrelationInterval, func(ctx context.Context) (any, string, error) {
			res, err := jobs.Correlation.SyncEventsWithNodes(ctx, cfg.CorrelationBatch)
			if err != nil {
				return nil, "error", err
			}
			return res, res.Status, nil
		})
	}

	for _, j := range s.jobs {
		if j.interval <= 0 {
			continue
		}
		name := j.name
		id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", j.interval), func() {
			if _, err := s.execute(s.context(), name, nil); err != nil && !errors.Is(err, ErrJobRunning) {
				s.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		j.entry = id
	}

	return s, nil
}

func (s *Scheduler) register(name string, interval time.Duration, run runFunc) {
	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		run:      run,
		status:   JobStatus{Name: name, Interval: intervalString(interval)},
	}
}

// Start begins scheduling. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Strings("jobs", s.jobNames()))

	if s.config.RunOnStart {
		for _, name := range s.jobNames() {
			go func(name string) {
				if _, err := s.execute(s.context(), name, nil); err != nil && !errors.Is(err, ErrJobRunning) {
					s.logger.Error("Startup job failed", zap.String("job", name), zap.Error(err))
				}
			}(name)
		}
	}
}

// Stop stops scheduling new runs and waits for running ones until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	s.cancel()
	s.logger.Info("Scheduler stopped")
	return nil
}

// TriggerSync runs the event sync now
func (s *Scheduler) TriggerSync(ctx context.Context) (*ingestion.SyncResult, error) {
	res, err := s.execute(ctx, JobSync, nil)
	if err != nil {
		return nil, err
	}
	return res.(*ingestion.SyncResult), nil
}

// TriggerAlertSync runs the alert materializer now
func (s *Scheduler) TriggerAlertSync(ctx context.Context) (*alerting.MaterializeResult, error) {
	res, err := s.execute(ctx, JobAlerts, nil)
	if err != nil {
		return nil, err
	}
	return res.(*alerting.MaterializeResult), nil
}

// TriggerResync replays the event store from since under the sync job's
// lock. A nil since replays everything.
func (s *Scheduler) TriggerResync(ctx context.Context, since *time.Time) (*ingestion.SyncResult, error) {
	res, err := s.execute(ctx, JobSync, func(ctx context.Context) (any, string, error) {
		res := s.targets.Sync.Resync(ctx, since)
		return res, res.Status, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*ingestion.SyncResult), nil
}

// TriggerAlertSyncAll materializes every event without an alert under the
// alert job's lock.
func (s *Scheduler) TriggerAlertSyncAll(ctx context.Context) (*alerting.MaterializeResult, error) {
	res, err := s.execute(ctx, JobAlerts, func(ctx context.Context) (any, string, error) {
		res := s.targets.Alerts.MaterializeAll(ctx)
		return res, res.Status, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*alerting.MaterializeResult), nil
}

// TriggerCleanup runs retention cleanup now
func (s *Scheduler) TriggerCleanup(ctx context.Context) (*retention.CleanupResult, error) {
	res, err := s.execute(ctx, JobCleanup, nil)
	if err != nil {
		return nil, err
	}
	return res.(*retention.CleanupResult), nil
}

// TriggerCorrelation runs node correlation now
func (s *Scheduler) TriggerCorrelation(ctx context.Context) (*correlation.CorrelationResult, error) {
	res, err := s.execute(ctx, JobCorrelation, nil)
	if err != nil {
		return nil, err
	}
	return res.(*correlation.CorrelationResult), nil
}

// Status reports every job
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running}
	s.mu.Unlock()

	for _, name := range s.jobNames() {
		j := s.jobs[name]
		j.mu.Lock()
		js := j.status
		j.mu.Unlock()

		if st.Running && j.entry != 0 {
			if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
				js.NextRun = &next
			}
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// execute runs run, or the job's own run when nil, holding the job's locks.
func (s *Scheduler) execute(ctx context.Context, name string, run runFunc) (any, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if run == nil {
		run = j.run
	}

	if !j.exec.TryLock() {
		s.metrics.IncJobSkipped(name)
		s.logger.Info("Job already running, skipping", zap.String("job", name))
		return nil, ErrJobRunning
	}
	defer j.exec.Unlock()

	if s.locker != nil {
		unlock, err := s.locker.TryLock(ctx, name)
		if errors.Is(err, ErrJobRunning) {
			s.metrics.IncJobSkipped(name)
			s.logger.Info("Job running on another replica, skipping", zap.String("job", name))
			return nil, ErrJobRunning
		}
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	started := time.Now().UTC()
	j.mu.Lock()
	j.status.Running = true
	j.status.LastStarted = &started
	j.mu.Unlock()

	result, status, err := run(ctx)

	finished := time.Now().UTC()
	j.mu.Lock()
	j.status.Running = false
	j.status.Runs++
	j.status.LastFinished = &finished
	j.status.LastStatus = status
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	if result != nil {
		j.status.LastResult = result
	}
	j.mu.Unlock()

	s.metrics.ObserveJob(name, status, finished.Sub(started))
	s.logger.Info("Job finished",
		zap.String("job", name),
		zap.String("status", status),
		zap.Duration("duration", finished.Sub(started)),
	)

	return result, err
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Scheduler) jobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intervalString(d time.Duration) string {
	if d <= 0 {
		return "manual"
	}
	return d.String()
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
