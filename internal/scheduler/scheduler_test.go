package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/retention"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// blockingSyncer holds every run until release is closed
type blockingSyncer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
	mu      sync.Mutex
}

func newBlockingSyncer() *blockingSyncer {
	return &blockingSyncer{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSyncer) Sync(ctx context.Context) (*ingestion.SyncResult, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &ingestion.SyncResult{Status: ingestion.StatusSuccess, Processed: 1}, nil
}

func (b *blockingSyncer) Resync(_ context.Context, since *time.Time) *ingestion.SyncResult {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return &ingestion.SyncResult{Status: ingestion.StatusSuccess, LatestTimestamp: since}
}

type stubAlerts struct {
	calls   int
	allRuns int
	block   chan struct{}
}

func (s *stubAlerts) MaterializeNew(context.Context) (*alerting.MaterializeResult, error) {
	s.calls++
	return &alerting.MaterializeResult{Status: alerting.StatusSuccess, Created: 2}, nil
}

func (s *stubAlerts) MaterializeAll(context.Context) *alerting.MaterializeResult {
	s.allRuns++
	if s.block != nil {
		<-s.block
	}
	return &alerting.MaterializeResult{Status: alerting.StatusSuccess, Created: 7}
}

type failingCleaner struct{}

func (failingCleaner) Run(context.Context) (*retention.CleanupResult, error) {
	return nil, errors.New("database locked")
}

type denyLocker struct{ calls int }

func (d *denyLocker) TryLock(context.Context, string) (func(), error) {
	d.calls++
	return nil, ErrJobRunning
}

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.SyncInterval = 0
	cfg.AlertInterval = 0
	cfg.CleanupInterval = 0
	return cfg
}

func TestTrigger_RejectsOverlap(t *testing.T) {
	syncer := newBlockingSyncer()
	s, err := New(manualConfig(), Jobs{Sync: syncer}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerSync(context.Background())
		done <- err
	}()
	<-syncer.started

	if _, err := s.TriggerSync(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second trigger err = %v, want ErrJobRunning", err)
	}

	st := s.Status()
	if len(st.Jobs) != 1 || !st.Jobs[0].Running {
		t.Errorf("status = %+v, want sync running", st)
	}

	close(syncer.release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if syncer.calls != 1 {
		t.Errorf("sync calls = %d, want 1", syncer.calls)
	}

	res, err := s.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("trigger after release: %v", err)
	}
	if res.Status != ingestion.StatusSuccess {
		t.Errorf("status = %q", res.Status)
	}
}

func TestTrigger_DifferentJobsRunConcurrently(t *testing.T) {
	syncer := newBlockingSyncer()
	alerts := &stubAlerts{}
	s, err := New(manualConfig(), Jobs{Sync: syncer, Alerts: alerts}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = s.TriggerSync(context.Background())
		close(done)
	}()
	<-syncer.started

	res, err := s.TriggerAlertSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerAlertSync while sync runs: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("created = %d", res.Created)
	}

	close(syncer.release)
	<-done
}

func TestTrigger_DistributedLockDenied(t *testing.T) {
	alerts := &stubAlerts{}
	locker := &denyLocker{}
	s, err := New(manualConfig(), Jobs{Alerts: alerts}, locker, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.TriggerAlertSync(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("err = %v, want ErrJobRunning", err)
	}
	if alerts.calls != 0 || locker.calls != 1 {
		t.Errorf("alerts calls = %d, locker calls = %d", alerts.calls, locker.calls)
	}
}

func TestTrigger_UnregisteredJob(t *testing.T) {
	s, err := New(manualConfig(), Jobs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.TriggerCleanup(context.Background()); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestTrigger_RecordsFailure(t *testing.T) {
	s, err := New(manualConfig(), Jobs{Cleanup: failingCleaner{}}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.TriggerCleanup(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	js := s.Status().Jobs[0]
	if js.Name != JobCleanup || js.LastStatus != "error" || js.LastError == "" || js.Runs != 1 {
		t.Errorf("status = %+v", js)
	}

	// a failed run releases the job
	if _, err := s.TriggerCleanup(context.Background()); errors.Is(err, ErrJobRunning) {
		t.Error("job still locked after failure")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	cfg := manualConfig()
	cfg.AlertInterval = time.Hour
	cfg.RunOnStart = true
	alerts := &stubAlerts{}

	s, err := New(cfg, Jobs{Alerts: alerts}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if js := s.Status().Jobs[0]; js.Runs > 0 {
			if js.NextRun == nil {
				t.Error("next run missing for scheduled job")
			}
			if js.Interval != "1h0m0s" {
				t.Errorf("interval = %q", js.Interval)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup run did not happen")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Status().Running {
		t.Error("scheduler still running")
	}
}

func TestTrigger_AlertSyncAllSharesAlertLock(t *testing.T) {
	alerts := &stubAlerts{block: make(chan struct{})}
	s, err := New(manualConfig(), Jobs{Alerts: alerts}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan *alerting.MaterializeResult, 1)
	go func() {
		res, _ := s.TriggerAlertSyncAll(context.Background())
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Status().Jobs[0].Running {
		if time.Now().After(deadline) {
			t.Fatal("full materialization did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.TriggerAlertSync(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Errorf("incremental run during full run err = %v, want ErrJobRunning", err)
	}

	close(alerts.block)
	res := <-done
	if res == nil || res.Created != 7 {
		t.Fatalf("result = %+v", res)
	}
	if alerts.calls != 0 || alerts.allRuns != 1 {
		t.Errorf("calls = %d, full runs = %d", alerts.calls, alerts.allRuns)
	}
	if js := s.Status().Jobs[0]; js.Runs != 1 || js.LastStatus != alerting.StatusSuccess {
		t.Errorf("status = %+v", js)
	}
}

func TestTrigger_Resync(t *testing.T) {
	syncer := newBlockingSyncer()
	s, err := New(manualConfig(), Jobs{Sync: syncer}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	since := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	res, err := s.TriggerResync(context.Background(), &since)
	if err != nil {
		t.Fatalf("TriggerResync: %v", err)
	}
	if res.LatestTimestamp == nil || !res.LatestTimestamp.Equal(since) {
		t.Errorf("resync since = %v", res.LatestTimestamp)
	}

	empty, err := New(manualConfig(), Jobs{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := empty.TriggerResync(context.Background(), nil); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}
