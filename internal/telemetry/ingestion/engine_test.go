package ingestion

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/repository/repotest"
	"github.com/lvonguyen/threatpulse/internal/syncstate"
	"github.com/lvonguyen/threatpulse/internal/telemetry/normalization"
)

var base = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func hit(id string, ts time.Time) Hit {
	return Hit{
		ID:    id,
		Index: "events",
		Source: normalization.RawDocument{
			"@timestamp": ts.Format(time.RFC3339Nano),
			"palo-xsiam": map[string]any{
				"severity":                    "high",
				"mitre_tactics_ids_and_names": "TA0001 - Initial Access",
			},
		},
	}
}

type fakeIterator struct {
	mu      sync.Mutex
	pages   [][]Hit
	next    int
	failAt  int
	failErr error
	closed  int
}

func (it *fakeIterator) Next(ctx context.Context) ([]Hit, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.failAt > 0 && it.next+1 == it.failAt {
		return nil, it.failErr
	}
	if it.next >= len(it.pages) {
		return nil, io.EOF
	}
	p := it.pages[it.next]
	it.next++
	return p, nil
}

func (it *fakeIterator) Close(context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed++
	return nil
}

type fakeStore struct {
	iter      *fakeIterator
	scrollErr error
	queries   []Query
}

func (s *fakeStore) Name() string                      { return "fake" }
func (s *fakeStore) HealthCheck(context.Context) error { return nil }

func (s *fakeStore) Scroll(_ context.Context, q Query) (PageIterator, error) {
	s.queries = append(s.queries, q)
	if s.scrollErr != nil {
		return nil, s.scrollErr
	}
	s.iter.next = 0
	return s.iter, nil
}

// failingWriter fails the given 1-based calls and delegates the rest
type failingWriter struct {
	inner EventWriter
	fail  map[int]bool
	calls int
}

func (w *failingWriter) UpsertEvents(ctx context.Context, events []repository.Event) (repository.UpsertStats, error) {
	w.calls++
	if w.fail[w.calls] {
		return repository.UpsertStats{}, errors.New("deadlock detected")
	}
	return w.inner.UpsertEvents(ctx, events)
}

type memCursor struct {
	wm          *time.Time
	successes   int
	failures    int
	lastAdvance *time.Time
	lastMessage string
}

func (c *memCursor) Watermark(context.Context) (*time.Time, error) { return c.wm, nil }

func (c *memCursor) RecordSuccess(_ context.Context, _ int, latest *time.Time) error {
	c.successes++
	c.lastAdvance = latest
	if latest != nil {
		c.wm = latest
	}
	return nil
}

func (c *memCursor) RecordFailure(_ context.Context, _ int, advanceTo *time.Time, msg string) error {
	c.failures++
	c.lastAdvance = advanceTo
	c.lastMessage = msg
	if advanceTo != nil {
		c.wm = advanceTo
	}
	return nil
}

type recordingLinker struct {
	batches [][]string
}

func (l *recordingLinker) LinkExternalIDs(_ context.Context, ids []string) (int, error) {
	l.batches = append(l.batches, ids)
	return len(ids), nil
}

func fivePages() [][]Hit {
	pages := make([][]Hit, 5)
	for i := range pages {
		pages[i] = []Hit{hit(string(rune('a'+i)), at(i+1))}
	}
	return pages
}

func TestEngine_RunTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repotest.NewStore(t)
	state := syncstate.New(repo, repository.SyncTypeElasticsearch)

	store := &fakeStore{iter: &fakeIterator{pages: [][]Hit{
		{hit("e1", at(1)), hit("e2", at(2))},
		{hit("e3", at(3))},
	}}}
	engine := NewEngine(store, repo, state, DefaultSyncConfig(), nil)

	first := engine.Run(ctx, nil)
	if first.Status != StatusSuccess {
		t.Fatalf("first run status = %s: %v", first.Status, first.Errors)
	}
	if first.Inserted != 3 || first.Processed != 3 || first.Pages != 2 {
		t.Errorf("first run = %+v", first)
	}

	second := engine.Run(ctx, nil)
	if second.Inserted != 0 || second.Updated != 3 {
		t.Errorf("second run inserted=%d updated=%d, want 0/3", second.Inserted, second.Updated)
	}

	n, err := repo.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("events = %d, want 3", n)
	}

	wm, _ := state.Watermark(ctx)
	if wm == nil || !wm.Equal(at(3)) {
		t.Errorf("watermark = %v, want %v", wm, at(3))
	}

	ev, _ := repo.EventByExternalID(ctx, "e1")
	if ev.Status != normalization.StatusPending {
		t.Errorf("status = %q, want pending default", ev.Status)
	}
	if store.iter.closed != 2 {
		t.Errorf("scroll closed %d times, want once per run", store.iter.closed)
	}
}

func TestEngine_Sync_UsesWatermark(t *testing.T) {
	wm := at(10)
	cursor := &memCursor{wm: &wm}
	store := &fakeStore{iter: &fakeIterator{}}
	cfg := DefaultSyncConfig()
	cfg.PageSize = 50

	engine := NewEngine(store, &failingWriter{inner: repotest.NewStore(t)}, cursor, cfg, nil)
	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != StatusSuccess || res.Processed != 0 {
		t.Errorf("result = %+v", res)
	}

	q := store.queries[0]
	if q.Since == nil || !q.Since.Equal(wm) {
		t.Errorf("since = %v, want %v", q.Since, wm)
	}
	if q.PageSize != 50 || len(q.MarkerFields) != 3 {
		t.Errorf("query = %+v", q)
	}
	if cursor.successes != 1 || cursor.lastAdvance != nil {
		t.Errorf("empty run should succeed without advancing: %+v", cursor)
	}
}

func TestEngine_PartialFailureFreezesWatermark(t *testing.T) {
	ctx := context.Background()
	repo := repotest.NewStore(t)
	cursor := &memCursor{}
	store := &fakeStore{iter: &fakeIterator{pages: fivePages()}}
	writer := &failingWriter{inner: repo, fail: map[int]bool{3: true}}

	res := NewEngine(store, writer, cursor, DefaultSyncConfig(), nil).Run(ctx, nil)

	if res.Status != StatusPartialFailure {
		t.Fatalf("status = %s, want partial_failure", res.Status)
	}
	if res.FailedPages != 1 || res.Pages != 5 || res.Inserted != 4 {
		t.Errorf("result = %+v", res)
	}
	if res.Watermark == nil || !res.Watermark.Equal(at(2)) {
		t.Errorf("watermark = %v, want end of page 2 (%v)", res.Watermark, at(2))
	}
	if res.LatestTimestamp == nil || !res.LatestTimestamp.Equal(at(5)) {
		t.Errorf("latest = %v, want %v", res.LatestTimestamp, at(5))
	}
	if cursor.failures != 1 || cursor.successes != 0 {
		t.Errorf("cursor = %+v, want one failure record", cursor)
	}
	if cursor.lastAdvance == nil || !cursor.lastAdvance.Equal(at(2)) {
		t.Errorf("cursor advanced to %v, want %v", cursor.lastAdvance, at(2))
	}
	if cursor.lastMessage == "" || len(res.Errors) != 1 {
		t.Errorf("errors not recorded: %q %v", cursor.lastMessage, res.Errors)
	}
	if store.iter.closed != 1 {
		t.Errorf("scroll closed %d times, want 1", store.iter.closed)
	}

	// Re-running from the frozen watermark re-covers the failed page.
	n, _ := repo.CountEvents(ctx)
	if n != 4 {
		t.Errorf("events = %d, want 4", n)
	}
}

func TestEngine_FailedPageAtPrefixInstant(t *testing.T) {
	cursor := &memCursor{}
	store := &fakeStore{iter: &fakeIterator{pages: [][]Hit{
		{hit("a", at(1))},
		{hit("b", at(2))},
		{hit("c", at(2)), hit("d", at(3))},
	}}}
	writer := &failingWriter{inner: repotest.NewStore(t), fail: map[int]bool{3: true}}

	res := NewEngine(store, writer, cursor, DefaultSyncConfig(), nil).Run(context.Background(), nil)

	if res.Watermark == nil || !res.Watermark.Equal(at(1)) {
		t.Errorf("watermark = %v, want previous distinct instant %v", res.Watermark, at(1))
	}
}

func TestEngine_FirstPageFailsLeavesWatermark(t *testing.T) {
	cursor := &memCursor{}
	store := &fakeStore{iter: &fakeIterator{pages: fivePages()}}
	writer := &failingWriter{inner: repotest.NewStore(t), fail: map[int]bool{1: true}}

	res := NewEngine(store, writer, cursor, DefaultSyncConfig(), nil).Run(context.Background(), nil)

	if res.Status != StatusPartialFailure {
		t.Errorf("status = %s", res.Status)
	}
	if res.Watermark != nil || cursor.lastAdvance != nil {
		t.Errorf("watermark = %v, want untouched", res.Watermark)
	}
}

func TestEngine_AbortDoesNotAdvance(t *testing.T) {
	tests := []struct {
		name   string
		store  *fakeStore
		cancel bool
		closed int
	}{
		{
			name:   "fetch error",
			store:  &fakeStore{iter: &fakeIterator{pages: fivePages(), failAt: 3, failErr: errors.New("search_phase_execution_exception")}},
			closed: 1,
		},
		{
			name:   "cancelled",
			store:  &fakeStore{iter: &fakeIterator{pages: fivePages()}},
			cancel: true,
			closed: 1,
		},
		{
			name:   "scroll open error",
			store:  &fakeStore{iter: &fakeIterator{}, scrollErr: errors.New("connection refused")},
			closed: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			prev := at(-100)
			cursor := &memCursor{wm: &prev}
			res := NewEngine(tt.store, repotest.NewStore(t), cursor, DefaultSyncConfig(), nil).Run(ctx, &prev)

			if res.Status != StatusError {
				t.Errorf("status = %s, want error", res.Status)
			}
			if res.Message == "" {
				t.Error("message not set")
			}
			if cursor.failures != 1 || cursor.lastAdvance != nil {
				t.Errorf("cursor = %+v, want failure without advance", cursor)
			}
			if !cursor.wm.Equal(prev) {
				t.Errorf("watermark moved to %v", cursor.wm)
			}
			if tt.store.iter.closed != tt.closed {
				t.Errorf("closed = %d, want %d", tt.store.iter.closed, tt.closed)
			}
		})
	}
}

func TestEngine_LinksCommittedPages(t *testing.T) {
	linker := &recordingLinker{}
	store := &fakeStore{iter: &fakeIterator{pages: fivePages()}}
	writer := &failingWriter{inner: repotest.NewStore(t), fail: map[int]bool{2: true}}

	res := NewEngine(store, writer, &memCursor{}, DefaultSyncConfig(), nil, WithLinker(linker)).
		Run(context.Background(), nil)

	if len(linker.batches) != 4 {
		t.Errorf("linked %d pages, want 4 committed pages", len(linker.batches))
	}
	if res.Linked != 4 {
		t.Errorf("linked = %d, want 4", res.Linked)
	}
	for _, b := range linker.batches {
		if len(b) == 1 && b[0] == "b" {
			t.Error("failed page was linked")
		}
	}
}

func TestEventFromFields(t *testing.T) {
	status := normalization.StatusResolved
	ev := EventFromFields("doc-1", normalization.Fields{Status: &status, AlertCategories: []string{"Malware"}})
	if ev.ExternalEventID != "doc-1" || ev.Status != status || len(ev.AlertCategories) != 1 {
		t.Errorf("event = %+v", ev)
	}
	if ev := EventFromFields("doc-2", normalization.Fields{}); ev.Status != normalization.StatusPending {
		t.Errorf("status = %q, want pending", ev.Status)
	}
}
