package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/repository/repotest"
)

func strPtr(s string) *string { return &s }

func tsPtr(t time.Time) *time.Time { return &t }

func TestUpsertEvents_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []repository.Event{
		{ExternalEventID: "a", Status: "pending", Severity: strPtr("low"), AlertCategories: []string{"Malware"}, Timestamp: tsPtr(ts)},
		{ExternalEventID: "b", Status: "pending", Timestamp: tsPtr(ts.Add(time.Minute))},
	}

	stats, err := store.UpsertEvents(ctx, batch)
	if err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 0 {
		t.Errorf("first stats = %+v, want 2 inserted", stats)
	}

	before, err := store.EventByExternalID(ctx, "a")
	if err != nil {
		t.Fatalf("EventByExternalID: %v", err)
	}

	batch[0].Severity = strPtr("critical")
	stats, err = store.UpsertEvents(ctx, batch)
	if err != nil {
		t.Fatalf("UpsertEvents again: %v", err)
	}
	if stats.Inserted != 0 || stats.Updated != 2 {
		t.Errorf("second stats = %+v, want 2 updated", stats)
	}

	n, _ := store.CountEvents(ctx)
	if n != 2 {
		t.Errorf("event count = %d, want 2", n)
	}

	after, _ := store.EventByExternalID(ctx, "a")
	if after.ID != before.ID {
		t.Errorf("surrogate id changed: %d -> %d", before.ID, after.ID)
	}
	if after.Severity == nil || *after.Severity != "critical" {
		t.Errorf("severity = %v, want critical", after.Severity)
	}
	if len(after.AlertCategories) != 1 || after.AlertCategories[0] != "Malware" {
		t.Errorf("categories = %v", after.AlertCategories)
	}
}

func TestUpsertEvents_DuplicateIDsInBatch(t *testing.T) {
	store := repotest.NewStore(t)
	stats, err := store.UpsertEvents(context.Background(), []repository.Event{
		{ExternalEventID: "x", Status: "pending", Severity: strPtr("low")},
		{ExternalEventID: "x", Status: "pending", Severity: strPtr("high")},
	})
	if err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", stats.Inserted)
	}
	ev, _ := store.EventByExternalID(context.Background(), "x")
	if *ev.Severity != "high" {
		t.Errorf("severity = %s, want last occurrence", *ev.Severity)
	}
}

func TestUpsertBatch_RequiresConflictKey(t *testing.T) {
	store := repotest.NewStore(t)
	_, err := repository.UpsertBatch(context.Background(), store.DB(), []repository.Alert{{EventID: "e"}}, nil, nil)
	if !errors.Is(err, repository.ErrEmptyConflictKey) {
		t.Errorf("err = %v, want ErrEmptyConflictKey", err)
	}
}

func TestInsertAlerts_IgnoresExisting(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	created, err := store.InsertAlerts(ctx, []repository.Alert{{EventID: "e1", Name: "first"}})
	if err != nil || len(created) != 1 {
		t.Fatalf("InsertAlerts = %v, %v", created, err)
	}

	created, err = store.InsertAlerts(ctx, []repository.Alert{
		{EventID: "e1", Name: "overwrite attempt"},
		{EventID: "e2", Name: "second"},
		{EventID: "e2", Name: "second dup"},
	})
	if err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}
	if len(created) != 1 || created[0].EventID != "e2" {
		t.Errorf("created = %+v, want only e2", created)
	}

	alerts, _ := store.AlertsByEventIDs(ctx, []string{"e1", "e2"})
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].Name != "first" {
		t.Errorf("e1 name = %q, alert was overwritten", alerts[0].Name)
	}
}

func TestInsertAlerts_RowClaimedAfterLookup(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	if _, err := store.InsertAlerts(ctx, []repository.Alert{{EventID: "e1", Name: "other writer"}}); err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}

	created, err := store.InsertFreshAlerts(ctx, []repository.Alert{
		{EventID: "e1", Name: "late"},
		{EventID: "e2", Name: "new"},
	})
	if err != nil {
		t.Fatalf("InsertFreshAlerts: %v", err)
	}
	if len(created) != 1 || created[0].EventID != "e2" || created[0].ID == 0 {
		t.Errorf("created = %+v, want only e2 with an id", created)
	}
	if n, _ := store.CountAlerts(ctx); n != 2 {
		t.Errorf("alerts = %d, want 2", n)
	}
}

func TestEventsWithoutAlert(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.UpsertEvents(ctx, []repository.Event{
		{ExternalEventID: "old", Status: "pending", Timestamp: tsPtr(base)},
		{ExternalEventID: "new", Status: "pending", Timestamp: tsPtr(base.Add(time.Hour))},
		{ExternalEventID: "newer", Status: "pending", Timestamp: tsPtr(base.Add(2 * time.Hour))},
		{ExternalEventID: "undated", Status: "pending"},
	})
	if err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if _, err := store.InsertAlerts(ctx, []repository.Alert{{EventID: "newer"}}); err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}

	events, err := store.EventsWithoutAlert(ctx, &base, 10)
	if err != nil {
		t.Fatalf("EventsWithoutAlert: %v", err)
	}
	got := map[string]bool{}
	for _, e := range events {
		got[e.ExternalEventID] = true
	}
	if len(events) != 2 || !got["new"] || !got["undated"] {
		t.Errorf("events = %v, want new and undated", got)
	}
}

func TestUpsertLink_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	node := &repository.Node{Name: "fw-1", IPAddress: strPtr("10.1.1.1")}
	if err := store.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	link := repository.NodeEventLink{NodeID: node.ID, EventID: 7, Role: repository.RoleSource, IP: strPtr("10.1.1.1"), RelevanceScore: 80}
	first, err := store.UpsertLink(ctx, link)
	if err != nil {
		t.Fatalf("UpsertLink: %v", err)
	}

	link.Role = repository.RoleDestination
	link.RelevanceScore = 0
	second, err := store.UpsertLink(ctx, link)
	if err != nil {
		t.Fatalf("UpsertLink again: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("link id changed: %d -> %d", first.ID, second.ID)
	}
	if second.Role != repository.RoleDestination {
		t.Errorf("role = %s, want refreshed to destination", second.Role)
	}
	if first.RelevanceScore != 80 || second.RelevanceScore != 0 {
		t.Errorf("relevance = %d then %d, want 80 then 0", first.RelevanceScore, second.RelevanceScore)
	}
	if n, _ := store.CountLinks(ctx, 7); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	if _, err := store.Cursor(ctx, repository.SyncTypeElasticsearch); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing cursor err = %v, want ErrNotFound", err)
	}

	wm := time.Date(2025, 3, 3, 3, 3, 3, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		err := store.SaveCursor(ctx, repository.SyncCursor{
			SyncType:          repository.SyncTypeElasticsearch,
			LastSyncTimestamp: tsPtr(wm),
			LastStatus:        repository.CursorStatusSuccess,
			TotalProcessed:    int64(i * 10),
		})
		if err != nil {
			t.Fatalf("SaveCursor: %v", err)
		}
	}

	c, err := store.Cursor(ctx, repository.SyncTypeElasticsearch)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if c.TotalProcessed != 20 || c.LastSyncTimestamp == nil || !c.LastSyncTimestamp.Equal(wm) {
		t.Errorf("cursor = %+v", c)
	}
	all, _ := store.Cursors(ctx)
	if len(all) != 1 {
		t.Errorf("cursor rows = %d, want 1", len(all))
	}
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	node := &repository.Node{Name: "srv", IPAddress: strPtr("192.168.0.10")}
	if err := store.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if _, err := store.UpsertEvents(ctx, []repository.Event{
		{ExternalEventID: "e1", Status: "pending", Severity: strPtr("high")},
		{ExternalEventID: "e2", Status: "pending"},
	}); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	e1, _ := store.EventByExternalID(ctx, "e1")
	e2, _ := store.EventByExternalID(ctx, "e2")

	for _, l := range []repository.NodeEventLink{
		{NodeID: node.ID, EventID: e1.ID, Role: repository.RoleSource, IP: strPtr("192.168.0.10")},
		{NodeID: node.ID, EventID: e2.ID, Role: repository.RoleDestination, IP: strPtr("192.168.0.10")},
	} {
		if _, err := store.UpsertLink(ctx, l); err != nil {
			t.Fatalf("UpsertLink: %v", err)
		}
	}

	ns, err := store.NodeSummary(ctx, node.ID)
	if err != nil {
		t.Fatalf("NodeSummary: %v", err)
	}
	if ns.TotalEvents != 2 || ns.EventsByRole["source"] != 1 || ns.EventsBySeverity["high"] != 1 || ns.EventsBySeverity["unknown"] != 1 {
		t.Errorf("node summary = %+v", ns)
	}
	if ns.LatestEventTime == nil {
		t.Error("latest event time not set")
	}

	es, err := store.EventSummary(ctx, e1.ID)
	if err != nil {
		t.Fatalf("EventSummary: %v", err)
	}
	if es.TotalNodes != 1 || len(es.AffectedIPs) != 1 || es.AffectedIPs[0] != "192.168.0.10" {
		t.Errorf("event summary = %+v", es)
	}

	if _, err := store.InsertAlerts(ctx, []repository.Alert{
		{EventID: "e1", Name: "Malware", Severity: "high", Source: "palo-xsiam"},
		{EventID: "e2", Name: "Malware", Severity: "Unknown", Source: "unknown"},
		{EventID: "e3", Name: "Recon", Severity: "low", Source: "crowdstrike"},
	}); err != nil {
		t.Fatalf("InsertAlerts: %v", err)
	}
	as, err := store.SummarizeAlerts(ctx)
	if err != nil {
		t.Fatalf("SummarizeAlerts: %v", err)
	}
	if as.TotalAlerts != 3 || len(as.ByName) != 2 || as.ByName[0].Name != "Malware" || as.ByName[0].Count != 2 {
		t.Errorf("alert summary = %+v", as)
	}
	if as.BySource["crowdstrike"] != 1 {
		t.Errorf("by source = %v", as.BySource)
	}
}

func TestNodesByIPs(t *testing.T) {
	ctx := context.Background()
	store := repotest.NewStore(t)

	for _, n := range []repository.Node{
		{Name: "fw-1", IPAddress: strPtr("10.2.0.1")},
		{Name: "sw-1", IPAddress: strPtr("10.2.0.2")},
		{Name: "unaddressed"},
	} {
		n := n
		if err := store.CreateNode(ctx, &n); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	nodes, err := store.NodesByIPs(ctx, []string{"10.2.0.1", "10.2.0.2", "10.2.0.99"})
	if err != nil {
		t.Fatalf("NodesByIPs: %v", err)
	}
	if len(nodes) != 2 || nodes["10.2.0.1"].Name != "fw-1" || nodes["10.2.0.2"].Name != "sw-1" {
		t.Errorf("nodes = %+v", nodes)
	}

	empty, err := store.NodesByIPs(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty lookup = %v, %v", empty, err)
	}
}
