package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/buerokratt/DMR/pkg/models"
)

const (
	idPolice = "d3b07384-d9a0-4c3f-a4e2-123456789abc"
	idTax    = "a1e45678-12bc-4ef0-9876-def123456789"
)

func directoryServer(t *testing.T, records *[]map[string]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": *records})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func record(id, name string) map[string]string {
	return map[string]string{
		"id":                         id,
		"name":                       name,
		"authentication_certificate": "-----BEGIN PUBLIC KEY-----\nstub\n-----END PUBLIC KEY-----",
		"created_at":                 "2025-06-10T12:34:56Z",
		"updated_at":                 "2025-06-10T12:34:56Z",
	}
}

func TestRefreshInstallsSnapshotAndLookup(t *testing.T) {
	t.Parallel()

	records := []map[string]string{record(idPolice, "Police"), record(idTax, "Tax office")}
	srv := directoryServer(t, &records)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	diff, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(diff.Added) != 2 || len(diff.Removed) != 0 {
		t.Fatalf("expected 2 added, 0 removed, got %+v", diff)
	}
	rec, ok := c.Lookup(idPolice)
	if !ok {
		t.Fatal("expected police record in snapshot")
	}
	if rec.Name != "Police" {
		t.Fatalf("expected mapped name Police, got %q", rec.Name)
	}
	if c.Snapshot().Len() != 2 {
		t.Fatalf("expected 2 participants, got %d", c.Snapshot().Len())
	}
}

func TestRefreshSkipsMalformedRecords(t *testing.T) {
	t.Parallel()

	bad := record("not-a-uuid", "Broken")
	noName := record(idTax, "")
	records := []map[string]string{record(idPolice, "Police"), bad, noName}
	srv := directoryServer(t, &records)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Snapshot().Len() != 1 {
		t.Fatalf("expected a partial snapshot of 1, got %d", c.Snapshot().Len())
	}
}

func TestRefreshFailureRetainsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	records := []map[string]string{record(idPolice, "Police")}
	srv := directoryServer(t, &records)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	srv.Close()

	c.retries = 0
	if _, err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error after server shutdown")
	}
	if _, ok := c.Lookup(idPolice); !ok {
		t.Fatal("expected previous snapshot to be retained")
	}
}

func TestDiffReconciliationLaw(t *testing.T) {
	t.Parallel()

	records := []map[string]string{record(idPolice, "Police"), record(idTax, "Tax office")}
	srv := directoryServer(t, &records)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	old := c.Snapshot()

	records = []map[string]string{record(idPolice, "Police"), record("0b7ad9de-46d1-4f5a-9d17-5fa255b48432", "Library")}
	diff, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// added and removed must be disjoint
	removed := map[string]bool{}
	for _, r := range diff.Removed {
		removed[r.ID] = true
	}
	for _, a := range diff.Added {
		if removed[a.ID] {
			t.Fatalf("id %s present in both added and removed", a.ID)
		}
	}

	// old ∪ added \ removed = new
	expect := map[string]bool{}
	for _, r := range old.Records {
		expect[r.ID] = true
	}
	for _, r := range diff.Added {
		expect[r.ID] = true
	}
	for _, r := range diff.Removed {
		delete(expect, r.ID)
	}
	next := c.Snapshot()
	if len(expect) != next.Len() {
		t.Fatalf("reconciliation mismatch: expected %d ids, snapshot has %d", len(expect), next.Len())
	}
	for id := range expect {
		if _, ok := next.Lookup(id); !ok {
			t.Fatalf("reconciled id %s missing from snapshot", id)
		}
	}
}

func TestSubscribersNotifiedOnChangeOnly(t *testing.T) {
	t.Parallel()

	records := []map[string]string{record(idPolice, "Police")}
	srv := directoryServer(t, &records)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	var mu sync.Mutex
	var got []models.DirectoryDiff
	c.Subscribe(func(d models.DirectoryDiff) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// identical content: no notification
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one diff notification, got %d", len(got))
	}
	if len(got[0].Added) != 1 || got[0].Added[0].ID != idPolice {
		t.Fatalf("unexpected diff payload: %+v", got[0])
	}
}
