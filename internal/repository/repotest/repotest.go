// Package repotest provides an isolated in-memory store for tests.
package repotest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/lvonguyen/threatpulse/internal/repository"
)

// NewStore opens a migrated, private in-memory SQLite store that is closed
// when the test ends.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()

	cfg := repository.DefaultConfig()
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg.LogLevel = "silent"

	store, err := repository.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
