package testsupport

import (
	"context"
	"testing"

	"shmq/internal/config"
	"shmq/internal/texstore"
)

// MustOpenStore opens the configured texture store and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) texstore.Store {
	t.Helper()

	store, err := texstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("texstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
