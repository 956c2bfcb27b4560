package testsupport

import (
	"testing"

	"talkingheads/internal/config"
	"talkingheads/internal/store"
)

// MustOpenStore opens the run ledger for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	ledger, err := store.OpenFromConfig(cfg)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() {
		_ = ledger.Close()
	})
	return ledger
}
