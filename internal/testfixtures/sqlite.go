package testfixtures

import (
	"path/filepath"
	"testing"

	"github.com/example/assembly-panel/internal/audit/sqlite"
)

// NewAuditStore opens an audit store backed by a temporary SQLite file. The
// store is closed automatically when the test finishes.
func NewAuditStore(tb testing.TB) *sqlite.Store {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "audit.db")
	store, err := sqlite.Open(path)
	if err != nil {
		tb.Fatalf("failed to open audit store: %v", err)
	}
	tb.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
