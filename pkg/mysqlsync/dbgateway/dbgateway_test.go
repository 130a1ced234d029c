package dbgateway

import (
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/metrics"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

// newTestGateway builds a connected Gateway backed by a sqlmock
// connection, bypassing ensureConnection's real dial.
func newTestGateway(t *testing.T, syncTables, bidiTables []string) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "mysql")

	dbq, err := queue.Open(filepath.Join(t.TempDir(), "database.json"), logging.Noop())
	if err != nil {
		t.Fatalf("open dbq: %v", err)
	}

	g := &Gateway{
		sync:     toSet(syncTables),
		bidi:     toSet(bidiTables),
		hub:      hub.New(logging.Noop()),
		log:      logging.Noop(),
		dbq:      dbq,
		recorder: metrics.Noop(),
		pkCache:  make(map[string]string),
	}
	g.db = db
	g.connected = true

	return g, mock
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
