// Package dbgateway implements the Database Gateway (§4.B): trigger
// installation, change-log polling, row apply, and sync_status
// maintenance. It generalizes go-mcast's commit/apply idiom
// (core/deliver.go's Deliver.Commit, types/state_machine.go's
// InMemoryStateMachine.Commit) from an in-memory keyed store to a real
// MySQL connection managed through sqlx, grounded on the wiring shown
// in Icinga-icinga-go-library's database/db.go.
package dbgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/config"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/metrics"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
)

// queueItemKind discriminates the two payload shapes parked in the
// "database" durable queue while the gateway is disconnected (§4.B
// "Apply"/"Status apply").
type queueItemKind string

const (
	kindChange queueItemKind = "change"
	kindStatus queueItemKind = "status"
)

type queuedItem struct {
	Kind   queueItemKind      `json:"kind"`
	Change *model.Change      `json:"change,omitempty"`
	Status *model.StatusChange `json:"status,omitempty"`
}

// Gateway owns the exclusive connection to the local database.
type Gateway struct {
	cfg  config.MySQLConfig
	sync map[string]struct{}
	bidi map[string]struct{}
	hub      *hub.Hub
	log      logging.Logger
	dbq      *queue.Queue
	recorder metrics.Recorder

	mutex     sync.Mutex
	db        *sqlx.DB
	connected bool

	pkMutex sync.Mutex
	pkCache map[string]string

	backoffAttempt int
	nextAttempt    time.Time
	checkInterval  time.Duration
}

// New constructs a disconnected Gateway and registers its hub
// listeners. Tick must be called periodically to drive connection
// and polling (§5).
func New(cfg *config.Config, h *hub.Hub, log logging.Logger, dbq *queue.Queue) *Gateway {
	g := &Gateway{
		cfg:           cfg.MySQL,
		sync:          cfg.SyncTableSet(),
		bidi:          cfg.BidirectionalTables(),
		hub:           h,
		log:           log.With(logging.Fields{"component": "dbgateway"}),
		dbq:           dbq,
		recorder:      metrics.Noop(),
		pkCache:       make(map[string]string),
		checkInterval: time.Duration(cfg.CheckIntervalMillis) * time.Millisecond,
	}
	h.On(hub.LocalSaveChange, g.onLocalSaveChange)
	h.On(hub.RemoteStatusChange, g.onRemoteStatusChange)
	h.On(hub.DatabaseConnect, g.onDatabaseConnect)
	return g
}

// SetRecorder attaches a metrics.Recorder. Optional: a Gateway built
// via New already has a noop recorder.
func (g *Gateway) SetRecorder(r metrics.Recorder) {
	g.recorder = r
}

func (g *Gateway) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		g.cfg.User, g.cfg.Password, g.cfg.Host, g.cfg.Port, g.cfg.Database)
}

// IsConnected reports the gateway's last known connectivity state.
func (g *Gateway) IsConnected() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.connected
}

// Tick verifies connectivity, (re)connects and runs setup if needed,
// then polls exactly one change-log row (§4.B "Lifecycle",
// "Change polling").
func (g *Gateway) Tick(ctx context.Context) error {
	g.recorder.SetQueueDepth("database", float64(g.dbq.Len()))
	if err := g.ensureConnection(ctx); err != nil {
		return nil // already reported via database-error below
	}
	return g.pollOneChange(ctx)
}

func (g *Gateway) ensureConnection(ctx context.Context) error {
	g.mutex.Lock()
	wasConnected := g.connected
	db := g.db
	g.mutex.Unlock()

	if wasConnected {
		_, err := db.ExecContext(ctx, "SELECT 'connected'")
		if err == nil {
			return nil
		}
		g.setConnected(false)
		g.reportError(ctx, errors.Wrap(err, "dbgateway: lost connection"))
		return err
	}

	if time.Now().Before(g.nextAttempt) {
		return errNotYetDue
	}

	newDB, err := sqlx.ConnectContext(ctx, "mysql", g.dsn())
	if err != nil {
		g.scheduleBackoff()
		g.reportError(ctx, errors.Wrap(err, "dbgateway: connect"))
		return err
	}

	if err := g.setupDatabase(ctx, newDB); err != nil {
		newDB.Close()
		g.scheduleBackoff()
		g.reportError(ctx, errors.Wrap(err, "dbgateway: setup"))
		return err
	}

	g.mutex.Lock()
	g.db = newDB
	g.connected = true
	g.mutex.Unlock()
	g.backoffAttempt = 0

	if err := g.hub.Emit(ctx, hub.DatabaseConnect, nil); err != nil {
		return err
	}
	return nil
}

// errNotYetDue signals the reconnect backoff window hasn't elapsed;
// Tick treats it the same as any other skip-this-tick condition.
var errNotYetDue = errors.New("dbgateway: reconnect backoff not yet due")

// scheduleBackoff applies the exponential backoff described in
// SPEC_FULL.md §3 ("Connection backoff"), capped at 8x the tick
// interval so an operator restarting the database is noticed quickly.
func (g *Gateway) scheduleBackoff() {
	g.backoffAttempt++
	multiplier := 8
	if g.backoffAttempt < 3 {
		multiplier = 1 << uint(g.backoffAttempt)
	}
	g.nextAttempt = time.Now().Add(time.Duration(multiplier) * g.checkInterval)
}

func (g *Gateway) setConnected(v bool) {
	g.mutex.Lock()
	g.connected = v
	g.mutex.Unlock()
}

func (g *Gateway) reportError(ctx context.Context, err error) {
	g.log.Errorf("%v", err)
	_ = g.hub.Emit(ctx, hub.DatabaseError, err)
}

// conn returns the live *sqlx.DB, or an error if disconnected.
func (g *Gateway) conn() (*sqlx.DB, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if !g.connected || g.db == nil {
		return nil, errors.New("dbgateway: not connected")
	}
	return g.db, nil
}

func (g *Gateway) onDatabaseConnect(ctx context.Context, _ interface{}) error {
	return g.drainQueue(ctx)
}

// drainQueue replays the "database" queue (§4.B "Queue drain") until
// it's empty or the gateway disconnects again.
func (g *Gateway) drainQueue(ctx context.Context) error {
	for {
		if !g.IsConnected() {
			return nil
		}
		raw, ok, err := g.dbq.Poll()
		if err != nil {
			return errors.Wrap(err, "dbgateway: polling database queue")
		}
		if !ok {
			return nil
		}
		var item queuedItem
		if err := json.Unmarshal(raw, &item); err != nil {
			g.log.Errorf("dbgateway: dropping malformed queued item: %v", err)
			continue
		}
		switch item.Kind {
		case kindChange:
			if item.Change != nil {
				if err := g.applyChange(ctx, *item.Change); err != nil {
					g.log.Errorf("dbgateway: replaying queued change: %v", err)
				}
			}
		case kindStatus:
			if item.Status != nil {
				if err := g.applyStatus(ctx, *item.Status); err != nil {
					g.log.Errorf("dbgateway: replaying queued status: %v", err)
				}
			}
		}
	}
}

