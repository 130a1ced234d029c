package dbgateway

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const createTableChanges = `
CREATE TABLE IF NOT EXISTS table_changes(
  id INT AUTO_INCREMENT PRIMARY KEY,
  table_name VARCHAR(255) NOT NULL,
  primary_key VARCHAR(255) NOT NULL,
  date DATETIME NOT NULL
)`

const createSyncStatus = `
CREATE TABLE IF NOT EXISTS sync_status(
  id VARCHAR(32) PRIMARY KEY,
  table_name VARCHAR(255) NOT NULL,
  primary_key VARCHAR(255) NOT NULL,
  remote VARCHAR(32) NOT NULL,
  date DATETIME NOT NULL,
  status ENUM('successful','pending','error') NOT NULL,
  message VARCHAR(255) NULL
)`

const triggerNamePrefix = "mysqlSync"

// setupDatabase idempotently creates the change-log and status tables,
// drops every pre-existing mysqlSync* trigger and reinstalls one
// insert/update/delete trigger per sync table (§4.B "Setup"). Treated
// as owner-serialized per §9's open question: no transaction wraps
// this, matching the source.
func (g *Gateway) setupDatabase(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, createTableChanges); err != nil {
		return errors.Wrap(err, "dbgateway: create table_changes")
	}
	if _, err := db.ExecContext(ctx, createSyncStatus); err != nil {
		return errors.Wrap(err, "dbgateway: create sync_status")
	}

	if err := dropExistingTriggers(ctx, db); err != nil {
		return err
	}

	for table := range g.sync {
		pk, err := resolvePrimaryKeyWith(ctx, db, g.cfg.Database, table)
		if err != nil {
			return errors.Wrapf(err, "dbgateway: resolving primary key for %s", table)
		}
		g.cachePrimaryKey(table, pk)
		if err := installTriggers(ctx, db, table, pk); err != nil {
			return errors.Wrapf(err, "dbgateway: installing triggers for %s", table)
		}
	}
	return nil
}

func dropExistingTriggers(ctx context.Context, db *sqlx.DB) error {
	var names []string
	query := `SELECT TRIGGER_NAME FROM information_schema.TRIGGERS
	          WHERE TRIGGER_SCHEMA = DATABASE() AND TRIGGER_NAME LIKE ?`
	if err := db.SelectContext(ctx, &names, query, triggerNamePrefix+"%"); err != nil {
		return errors.Wrap(err, "dbgateway: enumerating triggers")
	}
	for _, name := range names {
		stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS `%s`", name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "dbgateway: dropping trigger %s", name)
		}
	}
	return nil
}

// trigger kinds and their SQL action, matching the naming scheme in
// §4.B: mysqlSyncUpdate_<t>, mysqlSyncInsert_<t>, mysqlSyncDelete_<t>.
var triggerKinds = []struct {
	name   string
	event  string
	source string // NEW or OLD, depending on which row version exists for the event
}{
	{"Update", "UPDATE", "NEW"},
	{"Insert", "INSERT", "NEW"},
	{"Delete", "DELETE", "OLD"},
}

func installTriggers(ctx context.Context, db *sqlx.DB, table, pk string) error {
	for _, kind := range triggerKinds {
		triggerName := fmt.Sprintf("%s%s_%s", triggerNamePrefix, kind.name, table)
		stmt := fmt.Sprintf(
			"CREATE TRIGGER `%s` AFTER %s ON `%s` FOR EACH ROW "+
				"INSERT INTO table_changes(table_name, primary_key, date) VALUES ('%s', %s.`%s`, NOW())",
			triggerName, kind.event, table, table, kind.source, pk,
		)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "dbgateway: creating trigger %s", triggerName)
		}
	}
	return nil
}

// resolvePrimaryKey resolves (and caches) the primary-key column for
// table. The schema is considered stable for the process lifetime
// (§3 "Primary-key cache"): once resolved, a table's primary key is
// never re-queried.
func (g *Gateway) resolvePrimaryKey(ctx context.Context, db *sqlx.DB, table string) (string, error) {
	if pk, ok := g.cachedPrimaryKey(table); ok {
		return pk, nil
	}
	pk, err := resolvePrimaryKeyWith(ctx, db, g.cfg.Database, table)
	if err != nil {
		return "", err
	}
	g.cachePrimaryKey(table, pk)
	return pk, nil
}

func resolvePrimaryKeyWith(ctx context.Context, db *sqlx.DB, schema, table string) (string, error) {
	var column string
	query := `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
	          WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
	          ORDER BY ORDINAL_POSITION LIMIT 1`
	if err := db.GetContext(ctx, &column, query, schema, table); err != nil {
		return "", errors.Wrapf(err, "no primary key found for table %s", table)
	}
	return column, nil
}

func (g *Gateway) cachedPrimaryKey(table string) (string, bool) {
	g.pkMutex.Lock()
	defer g.pkMutex.Unlock()
	pk, ok := g.pkCache[table]
	return pk, ok
}

func (g *Gateway) cachePrimaryKey(table, pk string) {
	g.pkMutex.Lock()
	defer g.pkMutex.Unlock()
	g.pkCache[table] = pk
}
