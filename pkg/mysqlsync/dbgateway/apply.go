package dbgateway

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

// changeLogRow mirrors one row of table_changes (§3).
type changeLogRow struct {
	ID         int64  `db:"id"`
	TableName  string `db:"table_name"`
	PrimaryKey string `db:"primary_key"`
}

// pollOneChange polls, deletes and republishes a single change-log
// row per tick (§4.B "Change polling").
func (g *Gateway) pollOneChange(ctx context.Context) error {
	db, err := g.conn()
	if err != nil {
		return nil
	}

	var row changeLogRow
	query := `SELECT id, table_name, primary_key FROM table_changes ORDER BY date ASC LIMIT 1`
	if err := db.GetContext(ctx, &row, query); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return errors.Wrap(err, "dbgateway: polling table_changes")
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM table_changes WHERE id = ?", row.ID); err != nil {
		return errors.Wrap(err, "dbgateway: deleting polled change-log row")
	}

	entity, err := g.fetchEntity(ctx, db, row.TableName, row.PrimaryKey)
	if err != nil {
		return errors.Wrapf(err, "dbgateway: fetching %s/%s", row.TableName, row.PrimaryKey)
	}

	g.recorder.IncChangesCaptured()
	payload := model.LocalChange{
		Table:  row.TableName,
		ID:     row.PrimaryKey,
		Entity: entity,
	}
	return g.hub.Emit(ctx, hub.LocalChange, payload)
}

// fetchEntity loads the current row by primary key, or nil if the row
// no longer exists (a delete).
func (g *Gateway) fetchEntity(ctx context.Context, db *sqlx.DB, table, id string) (model.Row, error) {
	pk, err := g.resolvePrimaryKey(ctx, db, table)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM `%s` WHERE `%s` = ?", table, pk), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	entity, err := rows.SliceScan()
	if err != nil {
		return nil, err
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	row := make(model.Row, len(columns))
	for i, col := range columns {
		row[col] = entity[i]
	}
	return row, nil
}

// onLocalSaveChange is the hub listener for "local-save-change"
// (§4.E): the Transformer Stage hands back a Change ready to apply.
func (g *Gateway) onLocalSaveChange(ctx context.Context, payload interface{}) error {
	change, ok := payload.(model.Change)
	if !ok {
		return errors.Errorf("dbgateway: unexpected local-save-change payload %T", payload)
	}
	return g.applyChange(ctx, change)
}

// applyChange implements §4.B "Apply".
func (g *Gateway) applyChange(ctx context.Context, change model.Change) error {
	if !g.IsConnected() {
		if err := g.dbq.Push(queuedItem{Kind: kindChange, Change: &change}); err != nil {
			return errors.Wrap(err, "dbgateway: queuing change while disconnected")
		}
		return g.fail(ctx, change, "Could not connect to database")
	}

	db, err := g.conn()
	if err != nil {
		return g.fail(ctx, change, "Could not connect to database")
	}

	pk, err := g.resolvePrimaryKey(ctx, db, change.Table)
	if err != nil {
		return g.fail(ctx, change, err.Error())
	}

	if change.Entity != nil {
		if entityID, ok := change.Entity[pk]; ok && fmt.Sprint(entityID) != change.ID {
			return g.fail(ctx, change, "Sent id does not match entity id!")
		}
	}

	if err := g.upsertOrDelete(ctx, db, change, pk); err != nil {
		return g.fail(ctx, change, err.Error())
	}

	if _, bidirectional := g.bidi[change.Table]; bidirectional {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM table_changes WHERE table_name = ? AND primary_key = ?",
			change.Table, change.ID); err != nil {
			return g.fail(ctx, change, err.Error())
		}
		echo := model.LocalChange{
			Table:  change.Table,
			ID:     change.ID,
			Entity: change.Entity,
			Except: change.Sender,
		}
		if err := g.hub.Emit(ctx, hub.LocalChange, echo); err != nil {
			return err
		}
	}

	g.recorder.IncChangesApplied()
	return g.hub.Emit(ctx, hub.LocalSaveSuccessful, model.ChangeInfo{
		OriginalSender: change.Sender,
		Table:          change.Table,
		ID:             change.ID,
		Date:           change.Date,
	})
}

func (g *Gateway) upsertOrDelete(ctx context.Context, db *sqlx.DB, change model.Change, pk string) error {
	if change.Entity == nil {
		_, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE `%s` = ?", change.Table, pk), change.ID)
		return err
	}

	var count int
	if err := db.GetContext(ctx, &count,
		fmt.Sprintf("SELECT COUNT(*) FROM `%s` WHERE `%s` = ?", change.Table, pk), change.ID); err != nil {
		return err
	}

	columns := make([]string, 0, len(change.Entity))
	for col := range change.Entity {
		columns = append(columns, col)
	}

	if count == 0 {
		placeholders := make([]string, len(columns))
		args := make([]interface{}, len(columns))
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = fmt.Sprintf("`%s`", col)
			placeholders[i] = "?"
			args[i] = change.Entity[col]
		}
		stmt := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
			change.Table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		_, err := db.ExecContext(ctx, stmt, args...)
		return err
	}

	assignments := make([]string, 0, len(columns))
	args := make([]interface{}, 0, len(columns)+1)
	for _, col := range columns {
		assignments = append(assignments, fmt.Sprintf("`%s` = ?", col))
		args = append(args, change.Entity[col])
	}
	args = append(args, change.ID)
	stmt := fmt.Sprintf("UPDATE `%s` SET %s WHERE `%s` = ?", change.Table, strings.Join(assignments, ", "), pk)
	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

// fail converts an apply failure into the "local-save-failed" event
// per §4.B's final rule: "Any thrown exception converts to
// local-save-failed with the exception's message."
func (g *Gateway) fail(ctx context.Context, change model.Change, message string) error {
	g.log.Warnf("apply failed for %s/%s: %s", change.Table, change.ID, message)
	g.recorder.IncChangesFailed()
	return g.hub.Emit(ctx, hub.LocalSaveFailed, model.ChangeError{
		OriginalSender: change.Sender,
		Table:          change.Table,
		ID:             change.ID,
		Date:           change.Date,
		Message:        message,
	})
}

