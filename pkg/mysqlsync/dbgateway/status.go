package dbgateway

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

// onRemoteStatusChange is the hub listener for "remote-status-change"
// (§4.E), emitted by the Bus Gateway when a peer reports a data_received
// or error outcome for a change this node sent.
func (g *Gateway) onRemoteStatusChange(ctx context.Context, payload interface{}) error {
	status, ok := payload.(model.StatusChange)
	if !ok {
		return errors.Errorf("dbgateway: unexpected remote-status-change payload %T", payload)
	}
	return g.applyStatus(ctx, status)
}

// applyStatus implements §4.B "Status apply": last-writer-wins by
// date, keyed by md5(table-id-sender).
func (g *Gateway) applyStatus(ctx context.Context, status model.StatusChange) error {
	if !g.IsConnected() {
		return g.dbq.Push(queuedItem{Kind: kindStatus, Status: &status})
	}

	db, err := g.conn()
	if err != nil {
		return g.dbq.Push(queuedItem{Kind: kindStatus, Status: &status})
	}

	statusID := model.StatusID(status.Table, status.ID, status.Sender)

	var existingDate int64
	err = db.GetContext(ctx, &existingDate, "SELECT UNIX_TIMESTAMP(date) * 1000 FROM sync_status WHERE id = ?", statusID)
	switch {
	case err == nil:
		if existingDate >= status.Date {
			return nil // stored.date >= incoming.date: drop (§3 invariant)
		}
		_, err = db.ExecContext(ctx,
			"UPDATE sync_status SET date = FROM_UNIXTIME(? / 1000), status = ?, message = ? WHERE id = ?",
			status.Date, status.Status, nullableMessage(status.Message), statusID)
		return errors.Wrap(err, "dbgateway: updating sync_status")
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = db.ExecContext(ctx,
			`INSERT INTO sync_status (id, table_name, primary_key, remote, date, status, message)
			 VALUES (?, ?, ?, ?, FROM_UNIXTIME(? / 1000), ?, ?)`,
			statusID, status.Table, status.ID, status.Sender, status.Date, status.Status, nullableMessage(status.Message))
		return errors.Wrap(err, "dbgateway: inserting sync_status")
	default:
		return errors.Wrap(err, "dbgateway: reading sync_status")
	}
}

func nullableMessage(message string) interface{} {
	if message == "" {
		return nil
	}
	return message
}
