package dbgateway

import (
	"context"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

// Query implements transform.Querier: the read-only local-database
// access a transformer's Context exposes (§4.D).
func (g *Gateway) Query(ctx context.Context, query string, args ...interface{}) ([]model.Row, error) {
	db, err := g.conn()
	if err != nil {
		return nil, errors.Wrap(err, "dbgateway: query while disconnected")
	}

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "dbgateway: query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []model.Row
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		row := make(model.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
