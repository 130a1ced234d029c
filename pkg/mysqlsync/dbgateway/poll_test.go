package dbgateway

import (
	"context"
	"database/sql"
	"testing"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/model"
)

func TestPollOneChange_EmitsLocalChangeWithCurrentRow(t *testing.T) {
	g, mock := newTestGateway(t, []string{"users"}, nil)
	g.cachePrimaryKey("users", "id")

	mock.ExpectQuery("SELECT id, table_name, primary_key FROM table_changes").
		WillReturnRows(mock.NewRows([]string{"id", "table_name", "primary_key"}).
			AddRow(int64(1), "users", "42"))
	mock.ExpectExec("DELETE FROM table_changes WHERE id = \\?").
		WithArgs(int64(1)).
		WillReturnResult(mock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE `id` = \\?").
		WithArgs("42").
		WillReturnRows(mock.NewRows([]string{"id", "name"}).AddRow("42", "ann"))

	var got model.LocalChange
	g.hub.On(hub.LocalChange, func(ctx context.Context, payload interface{}) error {
		got = payload.(model.LocalChange)
		return nil
	})

	if err := g.pollOneChange(context.Background()); err != nil {
		t.Fatalf("pollOneChange: %v", err)
	}
	if got.Table != "users" || got.ID != "42" {
		t.Fatalf("expected local-change for users/42, got %+v", got)
	}
	if got.Entity["name"] != "ann" {
		t.Errorf("expected fetched entity, got %+v", got.Entity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollOneChange_EmitsDeleteWhenRowGone(t *testing.T) {
	g, mock := newTestGateway(t, []string{"users"}, nil)
	g.cachePrimaryKey("users", "id")

	mock.ExpectQuery("SELECT id, table_name, primary_key FROM table_changes").
		WillReturnRows(mock.NewRows([]string{"id", "table_name", "primary_key"}).
			AddRow(int64(2), "users", "99"))
	mock.ExpectExec("DELETE FROM table_changes WHERE id = \\?").
		WithArgs(int64(2)).
		WillReturnResult(mock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE `id` = \\?").
		WithArgs("99").
		WillReturnRows(mock.NewRows([]string{"id", "name"}))

	var got model.LocalChange
	g.hub.On(hub.LocalChange, func(ctx context.Context, payload interface{}) error {
		got = payload.(model.LocalChange)
		return nil
	})

	if err := g.pollOneChange(context.Background()); err != nil {
		t.Fatalf("pollOneChange: %v", err)
	}
	if got.Entity != nil {
		t.Errorf("expected nil entity for a deleted row, got %+v", got.Entity)
	}
}

func TestPollOneChange_NoopWhenEmpty(t *testing.T) {
	g, mock := newTestGateway(t, []string{"users"}, nil)

	mock.ExpectQuery("SELECT id, table_name, primary_key FROM table_changes").
		WillReturnError(sql.ErrNoRows)

	if err := g.pollOneChange(context.Background()); err != nil {
		t.Fatalf("pollOneChange: %v", err)
	}
}
