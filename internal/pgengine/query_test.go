package pgengine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/store"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	dir := t.TempDir()
	e := New(Deps{
		Profiles: store.NewProfileStore(dir),
		Projects: store.NewProjectStore(dir),
	})
	db := sqlx.NewDb(rawDB, "postgres")
	e.db = func(ctx context.Context, args map[string]interface{}) (*sqlx.DB, error) {
		return db, nil
	}
	return e, mock
}

func TestQueryRowsModeWithTypedDecoding(t *testing.T) {
	e, mock := newMockEngine(t)

	created := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "name", "active", "meta", "created_at"}).
		AddRow(int64(1), "alpha", true, []byte(`{"tier":"gold"}`), created)
	mock.ExpectQuery("SELECT * FROM users WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	raw, err := e.Query(context.Background(), map[string]interface{}{
		"sql":    "SELECT * FROM users WHERE id = $1",
		"params": []interface{}{float64(1)},
	})
	require.NoError(t, err)

	result := raw.(map[string]interface{})
	assert.Equal(t, "SELECT", result["command"])
	assert.Equal(t, 1, result["rowCount"])
	decoded := result["rows"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, int64(1), decoded["id"])
	assert.Equal(t, "alpha", decoded["name"])
	assert.Equal(t, true, decoded["active"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryValueAndRowModes(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery("SELECT count(*) AS count FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	raw, err := e.Query(context.Background(), map[string]interface{}{
		"sql":  "SELECT count(*) AS count FROM t",
		"mode": "value",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), raw.(map[string]interface{})["value"])

	mock.ExpectQuery("SELECT * FROM t LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"x"}))
	raw, err = e.Query(context.Background(), map[string]interface{}{
		"sql":  "SELECT * FROM t LIMIT 1",
		"mode": "row",
	})
	require.NoError(t, err)
	assert.Nil(t, raw.(map[string]interface{})["row"])
}

func TestQueryCommandMode(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectExec("UPDATE t SET x = 1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	raw, err := e.Query(context.Background(), map[string]interface{}{
		"sql":  "UPDATE t SET x = 1",
		"mode": "command",
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, "UPDATE", result["command"])
	assert.Equal(t, int64(3), result["rowCount"])
}

func TestInsertComposition(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectExec(`INSERT INTO "users" ("age", "name") VALUES ($1, $2)`).
		WithArgs(int64(30), "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))

	raw, err := e.Insert(context.Background(), map[string]interface{}{
		"table": "users",
		"row":   map[string]interface{}{"name": "bob", "age": float64(30)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), raw.(map[string]interface{})["rowCount"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWithReturning(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery(`UPDATE "users" SET "name" = $1 WHERE "id" = $2 RETURNING "id"`).
		WithArgs("carol", int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	raw, err := e.Update(context.Background(), map[string]interface{}{
		"table":     "users",
		"set":       map[string]interface{}{"name": "carol"},
		"filters":   map[string]interface{}{"id": float64(9)},
		"returning": []interface{}{"id"},
	})
	require.NoError(t, err)
	rows := raw.(map[string]interface{})["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, int64(9), rows[0].(map[string]interface{})["id"])
}

func TestDeleteRequiresFilter(t *testing.T) {
	e, _ := newMockEngine(t)
	_, err := e.Delete(context.Background(), map[string]interface{}{"table": "users"})
	assert.Error(t, err)
}

func TestSelectComposition(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery(`SELECT "id", "name" FROM "users" WHERE "org" = $1 ORDER BY "id" DESC LIMIT 5 OFFSET 10`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "a"))

	raw, err := e.Select(context.Background(), map[string]interface{}{
		"table":    "users",
		"columns":  []interface{}{"id", "name"},
		"filters":  map[string]interface{}{"org": "acme"},
		"order_by": "id",
		"order":    "desc",
		"limit":    float64(5),
		"offset":   float64(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, raw.(map[string]interface{})["rowCount"])
}

func TestExistsComposition(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery(`SELECT EXISTS(SELECT 1 FROM "users" WHERE "id" = $1) AS exists`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	raw, err := e.Exists(context.Background(), map[string]interface{}{
		"table":   "users",
		"filters": map[string]interface{}{"id": float64(4)},
	})
	require.NoError(t, err)
	assert.Equal(t, true, raw.(map[string]interface{})["value"])
}

func TestInsertBulkChunksAndReturning(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery(`INSERT INTO "t" ("a") VALUES ($1), ($2) RETURNING *`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"a"}).AddRow(int64(1)).AddRow(int64(2)))

	raw, err := e.InsertBulk(context.Background(), map[string]interface{}{
		"table": "t",
		"rows": []interface{}{
			map[string]interface{}{"a": float64(1)},
			map[string]interface{}{"a": float64(2)},
		},
		"returning": true,
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, 1, result["batches"])
	assert.Len(t, result["rows"].([]interface{}), 2)
}

func TestExportJSONL(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery("SELECT * FROM (SELECT id FROM t) AS export_page LIMIT 2 OFFSET 0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery("SELECT * FROM (SELECT id FROM t) AS export_page LIMIT 2 OFFSET 2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	dest := t.TempDir() + "/out.jsonl"
	raw, err := e.Export(context.Background(), map[string]interface{}{
		"sql":        "SELECT id FROM t",
		"path":       dest,
		"format":     "jsonl",
		"batch_size": float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), raw.(map[string]interface{})["rows"])

	data := readFile(t, dest)
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n", data)
}

func TestExportCSVHeaderAndDelimiter(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectQuery("SELECT * FROM (SELECT id, name FROM t) AS export_page LIMIT 1000 OFFSET 0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "a;b"))

	dest := t.TempDir() + "/out.csv"
	_, err := e.Export(context.Background(), map[string]interface{}{
		"sql":           "SELECT id, name FROM t",
		"path":          dest,
		"format":        "csv",
		"csv_delimiter": ";",
	})
	require.NoError(t, err)

	data := readFile(t, dest)
	assert.Equal(t, "id;name\n1;\"a;b\"\n", data)
}
