package pgengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdent(t *testing.T) {
	q, err := QuoteIdent("users")
	require.NoError(t, err)
	assert.Equal(t, `"users"`, q)

	q, err = QuoteIdent("public.users")
	require.NoError(t, err)
	assert.Equal(t, `"public"."users"`, q)

	_, err = QuoteIdent(`evil"ident`)
	assert.Error(t, err)
	_, err = QuoteIdent("")
	assert.Error(t, err)
	_, err = QuoteIdent("a..b")
	assert.Error(t, err)
}

func TestBuildWhereFilters(t *testing.T) {
	where, err := buildWhere(map[string]interface{}{
		"filters": map[string]interface{}{
			"status": "active",
			"org_id": float64(7),
			"tag":    []interface{}{"a", "b"},
			"gone":   nil,
		},
	}, 1)
	require.NoError(t, err)

	// columns render in sorted order: gone, org_id, status, tag
	assert.Equal(t, `"gone" IS NULL AND "org_id" = $1 AND "status" = $2 AND "tag" IN ($3, $4)`, where.SQL)
	assert.Equal(t, []interface{}{int64(7), "active", "a", "b"}, where.Params)
}

func TestBuildWhereRawSQL(t *testing.T) {
	where, err := buildWhere(map[string]interface{}{
		"where_sql":    "created_at > $1",
		"where_params": []interface{}{"2026-01-01"},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "created_at > $1", where.SQL)
	assert.Equal(t, []interface{}{"2026-01-01"}, where.Params)
}

func TestBuildWhereEmpty(t *testing.T) {
	where, err := buildWhere(map[string]interface{}{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "", where.SQL)
}

func TestBindParams(t *testing.T) {
	params, err := bindParams([]interface{}{
		nil, true, float64(42), float64(4.5), "text",
		map[string]interface{}{"k": "v"},
		[]interface{}{float64(1)},
	})
	require.NoError(t, err)
	assert.Nil(t, params[0])
	assert.Equal(t, true, params[1])
	assert.Equal(t, int64(42), params[2])
	assert.Equal(t, 4.5, params[3])
	assert.Equal(t, "text", params[4])
	assert.JSONEq(t, `{"k":"v"}`, params[5].(string))
	assert.JSONEq(t, `[1]`, params[6].(string))

	_, err = bindParams("not-an-array")
	assert.Error(t, err)
}

func TestChunkRows(t *testing.T) {
	// 3 columns -> 21845 rows per chunk
	sizes := chunkRows(50000, 3)
	assert.Equal(t, []int{21845, 21845, 6310}, sizes)
	total := 0
	for _, s := range sizes {
		total += s
		assert.LessOrEqual(t, s*3, maxBindParams)
	}
	assert.Equal(t, 50000, total)

	assert.Equal(t, []int{10}, chunkRows(10, 100))
	assert.Nil(t, chunkRows(10, 0))
}

func TestCommandTag(t *testing.T) {
	assert.Equal(t, "SELECT", commandTag("select * from x"))
	assert.Equal(t, "INSERT", commandTag("  INSERT INTO y VALUES (1)"))
	assert.Equal(t, "VACUUM", commandTag("VACUUM"))
}
