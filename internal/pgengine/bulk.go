package pgengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// maxBindParams is the Postgres wire-protocol parameter ceiling per
// statement.
const maxBindParams = 65535

// chunkRows splits rows so columns*len(chunk) never exceeds the parameter
// ceiling.
func chunkRows(rowCount, columns int) []int {
	if columns <= 0 {
		return nil
	}
	perChunk := maxBindParams / columns
	if perChunk < 1 {
		perChunk = 1
	}
	var sizes []int
	for remaining := rowCount; remaining > 0; {
		n := perChunk
		if remaining < n {
			n = remaining
		}
		sizes = append(sizes, n)
		remaining -= n
	}
	return sizes
}

// InsertBulk inserts many rows via multi-row VALUES batches, accumulating
// RETURNING rows across chunks.
func (e *Engine) InsertBulk(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	rawRows, ok := validation.OptArr(args, "rows")
	if !ok || len(rawRows) == 0 {
		return nil, errors.InvalidParams("rows must be a non-empty array")
	}

	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	// column set comes from the first row; every row must match
	first, ok := validation.AsObj(rawRows[0])
	if !ok {
		return nil, errors.InvalidParams("rows[0] must be an object")
	}
	cols := sortedColumns(first)
	quotedCols := make([]string, len(cols))
	for i, col := range cols {
		q, err := QuoteIdent(col)
		if err != nil {
			return nil, err
		}
		quotedCols[i] = q
	}

	rows := make([][]interface{}, len(rawRows))
	for i, raw := range rawRows {
		row, ok := validation.AsObj(raw)
		if !ok {
			return nil, errors.InvalidParams("rows[%d] must be an object", i)
		}
		values := make([]interface{}, len(cols))
		for j, col := range cols {
			v, present := row[col]
			if !present {
				return nil, errors.InvalidParams("rows[%d] lacks column %q", i, col)
			}
			values[j] = v
		}
		bound, err := bindParams(values)
		if err != nil {
			return nil, err
		}
		rows[i] = bound
	}

	returningSQL, returningMode, err := withReturning("", args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	inserted := int64(0)
	var returned []interface{}

	offset := 0
	for _, size := range chunkRows(len(rows), len(cols)) {
		chunk := rows[offset : offset+size]
		offset += size

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ident, strings.Join(quotedCols, ", "))
		params := make([]interface{}, 0, size*len(cols))
		n := 1
		for i, row := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j := range cols {
				if j > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "$%d", n)
				n++
			}
			b.WriteByte(')')
			params = append(params, row...)
		}
		b.WriteString(returningSQL)

		raw, err := e.Query(ctx, queryArgs(args, b.String(), params, returningMode))
		if err != nil {
			return nil, err
		}
		result := raw.(map[string]interface{})
		switch count := result["rowCount"].(type) {
		case int64:
			inserted += count
		case int:
			inserted += int64(count)
		}
		if chunkRows, ok := result["rows"].([]interface{}); ok {
			returned = append(returned, chunkRows...)
		}
	}

	out := map[string]interface{}{
		"success":     true,
		"command":     "INSERT",
		"rowCount":    inserted,
		"batches":     len(chunkRows(len(rows), len(cols))),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if returningMode == ModeRows {
		out["rows"] = returned
	}
	return out, nil
}
