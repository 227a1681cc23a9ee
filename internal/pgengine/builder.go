package pgengine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// QuoteIdent quotes an identifier, accepting qualified names. Embedded
// double quotes are rejected rather than escaped.
func QuoteIdent(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.InvalidParams("identifier is empty")
	}
	parts := strings.Split(name, ".")
	quoted := make([]string, len(parts))
	for i, part := range parts {
		if part == "" || strings.Contains(part, `"`) {
			return "", errors.InvalidParams("invalid identifier %q", name)
		}
		quoted[i] = `"` + part + `"`
	}
	return strings.Join(quoted, "."), nil
}

// whereClause is a rendered filter with its bound parameters.
type whereClause struct {
	SQL    string
	Params []interface{}
}

// buildWhere normalizes {filters} or {where_sql, where_params} into a
// clause. startIndex is the first placeholder ordinal.
func buildWhere(args map[string]interface{}, startIndex int) (*whereClause, error) {
	if sqlText, ok := validation.OptStr(args, "where_sql"); ok {
		params, err := bindParams(args["where_params"])
		if err != nil {
			return nil, err
		}
		return &whereClause{SQL: sqlText, Params: params}, nil
	}

	filters, ok := validation.OptObj(args, "filters")
	if !ok || len(filters) == 0 {
		return &whereClause{}, nil
	}

	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var conds []string
	var params []interface{}
	n := startIndex
	for _, col := range cols {
		ident, err := QuoteIdent(col)
		if err != nil {
			return nil, err
		}
		switch val := filters[col].(type) {
		case nil:
			conds = append(conds, ident+" IS NULL")
		case []interface{}:
			if len(val) == 0 {
				conds = append(conds, "FALSE")
				continue
			}
			placeholders := make([]string, len(val))
			bound, err := bindParams(val)
			if err != nil {
				return nil, err
			}
			for i := range val {
				placeholders[i] = fmt.Sprintf("$%d", n)
				n++
			}
			params = append(params, bound...)
			conds = append(conds, ident+" IN ("+strings.Join(placeholders, ", ")+")")
		default:
			bound, err := bindParams([]interface{}{val})
			if err != nil {
				return nil, err
			}
			conds = append(conds, fmt.Sprintf("%s = $%d", ident, n))
			params = append(params, bound[0])
			n++
		}
	}
	return &whereClause{SQL: strings.Join(conds, " AND "), Params: params}, nil
}

// sortedColumns extracts a row object's columns in stable order.
func sortedColumns(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Insert composes INSERT ... VALUES with optional RETURNING.
func (e *Engine) Insert(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	row, err := validation.Obj(args, "row")
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, errors.InvalidParams("row must not be empty")
	}

	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	cols := sortedColumns(row)
	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		q, err := QuoteIdent(col)
		if err != nil {
			return nil, err
		}
		quotedCols[i] = q
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		values[i] = row[col]
	}
	bound, err := bindParams(values)
	if err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	sqlText, mode, err := withReturning(sqlText, args)
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, queryArgs(args, sqlText, bound, mode))
}

// Update composes UPDATE ... SET ... WHERE.
func (e *Engine) Update(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	set, err := validation.Obj(args, "set")
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, errors.InvalidParams("set must not be empty")
	}

	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	cols := sortedColumns(set)
	assignments := make([]string, len(cols))
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		q, err := QuoteIdent(col)
		if err != nil {
			return nil, err
		}
		assignments[i] = fmt.Sprintf("%s = $%d", q, i+1)
		values[i] = set[col]
	}
	bound, err := bindParams(values)
	if err != nil {
		return nil, err
	}

	where, err := buildWhere(args, len(cols)+1)
	if err != nil {
		return nil, err
	}
	if where.SQL == "" {
		return nil, errors.InvalidParams("update requires filters or where_sql")
	}

	sqlText := fmt.Sprintf("UPDATE %s SET %s WHERE %s", ident, strings.Join(assignments, ", "), where.SQL)
	sqlText, mode, err := withReturning(sqlText, args)
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, queryArgs(args, sqlText, append(bound, where.Params...), mode))
}

// Delete composes DELETE FROM ... WHERE.
func (e *Engine) Delete(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	where, err := buildWhere(args, 1)
	if err != nil {
		return nil, err
	}
	if where.SQL == "" {
		return nil, errors.InvalidParams("delete requires filters or where_sql")
	}
	sqlText := fmt.Sprintf("DELETE FROM %s WHERE %s", ident, where.SQL)
	sqlText, mode, err := withReturning(sqlText, args)
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, queryArgs(args, sqlText, where.Params, mode))
}

// Select composes SELECT with optional columns, ordering and paging.
func (e *Engine) Select(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}

	columns := "*"
	if cols := validation.StrSlice(args, "columns"); len(cols) > 0 {
		quoted := make([]string, len(cols))
		for i, col := range cols {
			q, err := QuoteIdent(col)
			if err != nil {
				return nil, err
			}
			quoted[i] = q
		}
		columns = strings.Join(quoted, ", ")
	}

	where, err := buildWhere(args, 1)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, ident)
	if where.SQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where.SQL)
	}
	if orderBy, ok := validation.OptStr(args, "order_by"); ok {
		q, err := QuoteIdent(orderBy)
		if err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(q)
		if strings.EqualFold(validation.StrOr(args, "order", "asc"), "desc") {
			b.WriteString(" DESC")
		}
	}
	if limit := validation.IntOr(args, "limit", 0); limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset := validation.IntOr(args, "offset", 0); offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}

	return e.Query(ctx, queryArgs(args, b.String(), where.Params, ModeRows))
}

// Count composes SELECT count(*).
func (e *Engine) Count(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	where, err := buildWhere(args, 1)
	if err != nil {
		return nil, err
	}
	sqlText := "SELECT count(*) AS count FROM " + ident
	if where.SQL != "" {
		sqlText += " WHERE " + where.SQL
	}
	return e.Query(ctx, queryArgs(args, sqlText, where.Params, ModeValue))
}

// Exists composes SELECT EXISTS(...).
func (e *Engine) Exists(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	table, err := validation.Str(args, "table")
	if err != nil {
		return nil, err
	}
	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	where, err := buildWhere(args, 1)
	if err != nil {
		return nil, err
	}
	inner := "SELECT 1 FROM " + ident
	if where.SQL != "" {
		inner += " WHERE " + where.SQL
	}
	sqlText := "SELECT EXISTS(" + inner + ") AS exists"
	return e.Query(ctx, queryArgs(args, sqlText, where.Params, ModeValue))
}

// withReturning appends a RETURNING clause when requested, switching the
// execution mode so rows come back.
func withReturning(sqlText string, args map[string]interface{}) (string, string, error) {
	returning := validation.StrSlice(args, "returning")
	if len(returning) == 0 {
		if b, ok := validation.OptBool(args, "returning"); ok && b {
			return sqlText + " RETURNING *", ModeRows, nil
		}
		return sqlText, ModeCommand, nil
	}
	quoted := make([]string, len(returning))
	for i, col := range returning {
		if col == "*" {
			quoted[i] = "*"
			continue
		}
		q, err := QuoteIdent(col)
		if err != nil {
			return "", "", err
		}
		quoted[i] = q
	}
	return sqlText + " RETURNING " + strings.Join(quoted, ", "), ModeRows, nil
}

// queryArgs re-targets the builder output at Query, carrying connection
// routing fields through.
func queryArgs(args map[string]interface{}, sqlText string, params []interface{}, mode string) map[string]interface{} {
	out := map[string]interface{}{
		"sql":    sqlText,
		"params": params,
		"mode":   mode,
	}
	for _, k := range []string{"profile_name", "project", "target", "connection", "pool_options", "timeout_ms"} {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}
	return out
}
