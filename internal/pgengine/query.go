package pgengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Execution modes for query.
const (
	ModeRows    = "rows"
	ModeRow     = "row"
	ModeValue   = "value"
	ModeCommand = "command"
)

// wire OIDs for the common column types, keyed by lib/pq's
// DatabaseTypeName. Unknown types report 0.
var typeOIDs = map[string]int{
	"BOOL": 16, "INT2": 21, "INT4": 23, "INT8": 20,
	"FLOAT4": 700, "FLOAT8": 701, "NUMERIC": 1700,
	"TEXT": 25, "VARCHAR": 1043, "BPCHAR": 1042, "NAME": 19,
	"JSON": 114, "JSONB": 3802, "UUID": 2950, "BYTEA": 17,
	"TIMESTAMP": 1114, "TIMESTAMPTZ": 1184, "DATE": 1082, "TIME": 1083,
}

// Query runs arbitrary SQL with JSON-typed parameter binding.
func (e *Engine) Query(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sqlText, err := validation.Str(args, "sql")
	if err != nil {
		return nil, err
	}
	mode := strings.ToLower(validation.StrOr(args, "mode", ModeRows))

	params, err := bindParams(args["params"])
	if err != nil {
		return nil, err
	}

	db, err := e.db(ctx, args)
	if err != nil {
		return nil, err
	}

	queryCtx := ctx
	if ms := validation.IntOr(args, "timeout_ms", 0); ms > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	if mode == ModeCommand {
		res, err := db.ExecContext(queryCtx, sqlText, params...)
		if err != nil {
			return nil, mapSQLError(queryCtx, err)
		}
		affected, _ := res.RowsAffected()
		return map[string]interface{}{
			"success":     true,
			"command":     commandTag(sqlText),
			"rowCount":    affected,
			"duration_ms": time.Since(start).Milliseconds(),
		}, nil
	}

	rows, err := db.QueryContext(queryCtx, sqlText, params...)
	if err != nil {
		return nil, mapSQLError(queryCtx, err)
	}
	defer rows.Close()

	fields, decoded, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"success":     true,
		"command":     commandTag(sqlText),
		"rowCount":    len(decoded),
		"fields":      fields,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	switch mode {
	case ModeRows:
		out["rows"] = decoded
	case ModeRow:
		if len(decoded) > 0 {
			out["row"] = decoded[0]
		} else {
			out["row"] = nil
		}
	case ModeValue:
		out["value"] = firstValue(fields, decoded)
	default:
		return nil, errors.InvalidParams("unknown query mode %q", mode)
	}
	return out, nil
}

// bindParams converts JSON parameter values into driver arguments.
func bindParams(raw interface{}) ([]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.InvalidParams("params must be an array")
	}
	out := make([]interface{}, len(list))
	for i, v := range list {
		switch val := v.(type) {
		case nil:
			out[i] = nil
		case bool:
			out[i] = val
		case float64:
			if val == math.Trunc(val) && math.Abs(val) < 1e15 {
				out[i] = int64(val)
			} else {
				out[i] = val
			}
		case string:
			out[i] = val
		case map[string]interface{}, []interface{}:
			encoded, err := json.Marshal(val)
			if err != nil {
				return nil, errors.InvalidParams("param %d not serializable: %v", i, err)
			}
			out[i] = string(encoded)
		default:
			out[i] = val
		}
	}
	return out, nil
}

// scanRows decodes every row into JSON-shaped maps with field metadata.
func scanRows(rows *sql.Rows) ([]interface{}, []interface{}, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, errors.Internal("column metadata unavailable", err)
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.Internal("column names unavailable", err)
	}

	fields := make([]interface{}, len(columnTypes))
	typeNames := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		typeNames[i] = strings.ToUpper(ct.DatabaseTypeName())
		fields[i] = map[string]interface{}{
			"name":       columns[i],
			"dataTypeId": typeOIDs[typeNames[i]],
		}
	}

	var decoded []interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Internal("row scan failed", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = decodeValue(values[i], typeNames[i])
		}
		decoded = append(decoded, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Internal("row iteration failed", err)
	}
	return fields, decoded, nil
}

// decodeValue maps driver values onto the JSON-facing types.
func decodeValue(v interface{}, typeName string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case int64:
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case time.Time:
		if typeName == "DATE" {
			return val.Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return decodeBytes(val, typeName)
	case string:
		return decodeBytes([]byte(val), typeName)
	default:
		return val
	}
}

func decodeBytes(b []byte, typeName string) interface{} {
	switch typeName {
	case "JSON", "JSONB":
		var parsed interface{}
		if err := json.Unmarshal(b, &parsed); err == nil {
			return parsed
		}
		return string(b)
	case "BOOL":
		return string(b) == "t" || string(b) == "true"
	default:
		return string(b)
	}
}

func firstValue(fields []interface{}, rows []interface{}) interface{} {
	if len(rows) == 0 || len(fields) == 0 {
		return nil
	}
	first, ok := rows[0].(map[string]interface{})
	if !ok {
		return nil
	}
	name := fields[0].(map[string]interface{})["name"].(string)
	return first[name]
}

// commandTag extracts the leading SQL verb.
func commandTag(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	if idx := strings.IndexAny(trimmed, " \t\n"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return strings.ToUpper(trimmed)
}

func mapSQLError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Timeout("query exceeded its timeout")
	}
	return errors.Internal("query failed", err)
}
