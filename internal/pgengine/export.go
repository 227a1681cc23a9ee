package pgengine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Export formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

const defaultExportBatch = 1000

// exportSpec is the parsed export request.
type exportSpec struct {
	SQL       string
	Format    string
	BatchSize int64
	Limit     int64
	Offset    int64
	CSVHeader bool
	Delimiter rune
}

func parseExportSpec(args map[string]interface{}) (*exportSpec, error) {
	sqlText, err := validation.Str(args, "sql")
	if err != nil {
		return nil, err
	}
	spec := &exportSpec{
		SQL:       sqlText,
		Format:    strings.ToLower(validation.StrOr(args, "format", FormatJSONL)),
		BatchSize: validation.IntOr(args, "batch_size", defaultExportBatch),
		Limit:     validation.IntOr(args, "limit", 0),
		Offset:    validation.IntOr(args, "offset", 0),
		CSVHeader: validation.BoolOr(args, "csv_header", true),
		Delimiter: ',',
	}
	if spec.Format != FormatCSV && spec.Format != FormatJSONL {
		return nil, errors.InvalidParams("unknown export format %q", spec.Format)
	}
	if spec.BatchSize < 1 {
		spec.BatchSize = defaultExportBatch
	}
	if d, ok := validation.OptStr(args, "csv_delimiter"); ok {
		runes := []rune(d)
		if len(runes) != 1 {
			return nil, errors.InvalidParams("csv_delimiter must be a single character")
		}
		spec.Delimiter = runes[0]
	}
	return spec, nil
}

// Export streams a query to a local file sink.
func (e *Engine) Export(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	destPath, err := validation.Str(args, "path")
	if err != nil {
		return nil, err
	}
	spec, err := parseExportSpec(args)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, errors.Internal("export dir create failed", err)
	}
	tmpPath := destPath + ".part"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Internal("export temp create failed", err)
	}

	start := time.Now()
	rowsWritten, err := e.exportTo(ctx, args, spec, f)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err == nil && syncErr != nil {
		err = errors.Internal("export sync failed", syncErr)
	}
	if err == nil && closeErr != nil {
		err = errors.Internal("export close failed", closeErr)
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Internal("export rename failed", err)
	}

	if e.audit != nil {
		e.audit.Append(map[string]interface{}{
			"stage": "postgres_export", "path": destPath, "rows": rowsWritten,
		})
	}
	return map[string]interface{}{
		"success":     true,
		"path":        destPath,
		"format":      spec.Format,
		"rows":        rowsWritten,
		"duration_ms": time.Since(start).Milliseconds(),
	}, nil
}

// ExportStream exposes the export as a reader for pipeline sources. The
// returned channel yields the terminal error (nil on success) once the
// writer side finishes.
func (e *Engine) ExportStream(ctx context.Context, args map[string]interface{}) (io.ReadCloser, <-chan error, error) {
	spec, err := parseExportSpec(args)
	if err != nil {
		return nil, nil, err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := e.exportTo(ctx, args, spec, pw)
		pw.CloseWithError(err)
		done <- err
	}()
	return pr, done, nil
}

// exportTo paginates the query with LIMIT/OFFSET and writes rows to w.
func (e *Engine) exportTo(ctx context.Context, args map[string]interface{}, spec *exportSpec, w io.Writer) (int64, error) {
	params, err := bindParams(args["params"])
	if err != nil {
		return 0, err
	}

	var csvW *csv.Writer
	if spec.Format == FormatCSV {
		csvW = csv.NewWriter(w)
		csvW.Comma = spec.Delimiter
	}

	written := int64(0)
	offset := spec.Offset
	headerDone := false
	var header []string

	for {
		batch := spec.BatchSize
		if spec.Limit > 0 {
			remaining := spec.Limit - written
			if remaining <= 0 {
				break
			}
			if remaining < batch {
				batch = remaining
			}
		}

		pageSQL := fmt.Sprintf("SELECT * FROM (%s) AS export_page LIMIT %d OFFSET %d", spec.SQL, batch, offset)
		raw, err := e.Query(ctx, queryArgs(args, pageSQL, params, ModeRows))
		if err != nil {
			return written, err
		}
		result := raw.(map[string]interface{})
		rows, _ := result["rows"].([]interface{})
		if len(rows) == 0 {
			break
		}

		if !headerDone {
			fields, _ := result["fields"].([]interface{})
			header = make([]string, len(fields))
			for i, f := range fields {
				header[i] = f.(map[string]interface{})["name"].(string)
			}
			if csvW != nil && spec.CSVHeader {
				if err := csvW.Write(header); err != nil {
					return written, errors.Internal("csv header write failed", err)
				}
			}
			headerDone = true
		}

		for _, rawRow := range rows {
			row := rawRow.(map[string]interface{})
			if csvW != nil {
				record := make([]string, len(header))
				for i, col := range header {
					record[i] = csvCell(row[col])
				}
				if err := csvW.Write(record); err != nil {
					return written, errors.Internal("csv write failed", err)
				}
			} else {
				line, err := json.Marshal(row)
				if err != nil {
					return written, errors.Internal("jsonl marshal failed", err)
				}
				if _, err := w.Write(append(line, '\n')); err != nil {
					return written, errors.Internal("jsonl write failed", err)
				}
			}
			written++
		}

		offset += int64(len(rows))
		if int64(len(rows)) < batch {
			break
		}
	}

	if csvW != nil {
		csvW.Flush()
		if err := csvW.Error(); err != nil {
			return written, errors.Internal("csv flush failed", err)
		}
	}
	return written, nil
}

func csvCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", val)
	}
}
