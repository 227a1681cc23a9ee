package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

const (
	defaultIngestBatch = 500
	defaultIngestCap   = 1_000_000
)

// ingest parses a line-oriented stream into rows and bulk-inserts them in
// batches.
func (e *Engine) ingest(ctx context.Context, sink map[string]interface{}, r io.Reader) (map[string]interface{}, error) {
	table, err := validation.Str(sink, "table")
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(validation.StrOr(sink, "format", "jsonl"))
	batchSize := int(validation.IntOr(sink, "batch_size", defaultIngestBatch))
	if batchSize < 1 {
		batchSize = defaultIngestBatch
	}
	rowCap := validation.IntOr(sink, "max_rows", defaultIngestCap)

	var rows []interface{}
	inserted := int64(0)
	batches := 0

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		raw, err := e.bulkInsert(ctx, map[string]interface{}{
			"table":        table,
			"rows":         rows,
			"profile_name": sink["profile_name"],
			"connection":   sink["connection"],
		})
		if err != nil {
			return err
		}
		result := raw.(map[string]interface{})
		switch count := result["rowCount"].(type) {
		case int64:
			inserted += count
		case int:
			inserted += int64(count)
		}
		batches++
		rows = rows[:0]
		return nil
	}

	push := func(row map[string]interface{}) error {
		if inserted+int64(len(rows)) >= rowCap {
			return errors.InvalidParams("ingest row cap %d reached", rowCap)
		}
		rows = append(rows, row)
		if len(rows) >= batchSize {
			return flush()
		}
		return nil
	}

	switch format {
	case "jsonl":
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			row, ok := jsonLine([]byte(line))
			if !ok {
				return nil, errors.InvalidParams("jsonl parse failed at line %d", lineNo)
			}
			if err := push(row); err != nil {
				return nil, err
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Internal("ingest stream read failed", err)
		}
	case "csv":
		reader := csv.NewReader(r)
		if d, ok := validation.OptStr(sink, "csv_delimiter"); ok {
			runes := []rune(d)
			if len(runes) != 1 {
				return nil, errors.InvalidParams("csv_delimiter must be a single character")
			}
			reader.Comma = runes[0]
		}
		header := validation.StrSlice(sink, "columns")
		useHeaderRow := validation.BoolOr(sink, "csv_header", len(header) == 0)
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.InvalidParams("csv parse failed: %v", err)
			}
			if header == nil && useHeaderRow {
				header = append([]string(nil), record...)
				continue
			}
			if len(header) == 0 {
				return nil, errors.InvalidParams("csv ingest needs columns or csv_header")
			}
			if len(record) != len(header) {
				return nil, errors.InvalidParams("csv row has %d fields, want %d", len(record), len(header))
			}
			row := make(map[string]interface{}, len(header))
			for i, col := range header {
				row[col] = record[i]
			}
			if err := push(row); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.InvalidParams("unknown ingest format %q", format)
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"table":   table,
		"rows":    inserted,
		"batches": batches,
		"format":  format,
	}, nil
}
