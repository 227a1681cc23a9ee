package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditSink appends one JSON record per tool call to an audit log file and
// mirrors it as a structured log line.
type AuditSink struct {
	mu   sync.Mutex
	path string
	log  *Logger
}

// NewAuditSink creates an audit sink writing to path. The parent directory
// is created on first append.
func NewAuditSink(path string, log *Logger) *AuditSink {
	return &AuditSink{path: path, log: log}
}

// Append writes a record to the audit log. Failures are reported through the
// logger but never fail the tool call.
func (a *AuditSink) Append(record map[string]interface{}) {
	if record == nil {
		record = map[string]interface{}{}
	}
	if _, ok := record["ts"]; !ok {
		record["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line, err := json.Marshal(record)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).Warn("audit record marshal failed")
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err == nil {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			_, _ = f.Write(append(line, '\n'))
			_ = f.Close()
		} else if a.log != nil {
			a.log.WithError(err).Warn("audit log open failed")
		}
	}

	if a.log != nil {
		fields := make(map[string]interface{}, len(record)+1)
		for k, v := range record {
			fields[k] = v
		}
		fields["audit"] = true
		a.log.WithFields(fields).Info("audit")
	}
}
