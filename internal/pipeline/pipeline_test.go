package pipeline

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

type fixture struct {
	engine *Engine

	httpBody   string
	httpErr    error
	httpOpens  int
	uploaded   bytes.Buffer
	uploadPath string
	bulkCalls  []map[string]interface{}
	smokeOKOn  int
	smokeCalls int
	deployOK   bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{deployOK: true}
	dir := t.TempDir()
	projects := store.NewProjectStore(dir)
	require.NoError(t, projects.Upsert(&store.Project{
		Name:          "shop",
		DefaultTarget: "staging",
		Targets: map[string]store.Target{
			"staging": {SSHProfile: "shop-ssh", APIProfile: "shop-api", PostgresProfile: "shop-db"},
		},
	}))

	e := &Engine{
		projects:  projects,
		artifacts: store.NewArtifactStore(t.TempDir()),
		limits: config.Limits{
			MaxInlineBytes:   1024,
			MaxCaptureBytes:  4096,
			StreamToArtifact: config.StreamCapped,
		},
		cacheDir: t.TempDir(),
	}
	e.openHTTP = func(ctx context.Context, args map[string]interface{}) (io.ReadCloser, map[string]interface{}, error) {
		f.httpOpens++
		if f.httpErr != nil {
			return nil, nil, f.httpErr
		}
		return io.NopCloser(strings.NewReader(f.httpBody)), map[string]interface{}{"status": 200}, nil
	}
	e.uploadHTTP = func(ctx context.Context, args map[string]interface{}, r io.Reader) (map[string]interface{}, error) {
		if _, err := io.Copy(&f.uploaded, r); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": 200, "success": true}, nil
	}
	e.smokeHTTP = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		f.smokeCalls++
		return map[string]interface{}{"ok": f.smokeCalls >= f.smokeOKOn, "status": 200}, nil
	}
	e.openSFTP = func(ctx context.Context, args map[string]interface{}, path string) (io.ReadCloser, int64, error) {
		return io.NopCloser(strings.NewReader("remote-file-content")), 19, nil
	}
	e.uploadSFTP = func(ctx context.Context, args map[string]interface{}, path string, r io.Reader, overwrite, mkdirs bool) (int64, error) {
		f.uploadPath = path
		n, err := io.Copy(&f.uploaded, r)
		return n, err
	}
	e.openPG = func(ctx context.Context, args map[string]interface{}) (io.ReadCloser, <-chan error, error) {
		done := make(chan error, 1)
		done <- nil
		return io.NopCloser(strings.NewReader("{\"id\":1}\n{\"id\":2}\n")), done, nil
	}
	e.bulkInsert = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		f.bulkCalls = append(f.bulkCalls, args)
		rows := args["rows"].([]interface{})
		return map[string]interface{}{"rowCount": int64(len(rows))}, nil
	}
	e.deployFile = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		if f.deployOK {
			return map[string]interface{}{"success": true}, nil
		}
		return map[string]interface{}{"success": false, "code": "HASH_MISMATCH"}, nil
	}
	f.engine = e
	return f
}

func args(action string, source, sink map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"action":   action,
		"source":   source,
		"sink":     sink,
		"project":  "shop",
		"trace_id": "trace-1",
		"span_id":  "span-1",
	}
}

func TestHTTPToSFTP(t *testing.T) {
	f := newFixture(t)
	f.httpBody = "payload-bytes"

	raw, err := f.engine.Handle(context.Background(), args("http_to_sftp",
		map[string]interface{}{"url": "http://api/data"},
		map[string]interface{}{"path": "/srv/data.bin"},
	))
	require.NoError(t, err)

	result := raw.(map[string]interface{})
	assert.Equal(t, true, result["success"])
	assert.Equal(t, int64(len("payload-bytes")), result["bytes"])
	assert.Equal(t, "/srv/data.bin", f.uploadPath)
	assert.Equal(t, "payload-bytes", f.uploaded.String())
	assert.Contains(t, result["artifact_uri"], "artifact://runs/trace-1/")
}

func TestSFTPToHTTP(t *testing.T) {
	f := newFixture(t)
	raw, err := f.engine.Handle(context.Background(), args("sftp_to_http",
		map[string]interface{}{"path": "/srv/report.csv"},
		map[string]interface{}{"url": "http://api/upload"},
	))
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, "remote-file-content", f.uploaded.String())
	assert.Equal(t, int64(19), result["source_bytes"])
}

func TestHTTPToPostgresJSONL(t *testing.T) {
	f := newFixture(t)
	f.httpBody = "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n"

	raw, err := f.engine.Handle(context.Background(), args("http_to_postgres",
		map[string]interface{}{"url": "http://api/rows"},
		map[string]interface{}{"table": "events", "batch_size": float64(2)},
	))
	require.NoError(t, err)

	result := raw.(map[string]interface{})
	ingest := result["ingest"].(map[string]interface{})
	assert.Equal(t, int64(3), ingest["rows"])
	assert.Equal(t, 2, ingest["batches"])
	require.Len(t, f.bulkCalls, 2)
	assert.Equal(t, "events", f.bulkCalls[0]["table"])
}

func TestSFTPToPostgresCSV(t *testing.T) {
	f := newFixture(t)
	f.engine.openSFTP = func(ctx context.Context, args map[string]interface{}, path string) (io.ReadCloser, int64, error) {
		return io.NopCloser(strings.NewReader("id,name\n1,a\n2,b\n")), -1, nil
	}

	raw, err := f.engine.Handle(context.Background(), args("sftp_to_postgres",
		map[string]interface{}{"path": "/srv/rows.csv"},
		map[string]interface{}{"table": "users", "format": "csv", "csv_header": true},
	))
	require.NoError(t, err)

	ingest := raw.(map[string]interface{})["ingest"].(map[string]interface{})
	assert.Equal(t, int64(2), ingest["rows"])
	rows := f.bulkCalls[0]["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"id": "1", "name": "a"}, rows[0])
}

func TestPostgresToSFTP(t *testing.T) {
	f := newFixture(t)
	raw, err := f.engine.Handle(context.Background(), args("postgres_to_sftp",
		map[string]interface{}{"sql": "SELECT * FROM t"},
		map[string]interface{}{"path": "/srv/export.jsonl"},
	))
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", f.uploaded.String())
	assert.Equal(t, int64(18), result["written"])
}

func TestPostgresToHTTP(t *testing.T) {
	f := newFixture(t)
	raw, err := f.engine.Handle(context.Background(), args("postgres_to_http",
		map[string]interface{}{"sql": "SELECT * FROM t"},
		map[string]interface{}{"url": "http://api/import"},
	))
	require.NoError(t, err)
	upload := raw.(map[string]interface{})["upload"].(map[string]interface{})
	assert.Equal(t, true, upload["success"])
}

func TestHTTPSourceCacheRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.httpBody = "cacheable-content"
	source := map[string]interface{}{
		"url":   "http://api/data",
		"cache": map[string]interface{}{"enabled": true, "ttl_ms": float64(60000)},
	}

	run := func() string {
		f.uploaded.Reset()
		_, err := f.engine.Handle(context.Background(), args("http_to_sftp",
			source, map[string]interface{}{"path": "/srv/x"}))
		require.NoError(t, err)
		return f.uploaded.String()
	}

	assert.Equal(t, "cacheable-content", run())
	assert.Equal(t, 1, f.httpOpens)
	// second run serves from cache, no upstream fetch
	assert.Equal(t, "cacheable-content", run())
	assert.Equal(t, 1, f.httpOpens)
}

func TestHTTPSourceErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.httpErr = errors.Denied("upstream returned 403")

	_, err := f.engine.Handle(context.Background(), args("http_to_sftp",
		map[string]interface{}{"url": "http://api/secret"},
		map[string]interface{}{"path": "/srv/x"},
	))
	require.Error(t, err)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}

func TestDeploySmokeRetries(t *testing.T) {
	f := newFixture(t)
	f.smokeOKOn = 2 // first smoke fails, second succeeds

	raw, err := f.engine.Handle(context.Background(), map[string]interface{}{
		"action":         "deploy_smoke",
		"deploy":         map[string]interface{}{"local_path": "/x", "remote_path": "/y"},
		"smoke":          map[string]interface{}{"url": "http://api/health"},
		"smoke_retries":  float64(3),
		"smoke_delay_ms": float64(1),
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 2, f.smokeCalls)
}

func TestDeploySmokeFailsFastOnDeployError(t *testing.T) {
	f := newFixture(t)
	f.deployOK = false

	raw, err := f.engine.Handle(context.Background(), map[string]interface{}{
		"action": "deploy_smoke",
		"deploy": map[string]interface{}{"local_path": "/x", "remote_path": "/y"},
		"smoke":  map[string]interface{}{"url": "http://api/health"},
	})
	require.NoError(t, err)
	result := raw.(map[string]interface{})
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "HASH_MISMATCH", result["code"])
	assert.Equal(t, 0, f.smokeCalls)
}

func TestIngestRejectsBadJSONL(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ingest(context.Background(),
		map[string]interface{}{"table": "t"},
		strings.NewReader("{\"ok\":1}\nnot-json\n"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidParams, errors.KindOf(err))
}
