// Package pipeline streams bytes across {HTTP, SFTP, Postgres} source/sink
// pairs with cache interception, artifact capture and per-stage audit.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/httpengine"
	"github.com/opsgate/opsgate/internal/pgengine"
	"github.com/opsgate/opsgate/internal/sshengine"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Engine is the pipeline tool implementation. The leg functions are seams:
// the live wiring targets the engines, tests swap fixtures in.
type Engine struct {
	projects  *store.ProjectStore
	artifacts *store.ArtifactStore
	limits    config.Limits
	log       *logging.Logger
	audit     *logging.AuditSink
	cacheDir  string

	openHTTP   func(ctx context.Context, args map[string]interface{}) (io.ReadCloser, map[string]interface{}, error)
	uploadHTTP func(ctx context.Context, args map[string]interface{}, r io.Reader) (map[string]interface{}, error)
	smokeHTTP  func(ctx context.Context, args map[string]interface{}) (interface{}, error)
	openSFTP   func(ctx context.Context, args map[string]interface{}, path string) (io.ReadCloser, int64, error)
	uploadSFTP func(ctx context.Context, args map[string]interface{}, path string, r io.Reader, overwrite, mkdirs bool) (int64, error)
	openPG     func(ctx context.Context, args map[string]interface{}) (io.ReadCloser, <-chan error, error)
	bulkInsert func(ctx context.Context, args map[string]interface{}) (interface{}, error)
	deployFile func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Deps wires an engine.
type Deps struct {
	Projects  *store.ProjectStore
	Artifacts *store.ArtifactStore
	Limits    config.Limits
	Log       *logging.Logger
	Audit     *logging.AuditSink
	CacheDir  string

	HTTP *httpengine.Engine
	SSH  *sshengine.Engine
	PG   *pgengine.Engine
}

// New creates a pipeline engine over the live engines.
func New(deps Deps) *Engine {
	e := &Engine{
		projects:  deps.Projects,
		artifacts: deps.Artifacts,
		limits:    deps.Limits,
		log:       deps.Log,
		audit:     deps.Audit,
		cacheDir:  deps.CacheDir,
	}
	if deps.HTTP != nil {
		e.openHTTP = deps.HTTP.OpenStream
		e.uploadHTTP = deps.HTTP.UploadStream
		e.smokeHTTP = deps.HTTP.SmokeHTTP
	}
	if deps.SSH != nil {
		e.openSFTP = deps.SSH.OpenSFTPRead
		e.uploadSFTP = deps.SSH.SFTPUploadStream
		e.deployFile = deps.SSH.DeployFile
	}
	if deps.PG != nil {
		e.openPG = func(ctx context.Context, args map[string]interface{}) (io.ReadCloser, <-chan error, error) {
			return deps.PG.ExportStream(ctx, args)
		}
		e.bulkInsert = deps.PG.InsertBulk
	}
	return e
}

// Handle dispatches an mcp_pipeline action.
func (e *Engine) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "http_to_sftp":
		return e.httpToSFTP(ctx, args)
	case "sftp_to_http":
		return e.sftpToHTTP(ctx, args)
	case "http_to_postgres":
		return e.httpToPostgres(ctx, args)
	case "sftp_to_postgres":
		return e.sftpToPostgres(ctx, args)
	case "postgres_to_sftp":
		return e.postgresToSFTP(ctx, args)
	case "postgres_to_http":
		return e.postgresToHTTP(ctx, args)
	case "deploy_smoke":
		return e.deploySmoke(ctx, args)
	default:
		return nil, errors.InvalidParams("unknown pipeline action %q", action)
	}
}

// leg extracts the source or sink argument object, hydrated with the
// project target's profile for the engine kind.
func (e *Engine) leg(args map[string]interface{}, name, kind string) (map[string]interface{}, error) {
	leg, err := validation.Obj(args, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(leg)+2)
	for k, v := range leg {
		out[k] = v
	}
	// trace/span ride along for artifact capture inside the engines
	for _, k := range []string{"trace_id", "span_id"} {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}

	if _, ok := validation.OptStr(out, "profile_name"); ok {
		return out, nil
	}
	project, ok := validation.OptStr(args, "project")
	if !ok {
		return out, nil
	}
	rt, err := e.projects.Resolve(project, validation.StrOr(args, "target", ""))
	if err != nil {
		return nil, err
	}
	var profile string
	switch kind {
	case "ssh":
		profile = rt.Entry.SSHProfile
	case "api":
		profile = rt.Entry.APIProfile
	case "postgres":
		profile = rt.Entry.PostgresProfile
	}
	if profile != "" {
		out["profile_name"] = profile
	}
	return out, nil
}

// captureTee mirrors a source stream into the capture contract and an
// optional artifact.
func (e *Engine) captureTee(args map[string]interface{}, r io.Reader, name string) (io.Reader, *capture.Stream, func() *store.ArtifactRef) {
	limits := capture.Limits{
		InlineBytes:  e.limits.MaxInlineBytes,
		CaptureBytes: e.limits.MaxCaptureBytes,
	}
	mode := e.limits.StreamToArtifact
	traceID := validation.StrOr(args, "trace_id", "")
	spanID := validation.StrOr(args, "span_id", "")

	var artifactW *store.ArtifactWriter
	var artifactLimit int64
	if mode != config.StreamOff && e.artifacts.Available() && traceID != "" && spanID != "" {
		if w, err := e.artifacts.Create(traceID, spanID, name); err == nil {
			artifactW = w
			artifactLimit = int64(e.limits.MaxCaptureBytes)
			if mode == config.StreamFull {
				artifactLimit = -1
			}
		}
	}

	stream := capture.NewStream(limits, artifactW, artifactLimit)
	finish := func() *store.ArtifactRef {
		if artifactW == nil {
			return nil
		}
		snap := stream.Snapshot()
		if snap.ArtifactTrunc {
			artifactW.MarkTruncated()
		}
		ref, err := artifactW.Close()
		if err != nil {
			return nil
		}
		return ref
	}
	return io.TeeReader(r, stream), stream, finish
}

func (e *Engine) auditStage(stage string, fields map[string]interface{}) {
	if e.audit == nil {
		return
	}
	record := map[string]interface{}{"stage": stage}
	r := redaction.New(nil)
	for k, v := range fields {
		record[k] = r.Value(v)
	}
	e.audit.Append(record)
}

func streamResult(stage string, start time.Time, stream *capture.Stream, ref *store.ArtifactRef, extra map[string]interface{}) map[string]interface{} {
	snap := stream.Snapshot()
	out := map[string]interface{}{
		"success":     true,
		"flow":        stage,
		"bytes":       snap.TotalBytes,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if ref != nil {
		out["artifact_uri"] = ref.URI
		out["artifact_truncated"] = ref.Truncated
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// httpToSFTP streams an HTTP body onto a remote file.
func (e *Engine) httpToSFTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "api")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "ssh")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(sink, "path")
	if err != nil {
		return nil, err
	}

	body, meta, err := e.openHTTPSource(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, body, "pipeline_body.bin")
	written, err := e.uploadSFTP(ctx, sink, remotePath, teed,
		validation.BoolOr(sink, "overwrite", false),
		validation.BoolOr(sink, "mkdirs", true))
	ref := finish()
	if err != nil {
		return nil, err
	}
	e.auditStage("sftp_upload", map[string]interface{}{"path": remotePath, "bytes": written})
	return streamResult("http_to_sftp", start, stream, ref, map[string]interface{}{
		"source": meta, "remote_path": remotePath, "written": written,
	}), nil
}

// sftpToHTTP streams a remote file into an HTTP upload.
func (e *Engine) sftpToHTTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "ssh")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "api")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(source, "path")
	if err != nil {
		return nil, err
	}

	body, size, err := e.openSFTP(ctx, source, remotePath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, body, "pipeline_body.bin")
	result, err := e.uploadHTTP(ctx, sink, teed)
	ref := finish()
	if err != nil {
		return nil, err
	}
	return streamResult("sftp_to_http", start, stream, ref, map[string]interface{}{
		"remote_path": remotePath, "source_bytes": size, "upload": result,
	}), nil
}

// httpToPostgres ingests an HTTP body into a table.
func (e *Engine) httpToPostgres(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "api")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "postgres")
	if err != nil {
		return nil, err
	}

	body, meta, err := e.openHTTPSource(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, body, "pipeline_body.bin")
	ingest, err := e.ingest(ctx, sink, teed)
	ref := finish()
	if err != nil {
		return nil, err
	}
	return streamResult("http_to_postgres", start, stream, ref, map[string]interface{}{
		"source": meta, "ingest": ingest,
	}), nil
}

// sftpToPostgres ingests a remote file into a table.
func (e *Engine) sftpToPostgres(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "ssh")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "postgres")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(source, "path")
	if err != nil {
		return nil, err
	}

	body, _, err := e.openSFTP(ctx, source, remotePath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, body, "pipeline_body.bin")
	ingest, err := e.ingest(ctx, sink, teed)
	ref := finish()
	if err != nil {
		return nil, err
	}
	return streamResult("sftp_to_postgres", start, stream, ref, map[string]interface{}{
		"remote_path": remotePath, "ingest": ingest,
	}), nil
}

// postgresToSFTP streams an export onto a remote file.
func (e *Engine) postgresToSFTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "postgres")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "ssh")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(sink, "path")
	if err != nil {
		return nil, err
	}

	export, done, err := e.openPG(ctx, source)
	if err != nil {
		return nil, err
	}
	defer export.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, export, "pipeline_export.bin")
	written, err := e.uploadSFTP(ctx, sink, remotePath, teed,
		validation.BoolOr(sink, "overwrite", false),
		validation.BoolOr(sink, "mkdirs", true))
	ref := finish()
	if err != nil {
		return nil, err
	}
	if exportErr := <-done; exportErr != nil {
		return nil, exportErr
	}
	e.auditStage("postgres_export", map[string]interface{}{"path": remotePath, "bytes": written})
	return streamResult("postgres_to_sftp", start, stream, ref, map[string]interface{}{
		"remote_path": remotePath, "written": written,
	}), nil
}

// postgresToHTTP streams an export into an HTTP upload.
func (e *Engine) postgresToHTTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	source, err := e.leg(args, "source", "postgres")
	if err != nil {
		return nil, err
	}
	sink, err := e.leg(args, "sink", "api")
	if err != nil {
		return nil, err
	}

	export, done, err := e.openPG(ctx, source)
	if err != nil {
		return nil, err
	}
	defer export.Close()

	start := time.Now()
	teed, stream, finish := e.captureTee(args, export, "pipeline_export.bin")
	result, err := e.uploadHTTP(ctx, sink, teed)
	ref := finish()
	if err != nil {
		return nil, err
	}
	if exportErr := <-done; exportErr != nil {
		return nil, exportErr
	}
	return streamResult("postgres_to_http", start, stream, ref, map[string]interface{}{
		"upload": result,
	}), nil
}

// deploySmoke composes deploy_file with retried smoke checks.
func (e *Engine) deploySmoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	deployArgs, err := validation.Obj(args, "deploy")
	if err != nil {
		return nil, err
	}
	smokeArgs, err := validation.Obj(args, "smoke")
	if err != nil {
		return nil, err
	}
	retries := int(validation.IntOr(args, "smoke_retries", 3))
	delay := time.Duration(validation.IntOr(args, "smoke_delay_ms", 2000)) * time.Millisecond

	deployRaw, err := e.deployFile(ctx, deployArgs)
	if err != nil {
		return nil, err
	}
	deployResult := deployRaw.(map[string]interface{})
	out := map[string]interface{}{"deploy": deployResult}
	if ok, _ := deployResult["success"].(bool); !ok {
		out["success"] = false
		out["code"] = deployResult["code"]
		return out, nil
	}

	var smokeResult map[string]interface{}
	for attempt := 1; attempt <= retries; attempt++ {
		raw, err := e.smokeHTTP(ctx, smokeArgs)
		if err == nil {
			smokeResult = raw.(map[string]interface{})
			if ok, _ := smokeResult["ok"].(bool); ok {
				break
			}
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, errors.Timeout("deploy_smoke interrupted: %v", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	out["smoke"] = smokeResult
	ok := false
	if smokeResult != nil {
		ok, _ = smokeResult["ok"].(bool)
	}
	out["success"] = ok
	if !ok {
		out["code"] = "SMOKE_FAILED"
	}
	return out, nil
}
