package sshengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// hardGrace is the post-timeout window granted for stream EOF before the
// result is marked hard_timed_out.
const hardGrace = 2 * time.Second

// execRequest describes one remote command invocation.
type execRequest struct {
	Command   string
	Cwd       string
	Env       map[string]string
	Pty       bool
	Stdin     []byte
	StdinPath string
	Timeout   time.Duration

	StreamMode config.StreamMode
	TraceID    string
	SpanID     string
}

// execResult carries the capture snapshots and exit state.
type execResult struct {
	ExitCode     int
	Signal       string
	TimedOut     bool
	HardTimedOut bool
	Fingerprint  string
	Duration     time.Duration

	Stdout capture.Snapshot
	Stderr capture.Snapshot

	StdoutRef *store.ArtifactRef
	StderrRef *store.ArtifactRef
}

// Exec runs a command synchronously. A requested timeout beyond the tool
// call budget transparently switches to detached + follow.
func (e *Engine) Exec(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command, err := validation.Str(args, "command")
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(validation.IntOr(args, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = e.limits.SSHExecDefaultTimeout
	}
	budget := e.limits.ToolCallTimeout
	if budget > 0 && timeout > budget {
		// too long to hold the call open: run detached and follow
		return e.followDetached(ctx, args)
	}

	spec, err := e.resolveSpec(args)
	if err != nil {
		return nil, err
	}
	req, err := e.execRequestFromArgs(args, command, timeout)
	if err != nil {
		return nil, err
	}

	result, err := e.run(ctx, spec, req)
	if err != nil {
		return nil, err
	}
	e.auditStage("ssh_exec", map[string]interface{}{
		"host": spec.Host, "exit_code": result.ExitCode, "timed_out": result.TimedOut,
	})
	return e.shapeExecResult(args, result), nil
}

func (e *Engine) execRequestFromArgs(args map[string]interface{}, command string, timeout time.Duration) (*execRequest, error) {
	req := &execRequest{
		Command:    command,
		Cwd:        validation.StrOr(args, "cwd", ""),
		Pty:        validation.BoolOr(args, "pty", false),
		Timeout:    timeout,
		StreamMode: e.limits.SSHStreamMode,
		TraceID:    validation.StrOr(args, "trace_id", ""),
		SpanID:     validation.StrOr(args, "span_id", ""),
	}
	if env, ok := validation.OptObj(args, "env"); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				req.Env[k] = s
			}
		}
	}
	if stdin, ok := validation.OptStr(args, "stdin"); ok {
		req.Stdin = []byte(stdin)
	}
	if path, ok := validation.OptStr(args, "stdin_file"); ok {
		req.StdinPath = path
	}
	return req, nil
}

// shapeExecResult redacts and flattens an execResult for the caller.
func (e *Engine) shapeExecResult(args map[string]interface{}, r *execResult) map[string]interface{} {
	redactor := e.envSecrets(args)
	summary := fmt.Sprintf("exit %d in %dms", r.ExitCode, r.Duration.Milliseconds())
	if r.TimedOut {
		summary = fmt.Sprintf("timed out after %dms", r.Duration.Milliseconds())
	}
	out := map[string]interface{}{
		"success":                 r.ExitCode == 0 && !r.TimedOut,
		"mode":                    "sync",
		"summary":                 summary,
		"exit_code":               r.ExitCode,
		"timed_out":               r.TimedOut,
		"hard_timed_out":          r.HardTimedOut,
		"stdout":                  redactor.String(r.Stdout.Inline),
		"stderr":                  redactor.String(r.Stderr.Inline),
		"stdout_bytes":            r.Stdout.TotalBytes,
		"stderr_bytes":            r.Stderr.TotalBytes,
		"stdout_captured_bytes":   r.Stdout.CapturedBytes,
		"stderr_captured_bytes":   r.Stderr.CapturedBytes,
		"stdout_truncated":        r.Stdout.Truncated,
		"stderr_truncated":        r.Stderr.Truncated,
		"stdout_inline_truncated": r.Stdout.InlineTruncated,
		"stderr_inline_truncated": r.Stderr.InlineTruncated,
		"duration_ms":             r.Duration.Milliseconds(),
	}
	if r.Signal != "" {
		out["signal"] = r.Signal
	}
	if r.StdoutRef != nil {
		out["stdout_ref"] = r.StdoutRef.URI
	}
	if r.StderrRef != nil {
		out["stderr_ref"] = r.StderrRef.URI
	}
	if r.Fingerprint != "" {
		out["host_key_fingerprint_sha256"] = r.Fingerprint
	}
	return out
}

// runExec is the live SSH execution path.
func (e *Engine) runExec(ctx context.Context, spec *ConnSpec, req *execRequest) (*execResult, error) {
	client, fingerprint, err := e.connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, errors.Internal("ssh session open failed", err)
	}
	defer session.Close()

	if req.Pty {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
			return nil, errors.Internal("pty request failed", err)
		}
	}
	envKeys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		// Setenv is commonly refused by sshd AcceptEnv; fall back to an
		// env prefix on the command line.
		if err := session.Setenv(k, req.Env[k]); err != nil {
			req.Command = quoteEnvPrefix(req.Env, envKeys) + req.Command
			break
		}
	}

	command := req.Command
	if req.Cwd != "" {
		command = "cd " + quote(req.Cwd) + " && " + command
	}

	if req.StdinPath != "" {
		f, err := os.Open(req.StdinPath)
		if err != nil {
			return nil, errors.InvalidParams("stdin_file unreadable: %v", err)
		}
		defer f.Close()
		session.Stdin = f
	} else if req.Stdin != nil {
		session.Stdin = bytes.NewReader(req.Stdin)
	}

	limits := capture.Limits{
		InlineBytes:  e.limits.MaxInlineBytes,
		CaptureBytes: e.limits.MaxCaptureBytes,
	}
	stdoutW, stdoutArtifact := e.streamWriter(limits, req, "stdout.txt")
	stderrW, stderrArtifact := e.streamWriter(limits, req, "stderr.txt")
	session.Stdout = stdoutW
	session.Stderr = stderrW

	start := time.Now()
	if err := session.Start(command); err != nil {
		abortArtifact(stdoutArtifact)
		abortArtifact(stderrArtifact)
		return nil, errors.Internal("ssh exec start failed", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	result := &execResult{ExitCode: -1, Fingerprint: fingerprint}
	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case waitErr := <-waitCh:
		applyWaitError(result, waitErr)
	case <-ctx.Done():
		result.TimedOut = true
		session.Close()
		waitWithGrace(waitCh, result)
	case <-timer.C:
		result.TimedOut = true
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		waitWithGrace(waitCh, result)
	}
	result.Duration = time.Since(start)

	result.Stdout = stdoutW.Snapshot()
	result.Stderr = stderrW.Snapshot()
	result.StdoutRef = closeArtifact(stdoutArtifact, result.Stdout)
	result.StderrRef = closeArtifact(stderrArtifact, result.Stderr)
	return result, nil
}

func (e *Engine) streamWriter(limits capture.Limits, req *execRequest, name string) (*capture.Stream, *store.ArtifactWriter) {
	if req.StreamMode == config.StreamOff || !e.artifacts.Available() || req.TraceID == "" || req.SpanID == "" {
		return capture.NewStream(limits, nil, 0), nil
	}
	w, err := e.artifacts.Create(req.TraceID, req.SpanID, name)
	if err != nil {
		return capture.NewStream(limits, nil, 0), nil
	}
	limit := int64(e.limits.MaxCaptureBytes)
	if req.StreamMode == config.StreamFull {
		limit = -1
	}
	return capture.NewStream(limits, w, limit), w
}

func abortArtifact(w *store.ArtifactWriter) {
	if w != nil {
		w.Abort()
	}
}

func closeArtifact(w *store.ArtifactWriter, snap capture.Snapshot) *store.ArtifactRef {
	if w == nil {
		return nil
	}
	if snap.ArtifactTrunc {
		w.MarkTruncated()
	}
	ref, err := w.Close()
	if err != nil {
		return nil
	}
	return ref
}

func waitWithGrace(waitCh <-chan error, result *execResult) {
	graceTimer := time.NewTimer(hardGrace)
	defer graceTimer.Stop()
	select {
	case waitErr := <-waitCh:
		applyWaitError(result, waitErr)
	case <-graceTimer.C:
		result.HardTimedOut = true
	}
}

func applyWaitError(result *execResult, waitErr error) {
	switch err := waitErr.(type) {
	case nil:
		result.ExitCode = 0
	case *ssh.ExitError:
		result.ExitCode = err.ExitStatus()
		result.Signal = err.Signal()
	default:
		result.ExitCode = -1
	}
}
