package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/validation"
)

// defaultLocalTimeout bounds local exec when the caller sets none.
const defaultLocalTimeout = 60 * time.Second

// repoWriteSubcommands require apply for mcp_repo.
var repoWriteSubcommands = map[string]bool{
	"commit": true, "push": true, "merge": true, "rebase": true,
	"reset": true, "checkout": true, "tag": true, "am": true,
	"cherry-pick": true, "revert": true,
}

// repoSubcommands is the mcp_repo allow-list.
var repoSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"remote": true, "fetch": true, "rev-parse": true, "describe": true,
	"commit": true, "push": true, "merge": true, "pull": true,
	"checkout": true, "tag": true, "add": true, "stash": true,
}

// HandleLocal dispatches mcp_local actions. The whole tool is gated by
// INFRA_UNSAFE_LOCAL.
func (e *Engine) HandleLocal(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if !e.limits.UnsafeLocal {
		return nil, errors.Denied("local execution is disabled").
			WithHint("set INFRA_UNSAFE_LOCAL=1 to enable")
	}
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "exec":
		command, err := validation.Str(args, "command")
		if err != nil {
			return nil, err
		}
		return e.localExec(ctx, args, "sh", []string{"-c", command})
	default:
		return nil, errors.InvalidParams("unknown local action %q", action)
	}
}

// HandleRepo dispatches mcp_repo actions: allow-listed git invocations in
// the workspace root.
func (e *Engine) HandleRepo(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	if action != "git" {
		return nil, errors.InvalidParams("unknown repo action %q", action)
	}
	sub, err := validation.Str(args, "subcommand")
	if err != nil {
		return nil, err
	}
	if !repoSubcommands[sub] {
		return nil, errors.Denied("git subcommand %q is not allow-listed", sub)
	}
	if repoWriteSubcommands[sub] && !validation.BoolOr(args, "apply", false) {
		return nil, errors.Denied("git %s writes; pass apply:true", sub)
	}

	gitArgs := append([]string{sub}, validation.StrSlice(args, "args")...)
	for _, a := range gitArgs {
		if strings.HasPrefix(a, "--upload-pack") || strings.HasPrefix(a, "--exec") {
			return nil, errors.Denied("git argument %q is not allowed", a)
		}
	}
	return e.localExec(ctx, args, "git", gitArgs)
}

// localExec runs a local process under the capture contract.
func (e *Engine) localExec(ctx context.Context, args map[string]interface{}, bin string, cmdArgs []string) (interface{}, error) {
	timeout := time.Duration(validation.IntOr(args, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultLocalTimeout
	}
	if budget := e.limits.ToolCallTimeout; budget > 0 && timeout > budget {
		timeout = budget
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, bin, cmdArgs...)
	if cwd, ok := validation.OptStr(args, "cwd"); ok {
		cmd.Dir = filepath.Clean(cwd)
	}
	if env, ok := validation.OptObj(args, "env"); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			if s, ok := v.(string); ok {
				cmd.Env = append(cmd.Env, k+"="+s)
			}
		}
	}
	if stdin, ok := validation.OptStr(args, "stdin"); ok {
		cmd.Stdin = strings.NewReader(stdin)
	}

	limits := capture.Limits{
		InlineBytes:  e.limits.MaxInlineBytes,
		CaptureBytes: e.limits.MaxCaptureBytes,
	}
	stdout := capture.NewStream(limits, nil, 0)
	stderr := capture.NewStream(limits, nil, 0)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	timedOut := execCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, errors.Internal("local exec failed", runErr)
		}
	}

	redactor := redaction.New(redaction.CollectEnvSecrets(args))
	outSnap := stdout.Snapshot()
	errSnap := stderr.Snapshot()
	return map[string]interface{}{
		"success":          exitCode == 0 && !timedOut,
		"mode":             "sync",
		"exit_code":        exitCode,
		"timed_out":        timedOut,
		"stdout":           redactor.String(outSnap.Inline),
		"stderr":           redactor.String(errSnap.Inline),
		"stdout_bytes":     outSnap.TotalBytes,
		"stderr_bytes":     errSnap.TotalBytes,
		"stdout_truncated": outSnap.Truncated || outSnap.InlineTruncated,
		"stderr_truncated": errSnap.Truncated || errSnap.InlineTruncated,
		"duration_ms":      time.Since(start).Milliseconds(),
	}, nil
}
