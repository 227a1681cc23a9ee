package sshengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Polling bounds for job_wait.
const (
	defaultPollInterval = time.Second
	maxPollInterval     = 5 * time.Second
)

// detachedPaths computes the sentinel file paths for a job.
func detachedPaths(args map[string]interface{}, jobID string) (pidPath, logPath, exitPath string) {
	base := validation.StrOr(args, "workdir", "/tmp")
	logPath = validation.StrOr(args, "log_path", fmt.Sprintf("%s/opsgate-job-%s.log", base, jobID))
	pidPath = validation.StrOr(args, "pid_path", logPath+".pid")
	exitPath = validation.StrOr(args, "exit_path", logPath+".exit")
	return
}

// buildDetachedCommand renders the launch trampoline: clear stale
// sentinels, nohup the body, record $! and append the exit code when the
// wrapped command returns.
func buildDetachedCommand(command, stdinPath, pidPath, logPath, exitPath string) string {
	innerBody := "(" + command + ")"
	if stdinPath != "" {
		innerBody += " < " + quote(stdinPath)
	}
	var inner string
	if stdinPath != "" {
		inner = strings.Join([]string{
			innerBody,
			"rc=$?",
			"rm -f " + quote(stdinPath),
			`echo "$rc" > ` + quote(exitPath),
			`exit "$rc"`,
		}, "\n")
	} else {
		inner = strings.Join([]string{
			innerBody,
			"rc=$?",
			`echo "$rc" > ` + quote(exitPath),
			`exit "$rc"`,
		}, "\n")
	}
	return fmt.Sprintf(
		"rm -f %s %s 2>/dev/null || true; nohup sh -lc %s > %s 2>&1 < /dev/null & echo $! > %s; cat %s",
		quote(pidPath), quote(exitPath), quote(inner), quote(logPath), quote(pidPath), quote(pidPath),
	)
}

// ExecDetached launches a command under nohup and registers the job.
func (e *Engine) ExecDetached(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command, err := validation.Str(args, "command")
	if err != nil {
		return nil, err
	}
	spec, err := e.resolveSpec(args)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	pidPath, logPath, exitPath := detachedPaths(args, jobID)

	// stdin content rides along as a temp file consumed by the trampoline
	stdinPath := ""
	if stdin, ok := validation.OptStr(args, "stdin"); ok {
		stdinPath = logPath + ".stdin"
		uploadCmd := "cat > " + quote(stdinPath)
		res, err := e.run(ctx, spec, &execRequest{
			Command: uploadCmd,
			Stdin:   []byte(stdin),
			Timeout: e.limits.SSHDetachedStartTimeout,
		})
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, errors.Internal(fmt.Sprintf("stdin upload failed: %s", res.Stderr.Inline), nil)
		}
	}

	launch := buildDetachedCommand(command, stdinPath, pidPath, logPath, exitPath)
	res, err := e.run(ctx, spec, &execRequest{
		Command: launch,
		Timeout: e.limits.SSHDetachedStartTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.Internal(fmt.Sprintf("detached start failed: %s", res.Stderr.Inline), nil)
	}

	var pid int64
	fmt.Sscanf(strings.TrimSpace(res.Stdout.Inline), "%d", &pid)

	job := &Job{
		JobID:       jobID,
		Kind:        "ssh_exec",
		PID:         pid,
		PIDPath:     pidPath,
		LogPath:     logPath,
		ExitPath:    exitPath,
		ProfileName: spec.ProfileName,
		CreatedAt:   time.Now().UTC(),
		Status:      "running",
	}
	e.jobs.Put(job)
	e.auditStage("ssh_exec_detached", map[string]interface{}{
		"host": spec.Host, "job_id": jobID, "pid": pid,
	})

	return map[string]interface{}{
		"success":   true,
		"mode":      "detached",
		"job_id":    jobID,
		"pid":       pid,
		"pid_path":  pidPath,
		"log_path":  logPath,
		"exit_path": exitPath,
		"summary":   fmt.Sprintf("job %s started (pid %d)", jobID, pid),
		"next_actions": []interface{}{
			map[string]interface{}{"tool": "mcp_jobs", "args": map[string]interface{}{"action": "job_status", "job_id": jobID}},
			map[string]interface{}{"tool": "mcp_jobs", "args": map[string]interface{}{"action": "follow_job", "job_id": jobID}},
			map[string]interface{}{"tool": "mcp_jobs", "args": map[string]interface{}{"action": "job_logs_tail", "job_id": jobID}},
		},
	}, nil
}

// JobStatus probes the remote sentinels.
func (e *Engine) JobStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	spec, err := e.resolveJobSpec(args)
	if err != nil {
		return nil, err
	}
	st, err := e.probe(ctx, args, spec)
	if err != nil {
		return nil, err
	}
	return jobStatusResult(spec, st), nil
}

func jobStatusResult(spec *jobSpec, st probeStatus) map[string]interface{} {
	out := map[string]interface{}{
		"success":   true,
		"job_id":    spec.JobID,
		"running":   st.Running,
		"exited":    st.Exited,
		"pid_path":  spec.PIDPath,
		"log_path":  spec.LogPath,
		"exit_path": spec.ExitPath,
		"log_bytes": st.LogBytes,
	}
	if st.PID > 0 {
		out["pid"] = st.PID
	} else if spec.PID > 0 {
		out["pid"] = spec.PID
	}
	if st.Exited {
		out["exit_code"] = st.ExitCode
	}
	return out
}

func (e *Engine) probe(ctx context.Context, args map[string]interface{}, spec *jobSpec) (probeStatus, error) {
	connSpec, err := e.resolveJobConn(args, spec)
	if err != nil {
		return probeStatus{}, err
	}
	timeout := time.Duration(validation.IntOr(args, "probe_timeout_ms", 15000)) * time.Millisecond
	res, err := e.run(ctx, connSpec, &execRequest{
		Command: buildProbeScript(spec),
		Timeout: timeout,
	})
	if err != nil {
		return probeStatus{}, err
	}
	if res.ExitCode != 0 {
		return probeStatus{}, errors.Internal(fmt.Sprintf("job probe failed: %s", res.Stderr.Inline), nil)
	}
	return parseProbeOutput(res.Stdout.Inline), nil
}

// resolveJobConn fills profile_name from the job record when absent.
func (e *Engine) resolveJobConn(args map[string]interface{}, spec *jobSpec) (*ConnSpec, error) {
	if _, ok := validation.OptStr(args, "profile_name"); !ok && spec.ProfileName != "" {
		merged := make(map[string]interface{}, len(args)+1)
		for k, v := range args {
			merged[k] = v
		}
		merged["profile_name"] = spec.ProfileName
		args = merged
	}
	return e.resolveSpec(args)
}

// JobWait polls job_status until the job exits or the timeout lapses.
func (e *Engine) JobWait(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	spec, err := e.resolveJobSpec(args)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(validation.IntOr(args, "poll_interval_ms", defaultPollInterval.Milliseconds())) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	timeout := time.Duration(validation.IntOr(args, "timeout_ms", 300000)) * time.Millisecond
	if budget := e.limits.ToolCallTimeout; budget > 0 && timeout > budget {
		timeout = budget
	}

	deadline := time.Now().Add(timeout)
	for {
		st, err := e.probe(ctx, args, spec)
		if err != nil {
			return nil, err
		}
		if st.Exited {
			if job, ok := e.jobs.Get(spec.JobID); ok {
				job.Status = "exited"
				e.jobs.Put(job)
			}
			return jobStatusResult(spec, st), nil
		}
		if time.Now().After(deadline) {
			result := jobStatusResult(spec, st)
			result["success"] = false
			result["wait_timed_out"] = true
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Timeout("job_wait interrupted: %v", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// JobLogsTail returns the last lines of the job log.
func (e *Engine) JobLogsTail(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	spec, err := e.resolveJobSpec(args)
	if err != nil {
		return nil, err
	}
	if spec.LogPath == "" {
		return nil, errors.InvalidParams("log_path is required")
	}
	lines := validation.IntOr(args, "lines", 100)

	connSpec, err := e.resolveJobConn(args, spec)
	if err != nil {
		return nil, err
	}
	res, err := e.run(ctx, connSpec, &execRequest{
		Command: fmt.Sprintf("tail -n %d %s 2>/dev/null || true", lines, quote(spec.LogPath)),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	redactor := e.envSecrets(args)
	return map[string]interface{}{
		"success":   true,
		"job_id":    spec.JobID,
		"log_path":  spec.LogPath,
		"lines":     lines,
		"content":   redactor.String(res.Stdout.Inline),
		"truncated": res.Stdout.InlineTruncated,
	}, nil
}

// FollowJob waits for completion then tails the log.
func (e *Engine) FollowJob(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	waited, err := e.JobWait(ctx, args)
	if err != nil {
		return nil, err
	}
	tailed, err := e.JobLogsTail(ctx, args)
	if err != nil {
		return nil, err
	}
	out := waited.(map[string]interface{})
	out["log_tail"] = tailed.(map[string]interface{})["content"]
	return out, nil
}

// JobKill signals the job's process.
func (e *Engine) JobKill(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	spec, err := e.resolveJobSpec(args)
	if err != nil {
		return nil, err
	}
	st, err := e.probe(ctx, args, spec)
	if err != nil {
		return nil, err
	}
	pid := st.PID
	if pid == 0 {
		pid = spec.PID
	}
	if pid == 0 {
		return nil, errors.NotFound("job has no resolvable pid")
	}

	signal := validation.StrOr(args, "signal", "TERM")
	connSpec, err := e.resolveJobConn(args, spec)
	if err != nil {
		return nil, err
	}
	res, err := e.run(ctx, connSpec, &execRequest{
		Command: fmt.Sprintf("kill -%s %d", signal, pid),
		Timeout: 15 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if job, ok := e.jobs.Get(spec.JobID); ok {
		job.Status = "killed"
		e.jobs.Put(job)
	}
	return map[string]interface{}{
		"success": res.ExitCode == 0,
		"job_id":  spec.JobID,
		"pid":     pid,
		"signal":  signal,
	}, nil
}

// JobForget drops the local registry record.
func (e *Engine) JobForget(args map[string]interface{}) (interface{}, error) {
	jobID, err := validation.Str(args, "job_id")
	if err != nil {
		return nil, err
	}
	forgotten := e.jobs.Forget(jobID)
	return map[string]interface{}{"success": true, "job_id": jobID, "forgotten": forgotten}, nil
}

// JobsList shapes the registry contents.
func (e *Engine) JobsList() interface{} {
	jobs := e.jobs.List()
	out := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, map[string]interface{}{
			"job_id":     job.JobID,
			"kind":       job.Kind,
			"pid":        job.PID,
			"pid_path":   job.PIDPath,
			"log_path":   job.LogPath,
			"exit_path":  job.ExitPath,
			"profile":    job.ProfileName,
			"created_at": job.CreatedAt.Format(time.RFC3339),
			"status":     job.Status,
		})
	}
	return map[string]interface{}{"success": true, "jobs": out, "count": len(out)}
}

// followDetached is the exec path for timeouts beyond the tool budget:
// start detached, then wait and tail within the budget.
func (e *Engine) followDetached(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	started, err := e.ExecDetached(ctx, args)
	if err != nil {
		return nil, err
	}
	startMap := started.(map[string]interface{})

	followArgs := make(map[string]interface{}, len(args)+4)
	for k, v := range args {
		followArgs[k] = v
	}
	for _, k := range []string{"job_id", "pid_path", "log_path", "exit_path"} {
		followArgs[k] = startMap[k]
	}
	delete(followArgs, "timeout_ms")

	followed, err := e.FollowJob(ctx, followArgs)
	if err != nil {
		return nil, err
	}
	out := followed.(map[string]interface{})
	out["mode"] = "detached"
	out["job_id"] = startMap["job_id"]
	return out, nil
}
