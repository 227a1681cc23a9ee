package sshengine

import (
	"context"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// runFunc executes a command on the target described by spec. The engine's
// composed flows (jobs, deploy, authorized_keys) go through this seam so
// they stay testable without a live server.
type runFunc func(ctx context.Context, spec *ConnSpec, req *execRequest) (*execResult, error)

// Engine is the SSH tool implementation.
type Engine struct {
	profiles  *store.ProfileStore
	projects  *store.ProjectStore
	artifacts *store.ArtifactStore
	limits    config.Limits
	log       *logging.Logger
	audit     *logging.AuditSink
	jobs      *JobRegistry

	run runFunc
	// uploadOverride replaces the SFTP leg of deploy_file when set; the
	// live path stays default.
	uploadOverride func(ctx context.Context, args map[string]interface{}, localPath, remotePath string) error
}

// Deps wires an engine.
type Deps struct {
	Profiles  *store.ProfileStore
	Projects  *store.ProjectStore
	Artifacts *store.ArtifactStore
	Limits    config.Limits
	Log       *logging.Logger
	Audit     *logging.AuditSink
}

// New creates an SSH engine.
func New(deps Deps) *Engine {
	e := &Engine{
		profiles:  deps.Profiles,
		projects:  deps.Projects,
		artifacts: deps.Artifacts,
		limits:    deps.Limits,
		log:       deps.Log,
		audit:     deps.Audit,
		jobs:      NewJobRegistry(deps.Limits.SSHMaxJobs),
	}
	e.run = e.runExec
	return e
}

// Handle dispatches an mcp_ssh_manager action.
func (e *Engine) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "exec":
		return e.Exec(ctx, args)
	case "exec_detached":
		return e.ExecDetached(ctx, args)
	case "job_status":
		return e.JobStatus(ctx, args)
	case "job_wait":
		return e.JobWait(ctx, args)
	case "job_logs_tail":
		return e.JobLogsTail(ctx, args)
	case "follow_job":
		return e.FollowJob(ctx, args)
	case "job_kill":
		return e.JobKill(ctx, args)
	case "job_forget":
		return e.JobForget(args)
	case "jobs_list":
		return e.JobsList(), nil
	case "sftp_list":
		return e.SFTPList(ctx, args)
	case "sftp_exists":
		return e.SFTPExists(ctx, args)
	case "upload":
		return e.Upload(ctx, args)
	case "download":
		return e.SFTPDownload(ctx, args)
	case "deploy_file":
		return e.DeployFile(ctx, args)
	case "authorized_keys_add":
		return e.AuthorizedKeysAdd(ctx, args)
	default:
		return nil, errors.InvalidParams("unknown ssh action %q", action)
	}
}

// HandleJobs dispatches the mcp_jobs tool: the job-lifecycle subset of
// the SSH engine.
func (e *Engine) HandleJobs(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "jobs_list":
		return e.JobsList(), nil
	case "job_status":
		return e.JobStatus(ctx, args)
	case "job_wait":
		return e.JobWait(ctx, args)
	case "job_logs_tail":
		return e.JobLogsTail(ctx, args)
	case "follow_job":
		return e.FollowJob(ctx, args)
	case "job_kill":
		return e.JobKill(ctx, args)
	case "job_forget":
		return e.JobForget(args)
	default:
		return nil, errors.InvalidParams("unknown jobs action %q", action)
	}
}

// envSecrets extends the engine redactor with secrets from the request env.
func (e *Engine) envSecrets(args map[string]interface{}) *redaction.Redactor {
	return redaction.New(redaction.CollectEnvSecrets(args))
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
