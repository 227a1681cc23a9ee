// Command opsgate runs the operator-in-the-loop automation server:
// line-delimited JSON-RPC 2.0 over stdio exposing the tool catalog.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/httpengine"
	"github.com/opsgate/opsgate/internal/intent"
	"github.com/opsgate/opsgate/internal/mcpserver"
	"github.com/opsgate/opsgate/internal/pgengine"
	"github.com/opsgate/opsgate/internal/pipeline"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/runbook"
	"github.com/opsgate/opsgate/internal/sshengine"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/vault"
	"github.com/opsgate/opsgate/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "opsgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// local .env is a convenience for development shells
	_ = godotenv.Load()

	log := logging.NewFromEnv(mcpserver.ServerName)
	limits := config.Load()

	root, err := store.Root()
	if err != nil {
		return fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("create store root: %w", err)
	}

	profiles := store.NewProfileStore(root)
	projects := store.NewProjectStore(root)
	state := store.NewStateStore(root)
	aliases := store.NewAliasStore(root)
	presets := store.NewPresetStore(root)
	contextSvc := store.NewContextService()

	detected, err := contextSvc.Current()
	if err != nil {
		return fmt.Errorf("detect context: %w", err)
	}
	artifacts := store.NewArtifactStore(filepath.Join(detected.Root, ".opsgate"))
	evidence := store.NewEvidenceLog(artifacts)
	audit := logging.NewAuditSink(filepath.Join(root, "audit.jsonl"), log)
	cacheDir := filepath.Join(root, "http-cache")

	httpEngine := httpengine.New(httpengine.Deps{
		Profiles: profiles, Projects: projects, Artifacts: artifacts,
		Limits: limits, Log: log, Audit: audit, CacheDir: cacheDir,
	})
	sshEngine := sshengine.New(sshengine.Deps{
		Profiles: profiles, Projects: projects, Artifacts: artifacts,
		Limits: limits, Log: log, Audit: audit,
	})
	pgEngine := pgengine.New(pgengine.Deps{
		Profiles: profiles, Projects: projects,
		Limits: limits, Log: log, Audit: audit,
	})
	pipelineEngine := pipeline.New(pipeline.Deps{
		Projects: projects, Artifacts: artifacts, Limits: limits,
		Log: log, Audit: audit, CacheDir: cacheDir,
		HTTP: httpEngine, SSH: sshEngine, PG: pgEngine,
	})

	validate, err := mcpserver.CompileValidator(mcpserver.Catalog())
	if err != nil {
		return fmt.Errorf("compile tool schemas: %w", err)
	}

	exec := executor.New(executor.Deps{
		Aliases: aliases, Presets: presets, State: state,
		Artifacts: artifacts, Audit: audit, Log: log,
		Limits: limits, Validate: validate,
	})

	runbooks := runbook.NewStore(root)
	runner := runbook.NewRunner(exec, state, log)
	locks := policy.NewLockService(state)
	intentEngine := intent.New(intent.Deps{
		Catalog:  intent.NewCatalog(root),
		Runbooks: runbooks,
		Runner:   runner,
		Projects: projects,
		Context:  contextSvc,
		Locks:    locks,
		Log:      log,
	})
	workspaceEngine := workspace.New(workspace.Deps{
		Profiles: profiles, Projects: projects, Context: contextSvc,
		Aliases: aliases, Presets: presets, State: state,
		Artifacts: artifacts, Evidence: evidence,
		Limits: limits, Log: log,
	})
	vaultHandler := vault.NewHandler(profiles)
	runbookHandler := runbook.NewHandler(runbooks, runner)

	exec.Register("help", mcpserver.HandleHelp(limits.ToolTier))
	exec.Register("legend", mcpserver.HandleLegend())
	exec.Register("mcp_workspace", executor.HandlerFunc(workspaceEngine.HandleWorkspace))
	exec.Register("mcp_project", executor.HandlerFunc(workspaceEngine.HandleProject))
	exec.Register("mcp_context", executor.HandlerFunc(workspaceEngine.HandleContext))
	exec.Register("mcp_env", executor.HandlerFunc(workspaceEngine.HandleEnv))
	exec.Register("mcp_artifacts", executor.HandlerFunc(workspaceEngine.HandleArtifacts))
	exec.Register("mcp_evidence", executor.HandlerFunc(workspaceEngine.HandleEvidence))
	exec.Register("mcp_local", executor.HandlerFunc(workspaceEngine.HandleLocal))
	exec.Register("mcp_repo", executor.HandlerFunc(workspaceEngine.HandleRepo))
	exec.Register("mcp_ssh_manager", executor.HandlerFunc(sshEngine.Handle))
	exec.Register("mcp_jobs", executor.HandlerFunc(sshEngine.HandleJobs))
	exec.Register("mcp_api_client", executor.HandlerFunc(httpEngine.Handle))
	exec.Register("mcp_psql_manager", executor.HandlerFunc(pgEngine.Handle))
	exec.Register("mcp_pipeline", executor.HandlerFunc(pipelineEngine.Handle))
	exec.Register("mcp_vault", executor.HandlerFunc(vaultHandler.Handle))
	exec.Register("mcp_runbook", executor.HandlerFunc(runbookHandler.Handle))
	exec.Register("mcp_intent", executor.HandlerFunc(intentEngine.Handle))
	exec.Register("mcp_capability", executor.HandlerFunc(intentEngine.HandleCapability))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(map[string]interface{}{
		"tier":  limits.ToolTier,
		"store": root,
	}).Info("server starting")

	server := mcpserver.NewServer(exec, limits.ToolTier, log)
	return server.Serve(ctx, os.Stdin, os.Stdout)
}
