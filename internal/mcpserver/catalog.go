// Package mcpserver implements the line-delimited JSON-RPC 2.0 front-end
// over stdio and the static tool catalog it publishes.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// Tool tiers selectable via INFRA_TOOL_TIER.
const (
	TierCore = "core"
	TierFull = "full"
)

// coreTools is the reduced catalog for the core tier.
var coreTools = map[string]bool{
	"help": true, "legend": true, "mcp_workspace": true,
	"mcp_jobs": true, "mcp_artifacts": true, "mcp_project": true,
}

// ToolSpec is one catalog entry.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

func actionSchema(description string, actions []string, properties map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": toIface(actions),
		},
	}
	for k, v := range properties {
		props[k] = v
	}
	// control fields accepted on every tool
	props["output"] = map[string]interface{}{
		"type": []interface{}{"string", "array"},
	}
	props["store_as"] = map[string]interface{}{"type": "string"}
	props["store_scope"] = map[string]interface{}{
		"type": "string", "enum": []interface{}{"session", "persistent"},
	}
	props["preset"] = map[string]interface{}{"type": "string"}
	props["trace_id"] = map[string]interface{}{"type": "string"}
	props["span_id"] = map[string]interface{}{"type": "string"}
	props["parent_span_id"] = map[string]interface{}{"type": "string"}

	req := append([]string{"action"}, required...)
	return map[string]interface{}{
		"type":                 "object",
		"description":          description,
		"properties":           props,
		"required":             toIface(req),
		"additionalProperties": true,
	}
}

func str() map[string]interface{}   { return map[string]interface{}{"type": "string"} }
func num() map[string]interface{}   { return map[string]interface{}{"type": "number"} }
func boolS() map[string]interface{} { return map[string]interface{}{"type": "boolean"} }
func obj() map[string]interface{}   { return map[string]interface{}{"type": "object"} }
func arr() map[string]interface{}   { return map[string]interface{}{"type": "array"} }

func toIface(list []string) []interface{} {
	out := make([]interface{}, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}

// Catalog returns the full tool catalog in presentation order.
func Catalog() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "help",
			Description: "Usage overview: tools, common flows and examples.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tool":     str(),
					"trace_id": str(),
					"span_id":  str(),
				},
				"additionalProperties": true,
			},
		},
		{
			Name:        "legend",
			Description: "Envelope field legend: meta, trace, artifact and spill records.",
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"properties":           map[string]interface{}{},
				"additionalProperties": true,
			},
		},
		{
			Name:        "mcp_workspace",
			Description: "Profiles, aliases, presets and state entries.",
			InputSchema: actionSchema("workspace management", []string{
				"profile_upsert", "profile_get", "profile_list", "profile_delete",
				"alias_set", "alias_list", "alias_delete",
				"preset_set", "preset_list", "preset_delete",
				"state_get", "state_set", "state_delete", "state_keys",
			}, map[string]interface{}{
				"name": str(), "type": str(), "data": obj(), "secrets": obj(),
				"tool": str(), "args": obj(), "key": str(), "value": map[string]interface{}{},
				"scope": str(), "prefix": str(),
			}),
		},
		{
			Name:        "mcp_project",
			Description: "Project catalog: targets and per-target profile mappings.",
			InputSchema: actionSchema("project catalog", []string{
				"upsert", "get", "list", "delete", "resolve",
			}, map[string]interface{}{
				"name": str(), "default_target": str(), "targets": obj(), "target": str(),
			}),
		},
		{
			Name:        "mcp_context",
			Description: "Workspace context detection: root, git, signals and tags.",
			InputSchema: actionSchema("context detection", []string{"get", "refresh"}, nil),
		},
		{
			Name:        "mcp_runbook",
			Description: "Runbook storage and execution.",
			InputSchema: actionSchema("runbooks", []string{
				"list", "get", "upsert", "delete", "run",
			}, map[string]interface{}{
				"name": str(), "steps": arr(), "input": obj(),
			}),
		},
		{
			Name:        "mcp_intent",
			Description: "Declarative intents: compile, dry_run and execute plans.",
			InputSchema: actionSchema("intents", []string{
				"compile", "execute", "dry_run",
			}, map[string]interface{}{
				"type": str(), "inputs": obj(), "apply": boolS(),
				"project": str(), "target": str(), "repo_root": str(),
			}, "type"),
		},
		{
			Name:        "mcp_capability",
			Description: "Capability catalog backing intent resolution.",
			InputSchema: actionSchema("capabilities", []string{
				"list", "get", "upsert", "delete", "import",
			}, map[string]interface{}{
				"name": str(), "intent": str(), "runbook": str(),
				"inputs": obj(), "effects": obj(), "depends_on": arr(),
				"when": map[string]interface{}{}, "path": str(),
			}),
		},
		{
			Name:        "mcp_ssh_manager",
			Description: "SSH exec (sync and detached), jobs, SFTP, deploy and key install.",
			InputSchema: actionSchema("ssh", []string{
				"exec", "exec_detached", "job_status", "job_wait", "job_logs_tail",
				"follow_job", "job_kill", "job_forget", "jobs_list",
				"sftp_list", "sftp_exists", "upload", "download",
				"deploy_file", "authorized_keys_add",
			}, map[string]interface{}{
				"profile_name": str(), "project": str(), "target": str(),
				"host": str(), "port": num(), "username": str(),
				"command": str(), "cwd": str(), "env": obj(), "pty": boolS(),
				"stdin": str(), "stdin_file": str(), "timeout_ms": num(),
				"job_id": str(), "pid": num(), "pid_path": str(),
				"log_path": str(), "exit_path": str(), "poll_interval_ms": num(),
				"lines": num(), "signal": str(),
				"path": str(), "recursive": boolS(), "max_depth": num(),
				"local_path": str(), "remote_path": str(), "mkdirs": boolS(),
				"overwrite": boolS(), "preserve_mtime": boolS(),
				"restart_service": str(), "restart_command": str(),
				"public_key": str(), "authorized_keys_path": str(),
				"host_key_policy": map[string]interface{}{
					"type": "string", "enum": []interface{}{"accept", "tofu", "pin"},
				},
				"host_key_fingerprint_sha256": str(),
			}),
		},
		{
			Name:        "mcp_api_client",
			Description: "HTTP requests, pagination, downloads and smoke checks.",
			InputSchema: actionSchema("http", []string{
				"request", "paginate", "download", "smoke_http",
			}, map[string]interface{}{
				"profile_name": str(), "project": str(), "target": str(),
				"url": str(), "base_url": str(), "path": str(), "method": str(),
				"headers": obj(), "query": map[string]interface{}{
					"type": []interface{}{"string", "object"},
				},
				"body": map[string]interface{}{}, "body_type": str(),
				"body_base64": str(), "form": obj(),
				"auth": map[string]interface{}{
					"type": []interface{}{"string", "object"},
				},
				"response_type": map[string]interface{}{
					"type": "string", "enum": []interface{}{"auto", "json", "text", "bytes"},
				},
				"timeout_ms": num(), "follow_redirects": boolS(), "insecure_ok": boolS(),
				"retry": obj(), "cache": obj(), "pagination": obj(),
				"expect_code": num(),
			}),
		},
		{
			Name:        "mcp_psql_manager",
			Description: "Postgres queries, builders, bulk insert and export.",
			InputSchema: actionSchema("postgres", []string{
				"query", "insert", "update", "delete", "select", "count",
				"exists", "insert_bulk", "export",
			}, map[string]interface{}{
				"profile_name": str(), "project": str(), "target": str(),
				"connection": obj(), "pool_options": obj(),
				"sql": str(), "params": arr(), "mode": str(), "timeout_ms": num(),
				"table": str(), "row": obj(), "rows": arr(), "set": obj(),
				"filters": obj(), "where_sql": str(), "where_params": arr(),
				"returning": map[string]interface{}{
					"type": []interface{}{"boolean", "array"},
				},
				"columns": arr(), "order_by": str(), "order": str(),
				"limit": num(), "offset": num(),
				"format": str(), "batch_size": num(), "csv_header": boolS(),
				"csv_delimiter": str(), "path": str(),
			}),
		},
		{
			Name:        "mcp_env",
			Description: "Env-file rendering from env profiles.",
			InputSchema: actionSchema("env files", []string{
				"render", "preview", "export",
			}, map[string]interface{}{
				"profile_name": str(), "path": str(),
			}),
		},
		{
			Name:        "mcp_vault",
			Description: "Secret store access and ref:vault: resolution.",
			InputSchema: actionSchema("vault", []string{
				"get", "put", "list", "delete", "resolve", "status",
			}, map[string]interface{}{
				"profile_name": str(), "mount": str(), "path": str(),
				"data": obj(), "value": map[string]interface{}{},
			}),
		},
		{
			Name:        "mcp_pipeline",
			Description: "Cross-engine byte streams: HTTP, SFTP and Postgres legs.",
			InputSchema: actionSchema("pipelines", []string{
				"http_to_sftp", "sftp_to_http", "http_to_postgres",
				"sftp_to_postgres", "postgres_to_sftp", "postgres_to_http",
				"deploy_smoke",
			}, map[string]interface{}{
				"project": str(), "target": str(),
				"source": obj(), "sink": obj(),
				"deploy": obj(), "smoke": obj(),
				"smoke_retries": num(), "smoke_delay_ms": num(),
			}),
		},
		{
			Name:        "mcp_repo",
			Description: "Allow-listed git operations in the workspace.",
			InputSchema: actionSchema("repo", []string{"git"}, map[string]interface{}{
				"subcommand": str(), "args": arr(), "cwd": str(), "apply": boolS(),
			}),
		},
		{
			Name:        "mcp_local",
			Description: "Local command execution (gated by INFRA_UNSAFE_LOCAL).",
			InputSchema: actionSchema("local exec", []string{"exec"}, map[string]interface{}{
				"command": str(), "cwd": str(), "env": obj(), "stdin": str(),
				"timeout_ms": num(),
			}),
		},
		{
			Name:        "mcp_artifacts",
			Description: "Artifact listing, reads and deletion by trace/span or URI.",
			InputSchema: actionSchema("artifacts", []string{
				"list", "read", "delete",
			}, map[string]interface{}{
				"uri": str(), "rel": str(), "max_bytes": num(),
			}),
		},
		{
			Name:        "mcp_jobs",
			Description: "Detached job registry: list, status, wait, tail, kill.",
			InputSchema: actionSchema("jobs", []string{
				"jobs_list", "job_status", "job_wait", "job_logs_tail",
				"follow_job", "job_kill", "job_forget",
			}, map[string]interface{}{
				"job_id": str(), "pid": num(), "pid_path": str(),
				"log_path": str(), "exit_path": str(),
				"poll_interval_ms": num(), "timeout_ms": num(), "lines": num(),
			}),
		},
		{
			Name:        "mcp_evidence",
			Description: "Append-only evidence notes with artifact references.",
			InputSchema: actionSchema("evidence", []string{"add", "list"}, map[string]interface{}{
				"note": str(), "kind": str(), "artifacts": arr(), "limit": num(),
			}),
		},
	}
}

// CatalogForTier filters the catalog by tier.
func CatalogForTier(tier string) []ToolSpec {
	all := Catalog()
	if strings.ToLower(tier) != TierCore {
		return all
	}
	out := make([]ToolSpec, 0, len(coreTools))
	for _, spec := range all {
		if coreTools[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

// NormalizeSchema prepares a schema for catalog consumers: arrays without
// items get items:{}, union type lists expand into anyOf, and executor
// control fields are stripped.
func NormalizeSchema(schema map[string]interface{}) map[string]interface{} {
	normalized, _ := normalizeNode(schema).(map[string]interface{})
	if props, ok := normalized["properties"].(map[string]interface{}); ok {
		for _, field := range []string{"output", "store_as", "store_scope", "preset", "preset_name"} {
			delete(props, field)
		}
	}
	return normalized
}

func normalizeNode(node interface{}) interface{} {
	m, ok := node.(map[string]interface{})
	if !ok {
		return node
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}

	if types, ok := out["type"].([]interface{}); ok {
		anyOf := make([]interface{}, len(types))
		for i, t := range types {
			anyOf[i] = map[string]interface{}{"type": t}
		}
		delete(out, "type")
		out["anyOf"] = anyOf
	}
	if out["type"] == "array" {
		if _, ok := out["items"]; !ok {
			out["items"] = map[string]interface{}{}
		}
	}
	if props, ok := out["properties"].(map[string]interface{}); ok {
		normProps := make(map[string]interface{}, len(props))
		for k, v := range props {
			normProps[k] = normalizeNode(v)
		}
		out["properties"] = normProps
	}
	if items, ok := out["items"]; ok {
		out["items"] = normalizeNode(items)
	}
	return out
}

// CompileValidator compiles every catalog schema and returns the executor
// validator. Tools without schemas pass through.
func CompileValidator(specs []ToolSpec) (func(tool string, args map[string]interface{}) error, error) {
	compiled := make(map[string]*jsonschema.Schema, len(specs))
	for _, spec := range specs {
		encoded, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", spec.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", spec.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := "mem://" + spec.Name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", spec.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", spec.Name, err)
		}
		compiled[spec.Name] = schema
	}

	return func(tool string, args map[string]interface{}) error {
		schema, ok := compiled[tool]
		if !ok {
			return nil
		}
		// round-trip so numbers and nested values match JSON decoding
		encoded, err := json.Marshal(args)
		if err != nil {
			return errors.InvalidParams("arguments not serializable: %v", err)
		}
		decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
		if err != nil {
			return errors.InvalidParams("arguments not decodable: %v", err)
		}
		if err := schema.Validate(decoded); err != nil {
			return errors.InvalidParams("arguments invalid for %s: %v", tool, err)
		}
		return nil
	}, nil
}
