package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/validation"
)

// Protocol identity reported by initialize.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "opsgate"
	ServerVersion   = "1.4.0"
)

// maxLineBytes bounds one JSON-RPC frame.
const maxLineBytes = 16 * 1024 * 1024

// Server is the stdio JSON-RPC front-end.
type Server struct {
	executor *executor.Executor
	tier     string
	log      *logging.Logger

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// NewServer creates a server over the executor.
func NewServer(exec *executor.Executor, tier string, log *logging.Logger) *Server {
	return &Server{executor: exec, tier: tier, log: log}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Serve reads frames from in and writes responses to out until EOF.
// Distinct requests run concurrently; writes are serialized.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(&rpcResponse{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errors.JSONRPCParseError, Message: "parse error"},
			})
			continue
		}

		// notifications carry no id and receive no response
		if strings.HasPrefix(req.Method, "notifications/") || len(req.ID) == 0 {
			continue
		}

		wg.Add(1)
		go func(req rpcRequest) {
			defer wg.Done()
			s.write(s.dispatch(ctx, &req))
		}(req)
	}
	wg.Wait()
	return scanner.Err()
}

func (s *Server) write(resp *rpcResponse) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Error("response marshal failed")
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", encoded)
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"list": true, "call": true},
			},
			"serverInfo": map[string]interface{}{
				"name":    ServerName,
				"version": ServerVersion,
			},
		}
	case "tools/list":
		resp.Result = s.toolsList()
	case "tools/call":
		result, rpcErr := s.toolsCall(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{
			Code:    errors.JSONRPCMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}
	}
	return resp
}

func (s *Server) toolsList() map[string]interface{} {
	specs := CatalogForTier(s.tier)
	tools := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, map[string]interface{}{
			"name":        spec.Name,
			"description": spec.Description,
			"inputSchema": NormalizeSchema(spec.InputSchema),
		})
	}
	return map[string]interface{}{"tools": tools}
}

func (s *Server) toolsCall(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var call struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return nil, &rpcError{Code: errors.JSONRPCInvalidParams, Message: "tools/call needs name and arguments"}
	}

	envelope, err := s.executor.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		te := errors.Ensure(err)
		return nil, &rpcError{
			Code:    errors.JSONRPCCode(te),
			Message: te.Message,
			Data: map[string]interface{}{
				"kind":      string(te.Kind),
				"code":      te.Code,
				"retryable": te.Retryable,
				"hint":      te.Hint,
				"details":   te.Details,
			},
		}
	}

	text, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return nil, &rpcError{Code: errors.JSONRPCInternal, Message: "envelope marshal failed"}
	}
	return map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": string(text)},
		},
	}, nil
}

// HandleHelp serves the help tool from the catalog.
func HandleHelp(tier string) executor.HandlerFunc {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		specs := CatalogForTier(tier)
		if tool, ok := validation.OptStr(args, "tool"); ok {
			for _, spec := range specs {
				if spec.Name == tool {
					return map[string]interface{}{
						"success":     true,
						"tool":        spec.Name,
						"description": spec.Description,
						"example":     toolExample(spec.Name),
					}, nil
				}
			}
			return nil, errors.NotFound("tool %q not in catalog", tool)
		}
		tools := make([]interface{}, 0, len(specs))
		for _, spec := range specs {
			tools = append(tools, map[string]interface{}{
				"name":        spec.Name,
				"description": spec.Description,
			})
		}
		return map[string]interface{}{
			"success": true,
			"tools":   tools,
			"flows": []interface{}{
				"mcp_workspace profile_upsert -> mcp_ssh_manager exec",
				"mcp_api_client paginate -> store_as -> mcp_psql_manager insert_bulk",
				"mcp_intent compile -> mcp_intent execute (apply:true)",
				"mcp_pipeline http_to_postgres with project target hydration",
			},
		}, nil
	}
}

// HandleLegend serves the envelope legend tool.
func HandleLegend() executor.HandlerFunc {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"success": true,
			"envelope": map[string]interface{}{
				"ok":     "true when the tool call succeeded",
				"result": "tool output after shaping, spill and redaction",
				"meta":   "tool, action, trace_id, span_id, parent_span_id, duration_ms, invoked_as, preset, stored_as",
			},
			"spill_record": map[string]interface{}{
				"truncated": "always true on a spill record",
				"bytes":     "original byte length",
				"sha256":    "digest of the full value (authoritative)",
				"preview":   "UTF-8-safe prefix",
				"tail":      "UTF-8-safe suffix",
				"artifact":  "capped capture under artifact://, or null",
			},
			"artifact_uri": "artifact://runs/<trace_id>/tool_calls/<span_id>/<filename>",
			"error_kinds": []interface{}{
				"invalid_params", "not_found", "conflict", "denied",
				"timeout", "retryable", "internal",
			},
		}, nil
	}
}

func toolExample(tool string) map[string]interface{} {
	examples := map[string]map[string]interface{}{
		"mcp_ssh_manager": {
			"action": "exec", "profile_name": "web-staging",
			"command": "systemctl status app", "timeout_ms": 30000,
		},
		"mcp_api_client": {
			"action": "paginate", "url": "https://api.example.com/items",
			"pagination": map[string]interface{}{
				"type": "page", "item_path": "items", "size": 100, "stop_on_empty": true,
			},
		},
		"mcp_psql_manager": {
			"action": "query", "profile_name": "reporting",
			"sql": "SELECT id, name FROM users WHERE org = $1", "params": []interface{}{"acme"},
		},
		"mcp_intent": {
			"action": "execute", "type": "deploy", "apply": true,
			"inputs": map[string]interface{}{"service": "api", "version": "1.4.2"},
		},
		"mcp_pipeline": {
			"action": "postgres_to_sftp",
			"source": map[string]interface{}{"sql": "SELECT * FROM events", "format": "jsonl"},
			"sink":   map[string]interface{}{"path": "/srv/exports/events.jsonl"},
		},
	}
	if ex, ok := examples[tool]; ok {
		return ex
	}
	return map[string]interface{}{"action": "list"}
}
