package pgengine

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// acquireFunc resolves the pool for a request. Tests swap in sqlmock.
type acquireFunc func(ctx context.Context, args map[string]interface{}) (*sqlx.DB, error)

// Engine is the Postgres tool implementation.
type Engine struct {
	profiles *store.ProfileStore
	projects *store.ProjectStore
	limits   config.Limits
	log      *logging.Logger
	audit    *logging.AuditSink

	pools *poolCache
	db    acquireFunc
}

// Deps wires an engine.
type Deps struct {
	Profiles *store.ProfileStore
	Projects *store.ProjectStore
	Limits   config.Limits
	Log      *logging.Logger
	Audit    *logging.AuditSink
}

// New creates a Postgres engine.
func New(deps Deps) *Engine {
	e := &Engine{
		profiles: deps.Profiles,
		projects: deps.Projects,
		limits:   deps.Limits,
		log:      deps.Log,
		audit:    deps.Audit,
		pools:    newPoolCache(),
	}
	e.db = e.acquire
	return e
}

// Handle dispatches an mcp_psql_manager action.
func (e *Engine) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "query":
		return e.Query(ctx, args)
	case "insert":
		return e.Insert(ctx, args)
	case "update":
		return e.Update(ctx, args)
	case "delete":
		return e.Delete(ctx, args)
	case "select":
		return e.Select(ctx, args)
	case "count":
		return e.Count(ctx, args)
	case "exists":
		return e.Exists(ctx, args)
	case "insert_bulk":
		return e.InsertBulk(ctx, args)
	case "export":
		return e.Export(ctx, args)
	default:
		return nil, errors.InvalidParams("unknown postgres action %q", action)
	}
}
