// Package pgengine implements the Postgres tool: pooled connections,
// typed query execution, SQL building, bulk insert and streamed export.
package pgengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// poolCache holds lazily created pools for the process lifetime, keyed by
// profile name or by a stable hash of the inline connection.
type poolCache struct {
	mu    sync.Mutex
	pools map[string]*sqlx.DB
}

func newPoolCache() *poolCache {
	return &poolCache{pools: make(map[string]*sqlx.DB)}
}

// connConfig is the resolved connection + pool bounds.
type connConfig struct {
	Key string
	DSN string

	MaxSize           int
	MinIdle           int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
}

// resolveConn merges the inline connection object over the bound profile.
func (e *Engine) resolveConn(args map[string]interface{}) (*connConfig, error) {
	fields := map[string]interface{}{}

	if name, ok := validation.OptStr(args, "profile_name"); ok {
		p, err := e.profiles.Get(name)
		if err != nil {
			return nil, err
		}
		if p.Type != store.ProfilePostgres {
			return nil, errors.InvalidParams("profile %q is %s, not postgresql", name, p.Type)
		}
		for k, v := range p.Data {
			fields[k] = v
		}
		for k, v := range p.Secrets {
			fields[k] = v
		}
		fields["__key"] = "profile:" + name
	} else if project, ok := validation.OptStr(args, "project"); ok {
		rt, err := e.projects.Resolve(project, validation.StrOr(args, "target", ""))
		if err != nil {
			return nil, err
		}
		if rt.Entry.PostgresProfile == "" {
			return nil, errors.InvalidParams("target %q declares no postgres profile", rt.Target)
		}
		p, err := e.profiles.Get(rt.Entry.PostgresProfile)
		if err != nil {
			return nil, err
		}
		for k, v := range p.Data {
			fields[k] = v
		}
		for k, v := range p.Secrets {
			fields[k] = v
		}
		fields["__key"] = "profile:" + p.Name
	}

	if conn, ok := validation.OptObj(args, "connection"); ok {
		for k, v := range conn {
			fields[k] = v
		}
		delete(fields, "__key")
	}
	if len(fields) == 0 {
		return nil, errors.InvalidParams("connection or profile_name is required")
	}

	cfg := &connConfig{
		MaxSize:           10,
		ConnectionTimeout: 10 * time.Second,
	}
	if opts, ok := validation.OptObj(args, "pool_options"); ok {
		if n, ok := validation.OptInt(opts, "max_size"); ok && n > 0 {
			cfg.MaxSize = int(n)
		}
		if n, ok := validation.OptInt(opts, "min_idle"); ok && n >= 0 {
			cfg.MinIdle = int(n)
		}
		if ms, ok := validation.OptInt(opts, "idle_timeout_ms"); ok && ms > 0 {
			cfg.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := validation.OptInt(opts, "connection_timeout_ms"); ok && ms > 0 {
			cfg.ConnectionTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	dsn, err := buildDSN(fields, cfg.ConnectionTimeout)
	if err != nil {
		return nil, err
	}
	cfg.DSN = dsn

	if key, ok := fields["__key"].(string); ok {
		cfg.Key = key
	} else {
		cfg.Key = "conn:" + hashConn(fields, args["pool_options"])
	}
	return cfg, nil
}

// buildDSN renders a lib/pq keyword DSN.
func buildDSN(fields map[string]interface{}, connectTimeout time.Duration) (string, error) {
	host := validation.StrOr(fields, "host", "localhost")
	dbname := validation.StrOr(fields, "database", validation.StrOr(fields, "dbname", ""))
	user := validation.StrOr(fields, "user", validation.StrOr(fields, "username", ""))
	if dbname == "" || user == "" {
		return "", errors.InvalidParams("postgres connection needs database and user")
	}

	pairs := []string{
		"host=" + dsnValue(host),
		fmt.Sprintf("port=%d", validation.IntOr(fields, "port", 5432)),
		"dbname=" + dsnValue(dbname),
		"user=" + dsnValue(user),
		"sslmode=" + dsnValue(validation.StrOr(fields, "sslmode", "prefer")),
		fmt.Sprintf("connect_timeout=%d", int(connectTimeout.Seconds())),
	}
	if pass := validation.StrOr(fields, "password", ""); pass != "" {
		pairs = append(pairs, "password="+dsnValue(pass))
	}
	return strings.Join(pairs, " "), nil
}

func dsnValue(v string) string {
	if strings.ContainsAny(v, " '\\") {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

// hashConn derives a stable cache key for an inline connection.
func hashConn(fields map[string]interface{}, poolOptions interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, fields[k])
	}
	if poolOptions != nil {
		encoded, _ := json.Marshal(poolOptions)
		b.Write(encoded)
	}
	return store.SHA256Hex([]byte(b.String()))[:16]
}

// acquire returns the pool for the resolved connection, creating it on
// first use.
func (e *Engine) acquire(ctx context.Context, args map[string]interface{}) (*sqlx.DB, error) {
	cfg, err := e.resolveConn(args)
	if err != nil {
		return nil, err
	}

	e.pools.mu.Lock()
	defer e.pools.mu.Unlock()
	if db, ok := e.pools.pools[cfg.Key]; ok {
		return db, nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Internal("postgres open failed", err)
	}
	db.SetMaxOpenConns(cfg.MaxSize)
	if cfg.MinIdle > 0 {
		db.SetMaxIdleConns(cfg.MinIdle)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Retryable("postgres ping failed: %v", err)
	}

	e.pools.pools[cfg.Key] = db
	return db, nil
}
