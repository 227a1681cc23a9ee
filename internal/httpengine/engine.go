package httpengine

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// redirectHopLimit bounds followed redirects.
const redirectHopLimit = 10

type clientKey struct {
	followRedirects bool
	insecure        bool
}

// Engine is the HTTP tool implementation.
type Engine struct {
	profiles  *store.ProfileStore
	projects  *store.ProjectStore
	artifacts *store.ArtifactStore
	limits    config.Limits
	log       *logging.Logger
	audit     *logging.AuditSink
	redactor  *redaction.Redactor

	mu      sync.Mutex
	clients map[clientKey]*http.Client
	tokens  *tokenCache

	cacheDir string
	now      func() time.Time
	rnd      func() float64
	sleep    func(ctx context.Context, d time.Duration) error
}

// Deps wires an engine.
type Deps struct {
	Profiles  *store.ProfileStore
	Projects  *store.ProjectStore
	Artifacts *store.ArtifactStore
	Limits    config.Limits
	Log       *logging.Logger
	Audit     *logging.AuditSink
	CacheDir  string
}

// New creates an HTTP engine.
func New(deps Deps) *Engine {
	return &Engine{
		profiles:  deps.Profiles,
		projects:  deps.Projects,
		artifacts: deps.Artifacts,
		limits:    deps.Limits,
		log:       deps.Log,
		audit:     deps.Audit,
		redactor:  redaction.New(nil),
		clients:   make(map[clientKey]*http.Client),
		tokens:    newTokenCache(),
		cacheDir:  deps.CacheDir,
		now:       time.Now,
		rnd:       rand.Float64,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// client returns a cached http.Client for the redirect/TLS combination,
// building it lazily.
func (e *Engine) client(key clientKey) *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[key]; ok {
		return c
	}

	c := &http.Client{}
	if key.insecure {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit insecure_ok opt-in
		c.Transport = transport
	}
	if key.followRedirects {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= redirectHopLimit {
				return errors.InvalidParams("stopped after %d redirects", redirectHopLimit)
			}
			return nil
		}
	} else {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	e.clients[key] = c
	return c
}

// resolveProfile picks the API profile: explicit name, else the project
// target default, else the lone api profile, else none.
func (e *Engine) resolveProfile(args map[string]interface{}) (*store.Profile, error) {
	if name, ok := validation.OptStr(args, "profile_name"); ok {
		p, err := e.profiles.Get(name)
		if err != nil {
			return nil, err
		}
		if p.Type != store.ProfileAPI {
			return nil, errors.InvalidParams("profile %q is %s, not api", name, p.Type)
		}
		return p, nil
	}

	if project, ok := validation.OptStr(args, "project"); ok {
		rt, err := e.projects.Resolve(project, validation.StrOr(args, "target", ""))
		if err != nil {
			return nil, err
		}
		if rt.Entry.APIProfile != "" {
			return e.profiles.Get(rt.Entry.APIProfile)
		}
	}

	all, err := e.profiles.List()
	if err != nil {
		return nil, err
	}
	var only *store.Profile
	for _, p := range all {
		if p.Type == store.ProfileAPI {
			if only != nil {
				return nil, nil // ambiguous; proceed profile-less
			}
			only = p
		}
	}
	return only, nil
}

// Handle dispatches an mcp_api_client action.
func (e *Engine) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "request":
		return e.Request(ctx, args)
	case "paginate":
		return e.Paginate(ctx, args)
	case "download":
		return e.Download(ctx, args)
	case "smoke_http":
		return e.SmokeHTTP(ctx, args)
	default:
		return nil, errors.InvalidParams("unknown api action %q", action)
	}
}

func (e *Engine) auditStage(stage string, fields map[string]interface{}) {
	if e.audit == nil {
		return
	}
	record := map[string]interface{}{"stage": stage}
	for k, v := range fields {
		record[k] = e.redactor.Value(v)
	}
	e.audit.Append(record)
}

func (e *Engine) cachePath(key string) string {
	return filepath.Join(e.cacheDir, key+".json")
}
