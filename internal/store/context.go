package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Context is the cached detection of the working directory's surroundings.
type Context struct {
	Root        string            `json:"root"`
	Git         bool              `json:"git"`
	GitBranch   string            `json:"git_branch,omitempty"`
	ProjectName string            `json:"project_name,omitempty"`
	TargetName  string            `json:"target_name,omitempty"`
	Signals     map[string]bool   `json:"signals,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// Marker files whose presence becomes a context signal and tag.
var signalFiles = map[string]string{
	"go.mod":             "go",
	"package.json":       "node",
	"Cargo.toml":         "rust",
	"pyproject.toml":     "python",
	"Dockerfile":         "docker",
	"docker-compose.yml": "compose",
	"Makefile":           "make",
	".env":               "dotenv",
	"kustomization.yaml": "kustomize",
	"Chart.yaml":         "helm",
}

// ContextService detects and caches workspace context. Detection is cheap
// filesystem probing; git state comes from .git metadata, not a subprocess.
type ContextService struct {
	mu     sync.Mutex
	cached *Context
}

// NewContextService creates an empty context cache.
func NewContextService() *ContextService {
	return &ContextService{}
}

// Current returns the cached context, detecting on first use or when the
// working directory moved.
func (s *ContextService) Current() (*Context, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && strings.HasPrefix(cwd, s.cached.Root) {
		cp := *s.cached
		return &cp, nil
	}
	ctx := detect(cwd)
	s.cached = ctx
	cp := *ctx
	return &cp, nil
}

// Refresh drops the cache and re-detects.
func (s *ContextService) Refresh() (*Context, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := detect(cwd)
	s.cached = ctx
	cp := *ctx
	return &cp, nil
}

// AsMap shapes the context for tool results and when-clause evaluation.
func (c *Context) AsMap() map[string]interface{} {
	signals := make(map[string]interface{}, len(c.Signals))
	for k, v := range c.Signals {
		signals[k] = v
	}
	tags := make([]interface{}, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = t
	}
	return map[string]interface{}{
		"root":         c.Root,
		"git":          c.Git,
		"git_branch":   c.GitBranch,
		"project_name": c.ProjectName,
		"target_name":  c.TargetName,
		"signals":      signals,
		"tags":         tags,
		"detected_at":  c.DetectedAt.UTC().Format(time.RFC3339),
	}
}

func detect(cwd string) *Context {
	root := findRoot(cwd)
	ctx := &Context{
		Root:       root,
		Signals:    make(map[string]bool),
		DetectedAt: time.Now().UTC(),
	}

	gitDir := filepath.Join(root, ".git")
	if fi, err := os.Stat(gitDir); err == nil && fi.IsDir() {
		ctx.Git = true
		ctx.GitBranch = readGitBranch(gitDir)
	}

	tagSet := make(map[string]bool)
	for file, tag := range signalFiles {
		if _, err := os.Stat(filepath.Join(root, file)); err == nil {
			ctx.Signals[file] = true
			tagSet[tag] = true
		}
	}
	if ctx.Git {
		tagSet["git"] = true
	}
	for tag := range tagSet {
		ctx.Tags = append(ctx.Tags, tag)
	}
	sort.Strings(ctx.Tags)

	ctx.ProjectName = filepath.Base(root)
	return ctx
}

// findRoot walks up from cwd looking for a repository boundary.
func findRoot(cwd string) string {
	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd
		}
		dir = parent
	}
}

func readGitBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if name, ok := strings.CutPrefix(head, "ref: refs/heads/"); ok {
		return name
	}
	return ""
}
