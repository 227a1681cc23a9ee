package sshengine

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Job tracks a detached remote process. The remote pid/log/exit sentinel
// files are the source of truth; this record is a local convenience.
type Job struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	PID         int64     `json:"pid,omitempty"`
	PIDPath     string    `json:"pid_path"`
	LogPath     string    `json:"log_path"`
	ExitPath    string    `json:"exit_path"`
	ProfileName string    `json:"profile_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}

// JobRegistry is an LRU-bounded concurrent map of jobs.
type JobRegistry struct {
	mu    sync.Mutex
	cap   int
	jobs  map[string]*list.Element
	order *list.List // front = most recent
}

// NewJobRegistry creates a registry bounded to capacity entries.
func NewJobRegistry(capacity int) *JobRegistry {
	if capacity <= 0 {
		capacity = 200
	}
	return &JobRegistry{
		cap:   capacity,
		jobs:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// Put registers a job, evicting the least recently used past capacity.
func (r *JobRegistry) Put(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.jobs[job.JobID]; ok {
		el.Value = job
		r.order.MoveToFront(el)
		return
	}
	r.jobs[job.JobID] = r.order.PushFront(job)
	for r.order.Len() > r.cap {
		last := r.order.Back()
		r.order.Remove(last)
		delete(r.jobs, last.Value.(*Job).JobID)
	}
}

// Get returns a job and refreshes its recency.
func (r *JobRegistry) Get(jobID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.jobs[jobID]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	job := *el.Value.(*Job)
	return &job, true
}

// Forget drops a job from the registry.
func (r *JobRegistry) Forget(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	r.order.Remove(el)
	delete(r.jobs, jobID)
	return true
}

// List returns all jobs, most recent first.
func (r *JobRegistry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		job := *el.Value.(*Job)
		out = append(out, &job)
	}
	return out
}

// Len reports the number of tracked jobs.
func (r *JobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// jobSpec resolves job fields: explicit args win over the registry record.
type jobSpec struct {
	JobID       string
	PID         int64
	PIDPath     string
	LogPath     string
	ExitPath    string
	ProfileName string
}

func (e *Engine) resolveJobSpec(args map[string]interface{}) (*jobSpec, error) {
	spec := &jobSpec{}
	if id, ok := validation.OptStr(args, "job_id"); ok {
		spec.JobID = id
		if job, ok := e.jobs.Get(id); ok {
			spec.PID = job.PID
			spec.PIDPath = job.PIDPath
			spec.LogPath = job.LogPath
			spec.ExitPath = job.ExitPath
			spec.ProfileName = job.ProfileName
		}
	}
	if pid, ok := validation.OptInt(args, "pid"); ok {
		spec.PID = pid
	}
	if v, ok := validation.OptStr(args, "pid_path"); ok {
		spec.PIDPath = v
	}
	if v, ok := validation.OptStr(args, "log_path"); ok {
		spec.LogPath = v
	}
	if v, ok := validation.OptStr(args, "exit_path"); ok {
		spec.ExitPath = v
	}
	if spec.PID == 0 && spec.PIDPath == "" {
		return nil, errors.InvalidParams("job_id, pid or pid_path is required")
	}
	return spec, nil
}

// Probe output markers. Prefixed to survive noisy login shells.
const (
	markerPID      = "__OPSGATE_PID__="
	markerRunning  = "__OPSGATE_RUNNING__="
	markerExitCode = "__OPSGATE_EXIT_CODE__="
	markerLogBytes = "__OPSGATE_LOG_BYTES__="
)

// buildProbeScript renders the remote job probe.
func buildProbeScript(spec *jobSpec) string {
	pidValue := ""
	if spec.PID > 0 {
		pidValue = fmt.Sprintf("%d", spec.PID)
	}
	lines := []string{
		"set -u",
		"PID_VALUE=" + quote(pidValue),
		"PID_PATH=" + quote(spec.PIDPath),
		"EXIT_PATH=" + quote(spec.ExitPath),
		"LOG_PATH=" + quote(spec.LogPath),
		`pid="$PID_VALUE"`,
		`if [ -z "$pid" ] && [ -n "$PID_PATH" ] && [ -f "$PID_PATH" ]; then pid="$(cat "$PID_PATH" 2>/dev/null | tr -dc '0-9' | head -c 32)"; fi`,
		"running=0",
		`if [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null; then running=1; fi`,
		`exit_code=""`,
		`if [ -n "$EXIT_PATH" ] && [ -f "$EXIT_PATH" ]; then exit_code="$(cat "$EXIT_PATH" 2>/dev/null | tr -d '\r\n' | head -c 64)"; fi`,
		`log_bytes=""`,
		`if [ -n "$LOG_PATH" ] && [ -f "$LOG_PATH" ]; then log_bytes="$(wc -c < "$LOG_PATH" 2>/dev/null | tr -d ' ')"; fi`,
		`echo "` + markerPID + `$pid"`,
		`echo "` + markerRunning + `$running"`,
		`echo "` + markerExitCode + `$exit_code"`,
		`echo "` + markerLogBytes + `$log_bytes"`,
	}
	return strings.Join(lines, "\n")
}

// probeStatus is the parsed probe outcome.
type probeStatus struct {
	PID      int64
	Running  bool
	Exited   bool
	ExitCode int64
	LogBytes int64
}

// parseProbeOutput extracts the marker lines from probe stdout.
func parseProbeOutput(stdout string) probeStatus {
	pick := func(prefix string) string {
		for _, line := range strings.Split(stdout, "\n") {
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), prefix); ok {
				return rest
			}
		}
		return ""
	}
	var st probeStatus
	fmt.Sscanf(pick(markerPID), "%d", &st.PID)
	st.Running = pick(markerRunning) == "1"
	exitStr := strings.TrimSpace(pick(markerExitCode))
	if exitStr != "" {
		if _, err := fmt.Sscanf(exitStr, "%d", &st.ExitCode); err == nil {
			st.Exited = true
		}
	}
	fmt.Sscanf(pick(markerLogBytes), "%d", &st.LogBytes)
	return st
}
