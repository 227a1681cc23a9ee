// Package policy implements operator-less authorization gates and the
// TTL-bounded lock service serializing write intents.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Lock TTL bounds.
const (
	DefaultLockTTL = 15 * time.Minute
	MaxLockTTL     = 24 * time.Hour
)

// Policy is the normalized write policy attached to a project target.
type Policy struct {
	Mode              string
	AllowIntents      []string
	AllowMerge        *bool
	AllowedRemotes    []string
	AllowedNamespaces []string
	ChangeWindows     []ChangeWindow
	LockEnabled       bool
	LockTTL           time.Duration
}

// ChangeWindow is a weekly recurrence during which writes are permitted.
// Times are minutes since midnight in TZ (UTC only for now).
type ChangeWindow struct {
	Days  [7]bool
	Start int
	End   int
}

var dayNames = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// Normalize builds a Policy from a raw JSON tree. A nil tree yields a
// permissive operatorless policy with locking enabled.
func Normalize(raw map[string]interface{}) (*Policy, error) {
	p := &Policy{
		Mode:        "operatorless",
		LockEnabled: true,
		LockTTL:     DefaultLockTTL,
	}
	if raw == nil {
		return p, nil
	}

	if mode, ok := validation.OptStr(raw, "mode"); ok {
		p.Mode = mode
	}

	if allow, ok := validation.OptObj(raw, "allow"); ok {
		p.AllowIntents = validation.StrSlice(allow, "intents")
		if merge, ok := validation.OptBool(allow, "merge"); ok {
			p.AllowMerge = &merge
		}
	}
	if repo, ok := validation.OptObj(raw, "repo"); ok {
		p.AllowedRemotes = validation.StrSlice(repo, "allowed_remotes")
	}
	if k8s, ok := validation.OptObj(raw, "kubernetes"); ok {
		p.AllowedNamespaces = validation.StrSlice(k8s, "allowed_namespaces")
	}

	if windows, ok := validation.OptArr(raw, "change_windows"); ok {
		for i, entry := range windows {
			wobj, ok := validation.AsObj(entry)
			if !ok {
				return nil, errors.InvalidParams("change_windows[%d] must be an object", i)
			}
			w, err := parseWindow(wobj)
			if err != nil {
				return nil, errors.InvalidParams("change_windows[%d]: %v", i, err)
			}
			p.ChangeWindows = append(p.ChangeWindows, w)
		}
	}

	if lock, ok := validation.OptObj(raw, "lock"); ok {
		p.LockEnabled = validation.BoolOr(lock, "enabled", true)
		if ttl, ok := validation.OptInt(lock, "ttl_ms"); ok {
			d := time.Duration(ttl) * time.Millisecond
			if d <= 0 {
				return nil, errors.InvalidParams("lock.ttl_ms must be positive")
			}
			if d > MaxLockTTL {
				d = MaxLockTTL
			}
			p.LockTTL = d
		}
	}

	return p, nil
}

func parseWindow(raw map[string]interface{}) (ChangeWindow, error) {
	var w ChangeWindow

	days, ok := validation.OptArr(raw, "days")
	if !ok || len(days) == 0 {
		for i := range w.Days {
			w.Days[i] = true
		}
	} else {
		for _, d := range days {
			switch v := d.(type) {
			case string:
				name := strings.ToLower(strings.TrimSpace(v))
				if name == "*" {
					for i := range w.Days {
						w.Days[i] = true
					}
					continue
				}
				idx, ok := dayNames[name]
				if !ok {
					return w, fmt.Errorf("unknown day %q", v)
				}
				w.Days[idx] = true
			case float64:
				idx := int(v)
				if idx < 0 || idx > 6 {
					return w, fmt.Errorf("day index %d out of range", idx)
				}
				w.Days[idx] = true
			default:
				return w, fmt.Errorf("day entries must be names or indices")
			}
		}
	}

	start, err := parseClock(validation.StrOr(raw, "start", ""))
	if err != nil {
		return w, fmt.Errorf("start: %v", err)
	}
	end, err := parseClock(validation.StrOr(raw, "end", ""))
	if err != nil {
		return w, fmt.Errorf("end: %v", err)
	}
	if tz := validation.StrOr(raw, "tz", "UTC"); !strings.EqualFold(tz, "UTC") {
		return w, fmt.Errorf("only UTC change windows are supported, got %q", tz)
	}
	w.Start = start
	w.End = end
	return w, nil
}

func parseClock(raw string) (int, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", raw)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", raw)
	}
	return hh*60 + mm, nil
}

// Contains reports whether t (UTC) falls inside the window. Windows wrapping
// past midnight admit minutes before End when the previous day is allowed.
func (w ChangeWindow) Contains(t time.Time) bool {
	t = t.UTC()
	day := int(t.Weekday())
	minutes := t.Hour()*60 + t.Minute()

	if w.Start <= w.End {
		return w.Days[day] && minutes >= w.Start && minutes < w.End
	}
	// wraps past midnight
	if w.Days[day] && minutes >= w.Start {
		return true
	}
	prev := (day + 6) % 7
	return w.Days[prev] && minutes < w.End
}

// WriteRequest describes the write operation being gated.
type WriteRequest struct {
	Intent    string
	Merge     bool
	Remote    string
	Namespace string
}

// EnforceWrite applies the policy gates to a write request at time now.
func (p *Policy) EnforceWrite(req WriteRequest, now time.Time) error {
	if p.Mode != "operatorless" {
		return errors.Denied("policy mode %q does not permit unattended writes", p.Mode)
	}
	if len(p.AllowIntents) > 0 && req.Intent != "" && !contains(p.AllowIntents, req.Intent) {
		return errors.Denied("intent %q not in policy allow-list", req.Intent)
	}
	if req.Merge && p.AllowMerge != nil && !*p.AllowMerge {
		return errors.Denied("merge writes are disabled by policy")
	}
	if req.Remote != "" && len(p.AllowedRemotes) > 0 && !contains(p.AllowedRemotes, req.Remote) {
		return errors.Denied("remote %q not in policy allow-list", req.Remote)
	}
	if req.Namespace != "" && len(p.AllowedNamespaces) > 0 && !contains(p.AllowedNamespaces, req.Namespace) {
		return errors.Denied("namespace %q not in policy allow-list", req.Namespace)
	}
	if len(p.ChangeWindows) > 0 {
		inWindow := false
		for _, w := range p.ChangeWindows {
			if w.Contains(now) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return errors.Denied("write at %s is outside change window", now.UTC().Format("Mon 15:04"))
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, entry := range list {
		if entry == v {
			return true
		}
	}
	return false
}
