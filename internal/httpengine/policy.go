// Package httpengine implements the HTTP tool: request building, auth
// providers, retry with jittered backoff, pagination, response caching,
// downloads and smoke checks.
package httpengine

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/validation"
)

// RetryPolicy controls request retries. Policies layer: defaults, then the
// profile's retry object, then the request's.
type RetryPolicy struct {
	Enabled             bool
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              float64
	StatusCodes         []int
	Methods             []string
	RetryOnNetworkError bool
	RespectRetryAfter   bool
}

// DefaultRetryPolicy returns the engine defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:             true,
		MaxAttempts:         3,
		BaseDelay:           250 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		Jitter:              0.2,
		StatusCodes:         []int{429, 500, 502, 503, 504},
		RetryOnNetworkError: true,
		RespectRetryAfter:   true,
	}
}

// Layer overlays raw policy fields onto p, returning the merged policy.
func (p RetryPolicy) Layer(raw map[string]interface{}) RetryPolicy {
	if raw == nil {
		return p
	}
	if enabled, ok := validation.OptBool(raw, "enabled"); ok {
		p.Enabled = enabled
	}
	if n, ok := validation.OptInt(raw, "max_attempts"); ok && n > 0 {
		p.MaxAttempts = int(n)
	}
	if ms, ok := validation.OptInt(raw, "base_delay_ms"); ok && ms >= 0 {
		p.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := validation.OptInt(raw, "max_delay_ms"); ok && ms >= 0 {
		p.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	if j, ok := validation.OptFloat(raw, "jitter"); ok && j >= 0 && j <= 1 {
		p.Jitter = j
	}
	if codes, ok := validation.OptArr(raw, "status_codes"); ok {
		p.StatusCodes = nil
		for _, c := range codes {
			if n, ok := c.(float64); ok {
				p.StatusCodes = append(p.StatusCodes, int(n))
			}
		}
	}
	if methods, ok := validation.OptArr(raw, "methods"); ok {
		p.Methods = nil
		for _, m := range methods {
			if s, ok := m.(string); ok {
				p.Methods = append(p.Methods, strings.ToUpper(s))
			}
		}
	}
	if b, ok := validation.OptBool(raw, "retry_on_network_error"); ok {
		p.RetryOnNetworkError = b
	}
	if b, ok := validation.OptBool(raw, "respect_retry_after"); ok {
		p.RespectRetryAfter = b
	}
	return p
}

// AllowsMethod reports whether retries apply to the given method.
func (p RetryPolicy) AllowsMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	method = strings.ToUpper(method)
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// RetriesStatus reports whether a response status triggers a retry.
func (p RetryPolicy) RetriesStatus(status int) bool {
	for _, c := range p.StatusCodes {
		if c == status {
			return true
		}
	}
	return false
}

// Delay computes the backoff before attempt n (1-based for the first
// retry). rnd yields [0,1). retryAfter, when positive and honored by the
// policy, sets the floor.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && rnd != nil {
		factor := 1 + p.Jitter*(2*rnd()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	if p.RespectRetryAfter && retryAfter > 0 && retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// ParseRetryAfter reads a Retry-After header value as seconds.
func ParseRetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// CachePolicy controls response caching, layered like RetryPolicy.
type CachePolicy struct {
	Enabled     bool
	TTL         time.Duration
	CacheErrors bool
	Key         string
}

// Layer overlays raw cache fields onto p.
func (p CachePolicy) Layer(raw map[string]interface{}) CachePolicy {
	if raw == nil {
		return p
	}
	if enabled, ok := validation.OptBool(raw, "enabled"); ok {
		p.Enabled = enabled
	}
	if ms, ok := validation.OptInt(raw, "ttl_ms"); ok && ms > 0 {
		p.TTL = time.Duration(ms) * time.Millisecond
	}
	if b, ok := validation.OptBool(raw, "cache_errors"); ok {
		p.CacheErrors = b
	}
	if key, ok := validation.OptStr(raw, "key"); ok {
		p.Key = key
	}
	return p
}
