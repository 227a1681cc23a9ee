package httpengine

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyLayering(t *testing.T) {
	base := DefaultRetryPolicy()
	layered := base.Layer(map[string]interface{}{
		"max_attempts":  float64(5),
		"base_delay_ms": float64(100),
		"jitter":        0.5,
		"status_codes":  []interface{}{float64(503)},
		"methods":       []interface{}{"get", "HEAD"},
	})

	assert.Equal(t, 5, layered.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, layered.BaseDelay)
	assert.Equal(t, 0.5, layered.Jitter)
	assert.Equal(t, []int{503}, layered.StatusCodes)
	assert.True(t, layered.AllowsMethod("GET"))
	assert.True(t, layered.AllowsMethod("head"))
	assert.False(t, layered.AllowsMethod("POST"))

	// base untouched
	assert.Equal(t, 3, base.MaxAttempts)
}

func TestDelayExponentialAndClamped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	noJitter := func() float64 { return 0.5 } // midpoint: factor 1.0

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0, noJitter))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, 0, noJitter))
	assert.Equal(t, 350*time.Millisecond, p.Delay(3, 0, noJitter))
	assert.Equal(t, 350*time.Millisecond, p.Delay(10, 0, noJitter))
}

func TestDelayJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.3}
	low := p.Delay(1, 0, func() float64 { return 0 })
	high := p.Delay(1, 0, func() float64 { return 0.999999 })

	assert.InDelta(t, float64(700*time.Millisecond), float64(low), float64(time.Millisecond))
	assert.InDelta(t, float64(1300*time.Millisecond), float64(high), float64(2*time.Millisecond))
}

func TestDelayRespectsRetryAfter(t *testing.T) {
	p := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Minute, RespectRetryAfter: true}
	d := p.Delay(1, 3*time.Second, nil)
	assert.GreaterOrEqual(t, d, 3*time.Second)

	p.RespectRetryAfter = false
	d = p.Delay(1, 3*time.Second, nil)
	assert.Equal(t, 50*time.Millisecond, d)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	assert.Equal(t, time.Duration(0), ParseRetryAfter(http.Header{}))
}

func TestCachePolicyLayer(t *testing.T) {
	p := CachePolicy{}.Layer(map[string]interface{}{
		"enabled": true,
		"ttl_ms":  float64(60000),
		"key":     "fixtures",
	})
	assert.True(t, p.Enabled)
	assert.Equal(t, time.Minute, p.TTL)
	assert.Equal(t, "fixtures", p.Key)
}

func TestParseLinkHeader(t *testing.T) {
	header := `<https://api.example.com/items?page=2>; rel="next", <https://api.example.com/items?page=9>; rel="last"`
	assert.Equal(t, "https://api.example.com/items?page=2", parseLinkHeader(header, "next"))
	assert.Equal(t, "https://api.example.com/items?page=9", parseLinkHeader(header, "last"))
	assert.Equal(t, "", parseLinkHeader(header, "prev"))
	assert.Equal(t, "", parseLinkHeader("", "next"))
}
