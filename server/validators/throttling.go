package validators

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Throttling limits job requests per caller using RPS and RPM budgets. A zero
// budget disables that limit.
type Throttling struct {
	defaultRPS int
	defaultRPM int

	mu       sync.Mutex
	limiters map[string]*limiterPair
}

type limiterPair struct {
	rps *rate.Limiter
	rpm *rate.Limiter
}

func NewThrottling(defaultRPS, defaultRPM int) *Throttling {
	return &Throttling{
		defaultRPS: defaultRPS,
		defaultRPM: defaultRPM,
		limiters:   make(map[string]*limiterPair),
	}
}

func (t *Throttling) getLimiters(key string) *limiterPair {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pair, ok := t.limiters[key]; ok {
		return pair
	}
	pair := &limiterPair{}
	if t.defaultRPM > 0 {
		pair.rpm = rate.NewLimiter(rate.Limit(t.defaultRPM)/60.0, t.defaultRPM)
	}
	if t.defaultRPS > 0 {
		pair.rps = rate.NewLimiter(rate.Limit(t.defaultRPS), t.defaultRPS)
	}
	t.limiters[key] = pair
	return pair
}

// Forget drops the limiters of key.
func (t *Throttling) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, key)
}

func (t *Throttling) Validate(req *Request) error {
	pair := t.getLimiters(req.ClientKey())
	if pair.rpm != nil && !pair.rpm.Allow() {
		return &ValidationError{Status: http.StatusTooManyRequests, Message: "RPM throttling limit exceeded"}
	}
	if pair.rps != nil && !pair.rps.Allow() {
		return &ValidationError{Status: http.StatusTooManyRequests, Message: "RPS throttling limit exceeded"}
	}
	return nil
}
