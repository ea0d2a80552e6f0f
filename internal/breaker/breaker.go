package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the three classic breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError is returned when a call is rejected without being attempted.
// It carries the breaker name and state so callers can tell "breaker open"
// apart from "underlying call failed".
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s, call rejected", e.Name, e.State)
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Config tunes a single breaker instance.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker isolates one named external dependency. All state mutation
// happens under the breaker's own lock; the wrapped call itself runs with
// the lock released. One instance is shared by every caller targeting the
// same dependency name.
type CircuitBreaker struct {
	name string
	conf Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
}

// New creates a closed breaker for the named dependency.
func New(name string, conf Config) *CircuitBreaker {
	if conf.FailureThreshold <= 0 {
		conf.FailureThreshold = 5
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 60 * time.Second
	}
	if conf.HalfOpenMaxCalls <= 0 {
		conf.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:  name,
		conf:  conf,
		state: StateClosed,
	}
}

// Call runs fn through the breaker. A rejection returns *OpenError without
// attempting fn; otherwise fn's own error is returned unchanged so callers
// keep its type.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.conf.Timeout {
			return &OpenError{Name: cb.name, State: StateOpen}
		}
		// Timeout elapsed, let a trial call through.
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.conf.HalfOpenMaxCalls {
			return &OpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.halfOpenCalls++
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.successCount++
		// A successful trial closes the breaker; in CLOSED state a success
		// clears the failure streak.
		cb.state = StateClosed
		cb.failureCount = 0
		cb.halfOpenCalls = 0
		return
	}

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateHalfOpen:
		// A failing trial reopens with a fresh timeout window.
		cb.state = StateOpen
		cb.halfOpenCalls = 0
	case StateClosed:
		if cb.failureCount >= cb.conf.FailureThreshold {
			cb.state = StateOpen
		}
	}
}

// Reset forces the breaker closed with zero counters. Administrative
// override only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	cb.lastFailureTime = time.Time{}
}

// GetStats exposes the breaker's counters for observability.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Registry hands out one shared breaker per dependency name. Built once at
// process start and passed by reference into everything that makes external
// calls.
type Registry struct {
	mu       sync.Mutex
	conf     Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers all share conf.
func NewRegistry(conf Config) *Registry {
	return &Registry{
		conf:     conf,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.conf)
	r.breakers[name] = cb
	return cb
}

// Stats snapshots every breaker in the registry keyed by dependency name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.GetStats()
	}
	return out
}
