package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText makes the state render by name in JSON.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned without calling the wrapped function while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

var breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "loans_circuit_breaker_state",
	Help: "Circuit breaker state per upstream (0 closed, 1 open, 2 half open)",
}, []string{"name"})

// BreakerConfig configures a circuit breaker guarding an upstream such as
// the M-Pesa or SMS gateway.
type BreakerConfig struct {
	Name string
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a probe.
	ResetTimeout time.Duration
	// CallTimeout bounds each call. Zero leaves the caller's deadline.
	CallTimeout time.Duration
	// HalfOpenSuccesses probes must succeed before closing again.
	HalfOpenSuccesses int
}

// CircuitBreaker stops calling an upstream after repeated failures.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	probeOK     int
	openedAt    time.Time
	total       int64
	totalFailed int64
	rejected    int64
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	breakerStateGauge.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return cb
}

// Call runs fn unless the breaker is open.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	callCtx := ctx
	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.total++
	if err != nil {
		cb.totalFailed++
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenSuccesses {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	Warn("circuit breaker state change",
		"name", cb.cfg.Name,
		"from", cb.state.String(),
		"to", s.String(),
	)
	cb.state = s
	cb.probeOK = 0
	breakerStateGauge.WithLabelValues(cb.cfg.Name).Set(float64(s))
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:           cb.state,
		TotalRequests:   cb.total,
		TotalFailures:   cb.totalFailed,
		Rejected:        cb.rejected,
		CurrentFailures: cb.failures,
	}
}

// BreakerStats holds circuit breaker counters.
type BreakerStats struct {
	State           BreakerState `json:"state"`
	TotalRequests   int64        `json:"total_requests"`
	TotalFailures   int64        `json:"total_failures"`
	Rejected        int64        `json:"rejected"`
	CurrentFailures int          `json:"current_failures"`
}

var (
	breakersMu sync.Mutex
	breakers   = map[string]*CircuitBreaker{}
)

// GetCircuitBreaker returns the breaker registered under cfg.Name, creating
// it on first use.
func GetCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()

	if cb, ok := breakers[cfg.Name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(cfg)
	breakers[cfg.Name] = cb
	return cb
}

// CircuitBreakerStats returns stats for every registered breaker.
func CircuitBreakerStats() map[string]BreakerStats {
	breakersMu.Lock()
	defer breakersMu.Unlock()

	out := make(map[string]BreakerStats, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.Stats()
	}
	return out
}
