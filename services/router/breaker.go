package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerState mirrors the circuit breaker's three states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the state name.
func (s BreakerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *BreakerState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for c := BreakerClosed; c <= BreakerHalfOpen; c++ {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", name)
}

// BreakerConfig controls one provider's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive hard failures that open the breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the suggested defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a per-provider circuit breaker built on gobreaker's two-step
// API: the dispatcher asks Allow before an attempt and reports the outcome
// through the returned done callback. At most one half-open probe is in
// flight at a time; additional candidates in that window are skipped.
type Breaker struct {
	mu       sync.Mutex
	name     string
	cfg      BreakerConfig
	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt time.Time
	onChange func(name string, from, to BreakerState)
}

// NewBreaker creates a breaker for one provider. onChange, if non-nil, is
// invoked on every state transition.
func NewBreaker(name string, cfg BreakerConfig, onChange func(name string, from, to BreakerState)) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	b := &Breaker{name: name, cfg: cfg, onChange: onChange}
	b.cb = b.newTwoStep()
	return b
}

func (b *Breaker) newTwoStep() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // single half-open probe
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.stateChanged(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

func (b *Breaker) stateChanged(from, to BreakerState) {
	b.mu.Lock()
	if to == BreakerOpen {
		b.openedAt = time.Now()
	}
	onChange := b.onChange
	b.mu.Unlock()
	if onChange != nil {
		onChange(b.name, from, to)
	}
}

// Allow asks whether an attempt may proceed. On success it returns a done
// callback that must be called exactly once with the attempt outcome; soft
// throttles and cancellations report success so they do not count toward the
// failure threshold. ok is false when the breaker is open or a half-open
// probe is already in flight.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	d, err := cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return fromGobreaker(cb.State())
}

// ConsecutiveFailures returns the current consecutive hard-failure count.
func (b *Breaker) ConsecutiveFailures() uint32 {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return cb.Counts().ConsecutiveFailures
}

// OpenedAt returns when the breaker last opened, zero if never.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Reset force-closes the breaker and clears its counters by swapping in a
// fresh underlying breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	was := fromGobreaker(b.cb.State())
	b.cb = b.newTwoStep()
	b.openedAt = time.Time{}
	onChange := b.onChange
	b.mu.Unlock()
	if was != BreakerClosed && onChange != nil {
		onChange(b.name, was, BreakerClosed)
	}
}

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
