package router

import (
	"context"
	"sync"
	"time"
)

// Capabilities declares what a provider supports and what it charges.
type Capabilities struct {
	SupportsStreaming  bool
	SupportsEmbeddings bool
	CostPer1KInput     float64
	CostPer1KOutput    float64
}

// Provider is the boundary to one upstream LLM provider. Implementations own
// the wire protocol; the router only sees this interface.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Model returns the default model served by this provider.
	Model() string

	// Capabilities returns the provider's capability flags and per-1K rates.
	Capabilities() Capabilities

	// Call performs a non-streaming completion.
	Call(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream starts a streaming completion. Only called when
	// Capabilities().SupportsStreaming is true.
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// Probe is a cheap liveness check.
	Probe(ctx context.Context) error
}

// CredentialSource reports whether a provider's credential is currently
// usable. Acquisition and renewal happen elsewhere; the router only consumes
// validity. A nil source means the credential is always considered valid.
type CredentialSource interface {
	Valid() bool
}

// ProviderConfig is the static, operator-supplied definition for one provider.
type ProviderConfig struct {
	// Priority orders providers for the Priority strategy; lower is preferred.
	Priority int
	// Timeout overrides the router's request timeout for this provider.
	Timeout time.Duration
	// MaxInflight caps concurrent requests to this provider; 0 means no cap.
	MaxInflight int
	// Credential gates dispatch; invalid credentials fail fast.
	Credential CredentialSource
}

// providerStats tracks cumulative request outcomes for one provider.
type providerStats struct {
	requests uint64
	failures uint64
	usage    Usage
}

// ewmaAlpha weights the latest latency sample in the moving average.
const ewmaAlpha = 0.3

// providerState is the live mutable status of one provider. All fields are
// guarded by mu; the lock is never held across network I/O.
type providerState struct {
	mu sync.Mutex

	provider Provider
	config   ProviderConfig
	breaker  *Breaker

	health       Health
	missedProbes int

	coolingUntil time.Time

	latencyEWMA time.Duration
	samples     int

	inflight int
	stats    providerStats
}

// setCooling marks the provider as soft-throttled until the deadline.
func (s *providerState) setCooling(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.coolingUntil) {
		s.coolingUntil = until
	}
}

// cooling reports whether the provider is excluded by a soft throttle.
func (s *providerState) cooling(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.coolingUntil)
}

// recordLatency folds a new sample into the latency estimate.
func (s *providerState) recordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		s.latencyEWMA = d
	} else {
		s.latencyEWMA = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(s.latencyEWMA))
	}
	s.samples++
}

// recordOutcome updates cumulative stats after an attempt.
func (s *providerState) recordOutcome(success bool, usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.requests++
	if success {
		s.stats.usage.Add(usage)
	} else {
		s.stats.failures++
	}
}

// setHealth records a probe result and returns the resulting health.
func (s *providerState) setHealth(ok bool, unreachableAfter int) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.missedProbes = 0
		s.health = HealthHealthy
	} else {
		s.missedProbes++
		if s.missedProbes >= unreachableAfter {
			s.health = HealthUnreachable
		} else {
			s.health = HealthDegraded
		}
	}
	return s.health
}

// acquireSlot reserves an inflight slot, if one is free.
func (s *providerState) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.MaxInflight > 0 && s.inflight >= s.config.MaxInflight {
		return false
	}
	s.inflight++
	return true
}

// releaseSlot frees an inflight slot.
func (s *providerState) releaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

// status snapshots the provider's live state.
func (s *providerState) status(now time.Time) ProviderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ProviderStatus{
		ID:       s.provider.ID(),
		Model:    s.provider.Model(),
		Priority: s.config.Priority,
		Health:   s.health,
		Breaker:  s.breaker.State(),
		Latency:  s.latencyEWMA,
		Inflight: s.inflight,
		Requests: s.stats.requests,
		Failures: s.stats.failures,
	}
	if now.Before(s.coolingUntil) {
		st.Cooling = true
		st.CoolingUntil = s.coolingUntil
	}
	return st
}

// Registry owns the provider set and each provider's live state. It is safe
// for concurrent use; per-provider state has its own lock so requests to
// different providers never contend.
type Registry struct {
	mu    sync.RWMutex
	by    map[string]*providerState
	order []string // registration order; drives round robin
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{by: make(map[string]*providerState)}
}

// Register adds a provider with its static configuration. Registering an
// existing ID replaces the provider but keeps its position in the static
// order.
func (r *Registry) Register(p Provider, cfg ProviderConfig, breaker *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, exists := r.by[id]; !exists {
		r.order = append(r.order, id)
	}
	r.by[id] = &providerState{
		provider: p,
		config:   cfg,
		breaker:  breaker,
		health:   HealthHealthy,
	}
}

// Deregister removes a provider.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.by[id]; !ok {
		return false
	}
	delete(r.by, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// get returns the state for one provider.
func (r *Registry) get(id string) (*providerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.by[id]
	return s, ok
}

// ids returns the full configured provider list in registration order.
func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// each calls fn for every registered provider state.
func (r *Registry) each(fn func(id string, s *providerState)) {
	r.mu.RLock()
	states := make(map[string]*providerState, len(r.by))
	for id, s := range r.by {
		states[id] = s
	}
	r.mu.RUnlock()
	for id, s := range states {
		fn(id, s)
	}
}

// eligible reports whether a provider may receive traffic right now:
// reachable, breaker not open, not cooling, credential valid, and an
// inflight slot available.
func (s *providerState) eligible(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == HealthUnreachable {
		return false
	}
	if s.breaker.State() == BreakerOpen {
		return false
	}
	if now.Before(s.coolingUntil) {
		return false
	}
	if s.config.Credential != nil && !s.config.Credential.Valid() {
		return false
	}
	if s.config.MaxInflight > 0 && s.inflight >= s.config.MaxInflight {
		return false
	}
	return true
}
