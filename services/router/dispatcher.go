package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultRetryAfter is the cooling window applied when a provider rate
// limits us without a retry-after hint.
const defaultRetryAfter = 10 * time.Second

// Config controls the router's dispatch behavior.
type Config struct {
	// Strategy orders candidates for each request.
	Strategy Strategy
	// RequestTimeout bounds one non-streaming provider attempt. Providers
	// may override it via ProviderConfig.Timeout.
	RequestTimeout time.Duration
	// StreamChunkTimeout bounds the gap between consecutive stream chunks.
	StreamChunkTimeout time.Duration
	// EnableFallback allows trying further candidates after a transient
	// failure. When false the first attempt's outcome is final.
	EnableFallback bool
	// MaxRetries caps fallback attempts beyond the first candidate.
	MaxRetries int
	// DegradeStrategy replaces Strategy for a request when budget spend
	// has crossed the critical threshold.
	DegradeStrategy Strategy

	Breaker BreakerConfig
	Health  HealthMonitorConfig
	Budgets []BudgetLimit
}

// DefaultConfig returns the suggested router defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyPriority,
		RequestTimeout:     120 * time.Second,
		StreamChunkTimeout: 30 * time.Second,
		EnableFallback:     true,
		MaxRetries:         2,
		DegradeStrategy:    StrategyCostOptimized,
		Breaker:            DefaultBreakerConfig(),
		Health:             DefaultHealthMonitorConfig(),
	}
}

// Router dispatches chat requests across registered providers. It applies
// the routing strategy, circuit breaking, soft throttles, budget admission,
// and bounded fallback, and owns all active streaming sessions.
type Router struct {
	cfg       Config
	registry  *Registry
	policy    *policy
	budget    *BudgetEnforcer
	estimator *CostEstimator
	emitter   *Emitter
	sessions  *sessionRegistry
	monitor   *HealthMonitor
	cache     *ResponseCache
	store     EventStore
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures optional router dependencies.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithCache enables response caching for requests that opt in.
func WithCache(cache *ResponseCache) Option {
	return func(r *Router) { r.cache = cache }
}

// WithStore persists routing decisions and events.
func WithStore(store EventStore) Option {
	return func(r *Router) { r.store = store }
}

// WithSink registers an additional event sink.
func WithSink(sink EventSink) Option {
	return func(r *Router) { r.emitter.AddSink(sink) }
}

// New creates a router with the given configuration.
func New(cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.StreamChunkTimeout <= 0 {
		cfg.StreamChunkTimeout = def.StreamChunkTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DegradeStrategy == StrategyPriority {
		cfg.DegradeStrategy = def.DegradeStrategy
	}

	r := &Router{
		cfg:      cfg,
		registry: NewRegistry(),
		policy:   newPolicy(),
		emitter:  NewEmitter(),
		sessions: newSessionRegistry(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	r.estimator = NewCostEstimator()
	r.budget = NewBudgetEnforcer(cfg.Budgets, func(e Event) {
		r.emitter.Emit(context.Background(), e)
	})
	r.monitor = NewHealthMonitor(cfg.Health, r.registry, r.logger)
	if r.store != nil {
		r.emitter.AddSink(NewStoreSink(r.store, r.logger))
	}
	return r
}

// AddProvider registers a provider. Its breaker starts closed.
func (r *Router) AddProvider(p Provider, cfg ProviderConfig) {
	breaker := NewBreaker(p.ID(), r.cfg.Breaker, r.breakerChanged)
	r.registry.Register(p, cfg, breaker)
	r.logger.Info("provider registered", "provider", p.ID(), "model", p.Model())
}

// RemoveProvider deregisters a provider. In-flight requests to it finish
// normally.
func (r *Router) RemoveProvider(id string) bool {
	ok := r.registry.Deregister(id)
	if ok {
		r.logger.Info("provider removed", "provider", id)
	}
	return ok
}

// Start launches background work (the health probe loop).
func (r *Router) Start(ctx context.Context) {
	r.monitor.Start(ctx)
}

// Close cancels all active streams and stops background work.
func (r *Router) Close() {
	r.sessions.cancelAll()
	r.monitor.Stop()
}

// ProbeAll runs one health probe round immediately.
func (r *Router) ProbeAll(ctx context.Context) {
	r.monitor.ProbeAll(ctx)
}

// ProviderStatuses snapshots every provider's live state in registration
// order.
func (r *Router) ProviderStatuses() []ProviderStatus {
	now := time.Now()
	var out []ProviderStatus
	for _, id := range r.registry.ids() {
		if s, ok := r.registry.get(id); ok {
			out = append(out, s.status(now))
		}
	}
	return out
}

// BudgetStatuses snapshots every budget window.
func (r *Router) BudgetStatuses() []BudgetStatus {
	return r.budget.Status()
}

// ResetBreaker force-closes a provider's breaker and clears its counters.
func (r *Router) ResetBreaker(id string) bool {
	s, ok := r.registry.get(id)
	if !ok {
		return false
	}
	s.breaker.Reset()
	r.logger.Info("breaker reset", "provider", id)
	return true
}

// ActiveStreams lists the IDs of in-flight streaming sessions.
func (r *Router) ActiveStreams() []string {
	return r.sessions.activeIDs()
}

// CancelStream cancels an active streaming session by ID.
func (r *Router) CancelStream(id string) bool {
	s, ok := r.sessions.get(id)
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Route dispatches a non-streaming request. On success the response carries
// usage, cost, and latency; on failure the returned error is a *Error whose
// Decision field records every attempt made.
func (r *Router) Route(ctx context.Context, req ChatRequest) (*ChatResponse, *RouteDecision, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route")
	defer span.End()

	requestID := uuid.NewString()
	decision := &RouteDecision{ID: requestID, Strategy: r.cfg.Strategy}
	start := time.Now()

	if r.cache != nil && req.UseCache && !req.Stream {
		if resp, ok := r.cache.Get(ctx, req); ok {
			resp.Cached = true
			decision.Selected = resp.Provider
			decision.Elapsed = time.Since(start)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return resp, decision, nil
		}
	}

	usage := r.estimator.EstimateUsage(req)
	candidates, strategy, err := r.selectCandidates(req, usage, decision)
	if err != nil {
		decision.Elapsed = time.Since(start)
		r.recordDecision(ctx, decision)
		return nil, decision, err
	}
	decision.Strategy = strategy
	decision.Candidates = candidates
	span.SetAttributes(
		attribute.String("routing.strategy", strategy.String()),
		attribute.Int("routing.candidates", len(candidates)),
	)

	var lastErr *Error
	for _, id := range candidates {
		if ctx.Err() != nil {
			decision.Elapsed = time.Since(start)
			return nil, decision, r.finish(ctx, decision, classify("", ctx.Err()))
		}
		resp, cerr := r.attemptCall(ctx, id, req, decision)
		if cerr == nil && resp != nil {
			decision.Selected = id
			decision.Elapsed = time.Since(start)
			if r.cache != nil && req.UseCache {
				r.cache.Set(ctx, req, resp, req.CacheTTL)
			}
			r.recordDecision(ctx, decision)
			return resp, decision, nil
		}
		if cerr != nil {
			lastErr = cerr
			// Malformed payloads and caller cancellation surface
			// immediately; fallback does not help either.
			if cerr.Kind == KindInvalidResponse || cerr.Kind == KindStreamCanceled {
				decision.Elapsed = time.Since(start)
				return nil, decision, r.finish(ctx, decision, cerr)
			}
			if !r.cfg.EnableFallback {
				decision.Elapsed = time.Since(start)
				return nil, decision, r.finish(ctx, decision, cerr)
			}
		}
	}

	decision.Elapsed = time.Since(start)
	if lastErr == nil {
		lastErr = &Error{Kind: KindNoProvidersAvailable, Message: "no providers available"}
	}
	return nil, decision, r.finish(ctx, decision, lastErr)
}

// RouteStream starts a streaming dispatch and returns the session. Budget
// admission and candidate selection happen before the first provider is
// contacted; everything after that, including pre-output failover, runs
// inside the session.
func (r *Router) RouteStream(ctx context.Context, req ChatRequest) (*StreamSession, error) {
	ctx, span := r.tracer.Start(ctx, "router.RouteStream")
	defer span.End()

	requestID := uuid.NewString()
	decision := &RouteDecision{ID: requestID, Strategy: r.cfg.Strategy}

	req.Stream = true
	usage := r.estimator.EstimateUsage(req)
	candidates, strategy, err := r.selectCandidates(req, usage, decision)
	if err != nil {
		r.recordDecision(ctx, decision)
		return nil, err
	}
	decision.Strategy = strategy
	decision.Candidates = candidates

	sctx, cancel := context.WithCancel(ctx)
	session := &StreamSession{
		id:         requestID,
		req:        req,
		candidates: candidates,
		decision:   decision,
		router:     r,
		ctx:        sctx,
		cancel:     cancel,
		out:        make(chan StreamChunk, streamBufferSize),
		done:       make(chan struct{}),
	}
	r.sessions.add(session)
	go session.run()
	return session, nil
}

// selectCandidates applies pinning, budget admission, eligibility, strategy
// ordering, and the fallback bound. The error, when non-nil, is terminal and
// already carries the decision.
func (r *Router) selectCandidates(req ChatRequest, usage Usage, decision *RouteDecision) ([]string, Strategy, error) {
	strategy := r.cfg.Strategy
	now := time.Now()

	if req.Provider != "" {
		if _, ok := r.registry.get(req.Provider); !ok {
			err := newError(KindNotConfigured, req.Provider, "provider not configured")
			err.Decision = decision
			return nil, strategy, err
		}
		_, err := r.admit(req, usage, decision)
		return []string{req.Provider}, strategy, err
	}

	eligible, full := r.eligible(now, usage)
	adm, err := r.admit(req, usage, decision)
	if err != nil {
		return nil, strategy, err
	}
	if len(eligible) == 0 {
		err := &Error{Kind: KindNoProvidersAvailable, Message: "no eligible providers", Decision: decision}
		return nil, strategy, err
	}

	if adm.Degrade {
		strategy = r.cfg.DegradeStrategy
	}

	ordered := r.policy.order(strategy, eligible, full)
	limit := 1
	if r.cfg.EnableFallback {
		limit = r.cfg.MaxRetries + 1
	}
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, strategy, nil
}

// admit runs budget admission with the most expensive candidate's estimate.
func (r *Router) admit(req ChatRequest, usage Usage, decision *RouteDecision) (Admission, error) {
	cost := r.worstCaseCost(req, usage)
	adm, err := r.budget.Admit(cost)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Decision = decision
		}
		return adm, err
	}
	return adm, nil
}

// worstCaseCost prices the estimate against the most expensive provider that
// could serve the request, so admission never undercounts.
func (r *Router) worstCaseCost(req ChatRequest, usage Usage) float64 {
	var worst float64
	price := func(s *providerState) {
		if c := EstimateCost(usage, s.provider.Capabilities()); c > worst {
			worst = c
		}
	}
	if req.Provider != "" {
		if s, ok := r.registry.get(req.Provider); ok {
			price(s)
		}
		return worst
	}
	r.registry.each(func(_ string, s *providerState) { price(s) })
	return worst
}

// eligible snapshots the currently dispatchable providers as strategy
// candidates, plus the full configured list for round robin.
func (r *Router) eligible(now time.Time, usage Usage) ([]candidate, []string) {
	full := r.registry.ids()
	var out []candidate
	for pos, id := range full {
		s, ok := r.registry.get(id)
		if !ok || !s.eligible(now) {
			continue
		}
		s.mu.Lock()
		c := candidate{
			id:            id,
			priority:      s.config.Priority,
			estimatedCost: EstimateCost(usage, s.provider.Capabilities()),
			latency:       s.latencyEWMA,
			hasLatency:    s.samples > 0,
			pos:           pos,
		}
		s.mu.Unlock()
		out = append(out, c)
	}
	return out, full
}

// attemptCall tries one candidate for a non-streaming request.
func (r *Router) attemptCall(ctx context.Context, id string, req ChatRequest, decision *RouteDecision) (*ChatResponse, *Error) {
	state, ok := r.registry.get(id)
	if !ok {
		decision.attempted(id, "skipped", KindNotConfigured, nil, 0)
		return nil, nil
	}
	if cred := state.config.Credential; cred != nil && !cred.Valid() {
		cerr := newError(KindAuth, id, "credential invalid or expired")
		decision.attempted(id, "failed", cerr.Kind, cerr, 0)
		r.emitAttemptFailed(ctx, decision.ID, id, cerr)
		return nil, cerr
	}

	done, allowed := state.breaker.Allow()
	if !allowed {
		decision.attempted(id, "skipped", KindUnknown, nil, 0)
		return nil, nil
	}
	if !state.acquireSlot() {
		done(true)
		decision.attempted(id, "skipped", KindUnknown, nil, 0)
		return nil, nil
	}
	defer state.releaseSlot()

	timeout := r.cfg.RequestTimeout
	if state.config.Timeout > 0 {
		timeout = state.config.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	resp, err := state.provider.Call(callCtx, req)
	elapsed := time.Since(began)

	if err != nil {
		cerr := classify(id, err)
		// The parent context expiring is caller cancellation, not a
		// provider timeout.
		if ctx.Err() != nil && callCtx.Err() != nil && cerr.Kind == KindTimeout {
			cerr = classify(id, ctx.Err())
		}
		r.settle(state, done, cerr)
		state.recordOutcome(false, Usage{})
		decision.attempted(id, "failed", cerr.Kind, cerr, elapsed)
		r.emitAttemptFailed(ctx, decision.ID, id, cerr)
		return nil, cerr
	}

	done(true)
	state.recordLatency(elapsed)
	resp.Provider = id
	resp.Latency = elapsed
	if resp.Model == "" {
		resp.Model = state.provider.Model()
	}
	resp.Usage.CostUSD = actualCost(id, resp.Model, resp.Usage, state.provider.Capabilities())
	state.recordOutcome(true, resp.Usage)
	r.budget.Record(resp.Usage.CostUSD)
	decision.attempted(id, "succeeded", KindUnknown, nil, elapsed)
	r.emitDispatched(ctx, decision.ID, id, elapsed)
	return resp, nil
}

// settle reports an attempt outcome to the breaker and applies soft
// throttle cooling.
func (r *Router) settle(state *providerState, done func(bool), cerr *Error) {
	switch {
	case cerr.Kind == KindRateLimited:
		done(true)
		retry := cerr.RetryAfter
		if retry <= 0 {
			retry = defaultRetryAfter
		}
		state.setCooling(time.Now().Add(retry))
	case cerr.Kind == KindStreamCanceled:
		done(true)
	case cerr.hardFailure():
		done(false)
	default:
		done(true)
	}
}

// finish attaches the decision to the terminal error and persists the
// decision record.
func (r *Router) finish(ctx context.Context, decision *RouteDecision, cerr *Error) error {
	cerr.Decision = decision
	r.recordDecision(ctx, decision)
	return cerr
}

func (r *Router) recordDecision(ctx context.Context, decision *RouteDecision) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordDecision(ctx, decision); err != nil {
		r.logger.Warn("failed to record decision", "request_id", decision.ID, "error", err)
	}
}

func (r *Router) emitDispatched(ctx context.Context, requestID, provider string, latency time.Duration) {
	r.emitter.Emit(ctx, Event{
		Kind:      EventDispatched,
		Provider:  provider,
		RequestID: requestID,
		Detail:    latency.String(),
	})
}

func (r *Router) emitAttemptFailed(ctx context.Context, requestID, provider string, cerr *Error) {
	r.emitter.Emit(ctx, Event{
		Kind:      EventAttemptFailed,
		Provider:  provider,
		RequestID: requestID,
		Detail:    cerr.Error(),
	})
}

func (r *Router) breakerChanged(name string, from, to BreakerState) {
	kind := EventBreakerClosed
	if to == BreakerOpen {
		kind = EventBreakerOpened
	} else if to != BreakerClosed {
		return
	}
	r.logger.Warn("breaker state change",
		"provider", name,
		"from", from.String(),
		"to", to.String(),
	)
	// gobreaker invokes this callback under its own mutex; emitting inline
	// would hold that lock across sink I/O, stalling Allow and State.
	go r.emitter.Emit(context.Background(), Event{Kind: kind, Provider: name, Detail: from.String() + " -> " + to.String()})
}
