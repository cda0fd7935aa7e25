package router

import (
	"context"
	"sync"
	"time"
)

// StreamSession manages the lifetime of one streaming request: it forwards
// provider chunks to the caller with strictly increasing sequence numbers,
// enforces a per-chunk timeout, and honors cancellation at any point.
//
// Failover happens only while no chunk has been forwarded; once the caller
// has seen partial output the session terminates with an error chunk
// instead of switching providers.
type StreamSession struct {
	id         string
	req        ChatRequest
	candidates []string
	decision   *RouteDecision

	router *Router

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	out  chan StreamChunk
	seq  int
	done chan struct{}
}

// streamBufferSize bounds the session's forwarding channel.
const streamBufferSize = 16

// ID returns the session identifier.
func (s *StreamSession) ID() string {
	return s.id
}

// Chunks returns the caller-visible chunk stream. The channel is closed when
// the session ends for any reason.
func (s *StreamSession) Chunks() <-chan StreamChunk {
	return s.out
}

// Decision returns the routing decision for this session. Attempts keep
// accumulating until the session finishes; read it after Done is closed for
// the final record.
func (s *StreamSession) Decision() *RouteDecision {
	return s.decision
}

// Done is closed when the session has finished for any reason.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the session. It is idempotent: cancelling twice has the same
// effect as once. Cancellation stops chunk delivery, releases the provider
// connection, and does not count as a breaker failure.
func (s *StreamSession) Cancel() {
	s.once.Do(s.cancel)
}

// emit forwards a chunk to the caller, stamping the session ID and the next
// sequence number. Returns false if the session context is done.
func (s *StreamSession) emit(chunk StreamChunk) bool {
	chunk.StreamID = s.id
	chunk.Seq = s.seq
	select {
	case s.out <- chunk:
		s.seq++
		return true
	case <-s.ctx.Done():
		return false
	}
}

// run attempts candidates in order and pumps the winning provider's chunks.
// It owns the out channel and closes it exactly once on exit.
func (s *StreamSession) run() {
	defer func() {
		close(s.out)
		close(s.done)
		s.router.sessions.remove(s.id)
	}()

	start := time.Now()
	var lastErr *Error

	for _, id := range s.candidates {
		if s.ctx.Err() != nil {
			return
		}
		outcome, err := s.attempt(id)
		switch outcome {
		case streamCompleted:
			s.decision.Selected = id
			s.decision.Elapsed = time.Since(start)
			return
		case streamCanceled, streamFailedAfterOutput:
			s.decision.Elapsed = time.Since(start)
			return
		case streamFailedBeforeOutput, streamSkipped:
			if err != nil {
				lastErr = err
			}
			continue
		}
	}

	// Candidates exhausted without any output reaching the caller.
	s.decision.Elapsed = time.Since(start)
	if lastErr == nil {
		lastErr = &Error{Kind: KindNoProvidersAvailable, Message: "no providers available for streaming"}
	}
	lastErr.Decision = s.decision
	s.emit(StreamChunk{Err: lastErr, Done: true})
}

// streamOutcome describes how one streaming attempt ended.
type streamOutcome int

const (
	streamCompleted streamOutcome = iota
	streamSkipped
	streamFailedBeforeOutput
	streamFailedAfterOutput
	streamCanceled
)

// attempt tries a single candidate end to end.
func (s *StreamSession) attempt(id string) (streamOutcome, *Error) {
	r := s.router
	state, ok := r.registry.get(id)
	if !ok {
		s.decision.attempted(id, "skipped", KindNotConfigured, nil, 0)
		return streamSkipped, nil
	}
	if !state.provider.Capabilities().SupportsStreaming {
		err := newError(KindCapabilityUnsupported, id, "provider does not support streaming")
		s.decision.attempted(id, "skipped", err.Kind, err, 0)
		return streamSkipped, err
	}
	if cred := state.config.Credential; cred != nil && !cred.Valid() {
		err := newError(KindAuth, id, "credential invalid or expired")
		s.decision.attempted(id, "failed", err.Kind, err, 0)
		r.emitAttemptFailed(s.ctx, s.decision.ID, id, err)
		return streamFailedBeforeOutput, err
	}

	done, allowed := state.breaker.Allow()
	if !allowed {
		s.decision.attempted(id, "skipped", KindUnknown, nil, 0)
		return streamSkipped, nil
	}
	if !state.acquireSlot() {
		done(true)
		s.decision.attempted(id, "skipped", KindUnknown, nil, 0)
		return streamSkipped, nil
	}
	defer state.releaseSlot()

	began := time.Now()
	src, err := state.provider.Stream(s.ctx, s.req)
	if err != nil {
		cerr := classify(id, err)
		r.settle(state, done, cerr)
		s.decision.attempted(id, "failed", cerr.Kind, cerr, time.Since(began))
		r.emitAttemptFailed(s.ctx, s.decision.ID, id, cerr)
		if cerr.Kind == KindStreamCanceled {
			return streamCanceled, cerr
		}
		return streamFailedBeforeOutput, cerr
	}

	outcome, cerr := s.pump(state, src, done, began)
	switch outcome {
	case streamCompleted:
		s.decision.attempted(id, "succeeded", KindUnknown, nil, time.Since(began))
	case streamCanceled:
		s.decision.attempted(id, "canceled", KindStreamCanceled, nil, time.Since(began))
	default:
		s.decision.attempted(id, "failed", cerr.Kind, cerr, time.Since(began))
		r.emitAttemptFailed(s.ctx, s.decision.ID, id, cerr)
	}
	return outcome, cerr
}

// pump forwards chunks from one provider source until completion, failure,
// timeout, or cancellation.
func (s *StreamSession) pump(state *providerState, src <-chan StreamChunk, done func(bool), began time.Time) (streamOutcome, *Error) {
	r := s.router
	id := state.provider.ID()
	forwarded := false

	timer := time.NewTimer(s.router.cfg.StreamChunkTimeout)
	defer timer.Stop()

	fail := func(cerr *Error) (streamOutcome, *Error) {
		r.settle(state, done, cerr)
		state.recordOutcome(false, Usage{})
		if !forwarded {
			return streamFailedBeforeOutput, cerr
		}
		cerr.Decision = s.decision
		s.emit(StreamChunk{Err: cerr, Done: true})
		return streamFailedAfterOutput, cerr
	}

	for {
		select {
		case <-s.ctx.Done():
			// Caller cancellation: no breaker or budget accounting.
			done(true)
			return streamCanceled, nil

		case <-timer.C:
			cerr := newError(KindTimeout, id, "no chunk within %s", s.router.cfg.StreamChunkTimeout)
			return fail(cerr)

		case chunk, ok := <-src:
			if !ok {
				cerr := newError(KindInvalidResponse, id, "provider stream ended without a final chunk")
				return fail(cerr)
			}
			if chunk.Err != nil {
				return fail(classify(id, chunk.Err))
			}

			if !s.emit(chunk) {
				done(true)
				return streamCanceled, nil
			}
			forwarded = true

			if chunk.Done {
				done(true)
				latency := time.Since(began)
				state.recordLatency(latency)
				var usage Usage
				if chunk.Usage != nil {
					usage = *chunk.Usage
					usage.CostUSD = actualCost(id, chunk.Model, usage, state.provider.Capabilities())
					r.budget.Record(usage.CostUSD)
				}
				state.recordOutcome(true, usage)
				r.emitDispatched(s.ctx, s.decision.ID, id, latency)
				return streamCompleted, nil
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.router.cfg.StreamChunkTimeout)
		}
	}
}

// sessionRegistry tracks active stream sessions.
type sessionRegistry struct {
	mu sync.Mutex
	by map[string]*StreamSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{by: make(map[string]*StreamSession)}
}

func (r *sessionRegistry) add(s *StreamSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.by[s.id] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.by, id)
}

func (r *sessionRegistry) get(id string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.by[id]
	return s, ok
}

func (r *sessionRegistry) activeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.by))
	for id := range r.by {
		out = append(out, id)
	}
	return out
}

func (r *sessionRegistry) cancelAll() {
	r.mu.Lock()
	sessions := make([]*StreamSession, 0, len(r.by))
	for _, s := range r.by {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}
