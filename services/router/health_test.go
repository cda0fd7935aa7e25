package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

// =============================================================================
// Probe transitions
// =============================================================================

func TestHealthMonitor_DegradedThenUnreachable(t *testing.T) {
	a := newMockProvider("alpha")
	a.probeErr = errors.New("connect refused")

	cfg := testConfig()
	cfg.Health = HealthMonitorConfig{Interval: time.Hour, ProbeTimeout: time.Second, UnreachableAfter: 3}
	r := newTestRouter(cfg, a)
	defer r.Close()

	r.ProbeAll(context.Background())
	if got := r.ProviderStatuses()[0].Health; got != HealthDegraded {
		t.Fatalf("expected degraded after 1 miss, got %s", got)
	}

	r.ProbeAll(context.Background())
	r.ProbeAll(context.Background())
	if got := r.ProviderStatuses()[0].Health; got != HealthUnreachable {
		t.Fatalf("expected unreachable after 3 misses, got %s", got)
	}

	// Unreachable providers are not candidates.
	_, _, err := r.Route(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if ErrorKind(err) != KindNoProvidersAvailable {
		t.Errorf("expected no_providers_available, got %v", err)
	}
	if a.callCount() != 0 {
		t.Error("unreachable provider must not be dispatched to")
	}
}

func TestHealthMonitor_RecoveryResetsMisses(t *testing.T) {
	a := newMockProvider("alpha")
	a.probeErr = errors.New("down")

	cfg := testConfig()
	cfg.Health = HealthMonitorConfig{Interval: time.Hour, ProbeTimeout: time.Second, UnreachableAfter: 3}
	r := newTestRouter(cfg, a)
	defer r.Close()

	r.ProbeAll(context.Background())
	r.ProbeAll(context.Background())

	a.mu.Lock()
	a.probeErr = nil
	a.mu.Unlock()

	r.ProbeAll(context.Background())
	if got := r.ProviderStatuses()[0].Health; got != HealthHealthy {
		t.Fatalf("expected healthy after successful probe, got %s", got)
	}

	// The miss streak starts over from zero.
	a.mu.Lock()
	a.probeErr = errors.New("down again")
	a.mu.Unlock()
	r.ProbeAll(context.Background())
	if got := r.ProviderStatuses()[0].Health; got != HealthDegraded {
		t.Errorf("expected degraded after 1 fresh miss, got %s", got)
	}
}

func TestHealthMonitor_DegradedStillDispatchable(t *testing.T) {
	a := newMockProvider("alpha")
	a.probeErr = errors.New("flaky")
	r := newTestRouter(testConfig(), a)
	defer r.Close()

	r.ProbeAll(context.Background())
	if got := r.ProviderStatuses()[0].Health; got != HealthDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	resp, _, err := r.Route(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("degraded provider should still serve traffic: %v", err)
	}
	if resp.Provider != "alpha" {
		t.Errorf("unexpected provider %s", resp.Provider)
	}
}

func TestHealthMonitor_ProbesAllProviders(t *testing.T) {
	a := newMockProvider("alpha")
	b := newMockProvider("beta")
	r := newTestRouter(testConfig(), a, b)
	defer r.Close()

	r.ProbeAll(context.Background())

	for _, p := range []*mockProvider{a, b} {
		p.mu.Lock()
		probes := p.probes
		p.mu.Unlock()
		if probes != 1 {
			t.Errorf("%s probed %d times, want 1", p.id, probes)
		}
	}
}

func TestHealthMonitor_StartStopIdempotent(t *testing.T) {
	a := newMockProvider("alpha")
	cfg := testConfig()
	cfg.Health.Interval = 10 * time.Millisecond
	r := newTestRouter(cfg, a)

	ctx := context.Background()
	r.Start(ctx)
	r.Start(ctx) // second start is a no-op

	time.Sleep(35 * time.Millisecond)
	r.Close()
	r.Close() // second stop is safe

	a.mu.Lock()
	probes := a.probes
	a.mu.Unlock()
	if probes == 0 {
		t.Error("probe loop never ran")
	}
}
