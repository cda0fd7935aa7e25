package router

import (
	"testing"
	"time"
)

// =============================================================================
// State transitions
// =============================================================================

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
		done(false)
	}

	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Error("open breaker must reject attempts")
	}
	if b.OpenedAt().IsZero() {
		t.Error("OpenedAt should be set")
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	fail := func() {
		done, ok := b.Allow()
		if !ok {
			t.Fatal("attempt should be allowed")
		}
		done(false)
	}

	fail()
	fail()
	done, _ := b.Allow()
	done(true)
	fail()
	fail()

	if b.State() != BreakerClosed {
		t.Errorf("interleaved success must reset the streak, got %s", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", got)
	}
}

// =============================================================================
// Half-open probing
// =============================================================================

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond}, nil)

	done, _ := b.Allow()
	done(false)
	if b.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	probe, ok := b.Allow()
	if !ok {
		t.Fatal("half-open breaker should allow one probe")
	}
	if _, ok := b.Allow(); ok {
		t.Error("only one probe may be in flight")
	}

	probe(true)
	if b.State() != BreakerClosed {
		t.Errorf("successful probe should close the breaker, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond}, nil)

	done, _ := b.Allow()
	done(false)
	time.Sleep(60 * time.Millisecond)

	probe, ok := b.Allow()
	if !ok {
		t.Fatal("probe should be allowed")
	}
	probe(false)

	if b.State() != BreakerOpen {
		t.Errorf("failed probe should reopen the breaker, got %s", b.State())
	}
}

// =============================================================================
// Reset and transitions
// =============================================================================

func TestBreaker_ResetClosesAndNotifies(t *testing.T) {
	type transition struct{ from, to BreakerState }
	var seen []transition
	b := NewBreaker("p", BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
		func(name string, from, to BreakerState) {
			seen = append(seen, transition{from, to})
		})

	done, _ := b.Allow()
	done(false)

	if len(seen) != 1 || seen[0].to != BreakerOpen {
		t.Fatalf("expected an open transition, got %v", seen)
	}

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if b.ConsecutiveFailures() != 0 {
		t.Error("reset should clear counters")
	}
	if !b.OpenedAt().IsZero() {
		t.Error("reset should clear OpenedAt")
	}
	last := seen[len(seen)-1]
	if last.from != BreakerOpen || last.to != BreakerClosed {
		t.Errorf("reset should notify open -> closed, got %v", last)
	}

	// Reset while already closed stays silent.
	n := len(seen)
	b.Reset()
	if len(seen) != n {
		t.Error("reset of a closed breaker should not notify")
	}
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{}, nil)
	if b.cfg.FailureThreshold != 5 {
		t.Errorf("expected default threshold 5, got %d", b.cfg.FailureThreshold)
	}
	if b.cfg.Cooldown != 30*time.Second {
		t.Errorf("expected default cooldown 30s, got %s", b.cfg.Cooldown)
	}
}
