package router

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthMonitorConfig controls the background probe loop.
type HealthMonitorConfig struct {
	// Interval between probe rounds.
	Interval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// UnreachableAfter is the consecutive misses before a provider is
	// marked unreachable. One miss marks it degraded.
	UnreachableAfter int
}

// DefaultHealthMonitorConfig returns the suggested defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Interval:         60 * time.Second,
		ProbeTimeout:     5 * time.Second,
		UnreachableAfter: 3,
	}
}

// HealthMonitor periodically probes every registered provider and updates
// its health flag. Health transitions are independent of the circuit
// breaker; both gate eligibility.
type HealthMonitor struct {
	cfg      HealthMonitorConfig
	registry *Registry
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor over the given registry.
func NewHealthMonitor(cfg HealthMonitorConfig, registry *Registry, logger *slog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.UnreachableAfter <= 0 {
		cfg.UnreachableAfter = def.UnreachableAfter
	}
	return &HealthMonitor{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "health"),
	}
}

// Start launches the probe loop. Calling Start on a running monitor is a
// no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ProbeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ProbeAll probes every registered provider once, concurrently.
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	m.registry.each(func(id string, s *providerState) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, id, s)
		}()
	})
	wg.Wait()
}

func (m *HealthMonitor) probe(ctx context.Context, id string, s *providerState) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := s.provider.Probe(probeCtx)
	health := s.setHealth(err == nil, m.cfg.UnreachableAfter)
	if err != nil {
		m.logger.Warn("probe failed",
			"provider", id,
			"health", health.String(),
			"error", err,
		)
	}
}
