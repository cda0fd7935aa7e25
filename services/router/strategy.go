package router

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy selects how eligible providers are ordered for a request.
type Strategy int

const (
	StrategyPriority Strategy = iota
	StrategyCostOptimized
	StrategyLatencyOptimized
	StrategyRoundRobin
	StrategyRandom
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyPriority:
		return "priority"
	case StrategyCostOptimized:
		return "cost_optimized"
	case StrategyLatencyOptimized:
		return "latency_optimized"
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyRandom:
		return "random"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the strategy name.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a strategy name.
func (s *Strategy) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy parses a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "priority", "":
		return StrategyPriority, nil
	case "cost_optimized", "cost":
		return StrategyCostOptimized, nil
	case "latency_optimized", "latency":
		return StrategyLatencyOptimized, nil
	case "round_robin":
		return StrategyRoundRobin, nil
	case "random":
		return StrategyRandom, nil
	default:
		return StrategyPriority, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// candidate is the policy's read-only view of one eligible provider.
type candidate struct {
	id            string
	priority      int
	estimatedCost float64
	latency       time.Duration
	hasLatency    bool
	pos           int // position in the full configured list
}

// policy orders eligible providers. It is a pure function of provider state
// except for the shared round-robin cursor and the random source.
type policy struct {
	mu     sync.Mutex
	cursor int
	rng    *rand.Rand
}

func newPolicy() *policy {
	return &policy{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// order ranks the eligible candidates for one request. full is the complete
// configured provider list in registration order; the round-robin cursor
// walks it so that providers late in the static list are never skipped
// indefinitely.
func (p *policy) order(strategy Strategy, eligible []candidate, full []string) []string {
	switch strategy {
	case StrategyCostOptimized:
		return orderByCost(eligible)
	case StrategyLatencyOptimized:
		return orderByLatency(eligible)
	case StrategyRoundRobin:
		return p.orderRoundRobin(eligible, full)
	case StrategyRandom:
		return p.orderRandom(eligible)
	default:
		return orderByPriority(eligible)
	}
}

// orderByPriority sorts ascending by configured priority, ties broken by
// lowest latency estimate.
func orderByPriority(eligible []candidate) []string {
	sorted := append([]candidate(nil), eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].latency < sorted[j].latency
	})
	return ids(sorted)
}

// orderByCost sorts ascending by estimated request cost, ties broken by
// priority.
func orderByCost(eligible []candidate) []string {
	sorted := append([]candidate(nil), eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].estimatedCost != sorted[j].estimatedCost {
			return sorted[i].estimatedCost < sorted[j].estimatedCost
		}
		return sorted[i].priority < sorted[j].priority
	})
	return ids(sorted)
}

// orderByLatency sorts ascending by the rolling latency estimate. Providers
// with no samples yet are given the median of the sampled latencies so new
// providers are still explored.
func orderByLatency(eligible []candidate) []string {
	var sampled []time.Duration
	for _, c := range eligible {
		if c.hasLatency {
			sampled = append(sampled, c.latency)
		}
	}
	median := medianDuration(sampled)

	sorted := append([]candidate(nil), eligible...)
	effective := func(c candidate) time.Duration {
		if c.hasLatency {
			return c.latency
		}
		return median
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return effective(sorted[i]) < effective(sorted[j])
	})
	return ids(sorted)
}

// orderRoundRobin advances the shared cursor one position per call across
// the full configured list, then filters to eligible providers preserving
// relative order.
func (p *policy) orderRoundRobin(eligible []candidate, full []string) []string {
	if len(full) == 0 {
		return nil
	}
	p.mu.Lock()
	start := p.cursor % len(full)
	p.cursor++
	p.mu.Unlock()

	byID := make(map[string]bool, len(eligible))
	for _, c := range eligible {
		byID[c.id] = true
	}
	out := make([]string, 0, len(eligible))
	for i := 0; i < len(full); i++ {
		id := full[(start+i)%len(full)]
		if byID[id] {
			out = append(out, id)
		}
	}
	return out
}

// orderRandom returns a uniform random permutation of the eligible set.
func (p *policy) orderRandom(eligible []candidate) []string {
	p.mu.Lock()
	perm := p.rng.Perm(len(eligible))
	p.mu.Unlock()
	out := make([]string, len(eligible))
	for i, j := range perm {
		out[i] = eligible[j].id
	}
	return out
}

func ids(cs []candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.id
	}
	return out
}

func medianDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
