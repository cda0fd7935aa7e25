package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Period identifies a budget tracking window.
type Period int

const (
	PeriodHourly Period = iota
	PeriodDaily
	PeriodWeekly
	PeriodMonthly
	PeriodTotal
)

// String returns the period name.
func (p Period) String() string {
	switch p {
	case PeriodHourly:
		return "hourly"
	case PeriodDaily:
		return "daily"
	case PeriodWeekly:
		return "weekly"
	case PeriodMonthly:
		return "monthly"
	case PeriodTotal:
		return "total"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the period name.
func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a period name.
func (p *Period) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for c := PeriodHourly; c <= PeriodTotal; c++ {
		if c.String() == name {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown budget period %q", name)
}

// Classification grades how close a budget window is to its limit.
type Classification int

const (
	BudgetNormal Classification = iota
	BudgetWarning
	BudgetCritical
	BudgetExceeded
)

// String returns the classification name.
func (c Classification) String() string {
	switch c {
	case BudgetNormal:
		return "normal"
	case BudgetWarning:
		return "warning"
	case BudgetCritical:
		return "critical"
	case BudgetExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the classification name.
func (c Classification) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses a classification name.
func (c *Classification) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for v := BudgetNormal; v <= BudgetExceeded; v++ {
		if v.String() == name {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("unknown budget classification %q", name)
}

// BudgetLimit is one operator-configured spend ceiling.
type BudgetLimit struct {
	Period            Period  `yaml:"period" json:"period"`
	LimitUSD          float64 `yaml:"limit_usd" json:"limit_usd"`
	WarningThreshold  float64 `yaml:"warning_threshold" json:"warning_threshold"`   // 0-1, default 0.8
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"` // 0-1, default 0.95
	BlockOnLimit      bool    `yaml:"block_on_limit" json:"block_on_limit"`
}

// usageWindow holds rolling counters for one limit's current period. Spend
// is monotonic non-decreasing within a period and resets to zero only at a
// period rotation.
type usageWindow struct {
	start    time.Time
	spentUSD float64
	requests int
}

// Admission is the result of a budget check.
type Admission struct {
	Classification Classification
	// Degrade asks the dispatcher to prefer a cheaper provider for this
	// request. Set when the most restrictive classification is Critical.
	Degrade bool
}

// BudgetEnforcer tracks spend across configured windows and gates admission
// before any provider is contacted. All state is in-memory and rebuilt from
// configuration on startup.
type BudgetEnforcer struct {
	mu      sync.Mutex
	limits  []BudgetLimit
	windows []usageWindow
	emit    func(Event)
	now     func() time.Time
}

// NewBudgetEnforcer creates an enforcer for the given limits. emit, if
// non-nil, receives budget events. Thresholds default to 0.8 and 0.95.
func NewBudgetEnforcer(limits []BudgetLimit, emit func(Event)) *BudgetEnforcer {
	b := &BudgetEnforcer{emit: emit, now: time.Now}
	for _, l := range limits {
		if l.WarningThreshold <= 0 {
			l.WarningThreshold = 0.8
		}
		if l.CriticalThreshold <= 0 {
			l.CriticalThreshold = 0.95
		}
		b.limits = append(b.limits, l)
		b.windows = append(b.windows, usageWindow{start: periodStart(b.now(), l.Period)})
	}
	return b
}

// Admit checks every active limit against the projected spend. The most
// restrictive classification wins. When a limit with BlockOnLimit would be
// exceeded, Admit returns a KindBudgetExceeded error and the request must
// not reach any provider.
func (b *BudgetEnforcer) Admit(estimatedCost float64) (Admission, error) {
	b.mu.Lock()

	now := b.now()
	adm := Admission{Classification: BudgetNormal}
	var events []Event
	var admitErr error

	for i := range b.limits {
		limit := &b.limits[i]
		w := &b.windows[i]
		b.rotate(w, limit.Period, now)

		if limit.LimitUSD <= 0 {
			continue
		}
		projected := w.spentUSD + estimatedCost
		ratio := projected / limit.LimitUSD

		var class Classification
		switch {
		case ratio >= 1.0:
			class = BudgetExceeded
		case ratio >= limit.CriticalThreshold:
			class = BudgetCritical
		case ratio >= limit.WarningThreshold:
			class = BudgetWarning
		default:
			class = BudgetNormal
		}

		if class > adm.Classification {
			adm.Classification = class
		}
		switch class {
		case BudgetWarning:
			events = append(events, budgetEvent(EventBudgetWarning, limit, w, projected))
		case BudgetCritical:
			adm.Degrade = true
			events = append(events, budgetEvent(EventBudgetCritical, limit, w, projected))
		case BudgetExceeded:
			events = append(events, budgetEvent(EventBudgetExceeded, limit, w, projected))
			if limit.BlockOnLimit && admitErr == nil {
				admitErr = &Error{
					Kind: KindBudgetExceeded,
					Message: fmt.Sprintf("%s budget of $%.2f would be exceeded (spent $%.4f, estimated $%.4f)",
						limit.Period, limit.LimitUSD, w.spentUSD, estimatedCost),
				}
			}
		}
	}

	b.mu.Unlock()

	// Sinks may do I/O (postgres inserts); never emit under the lock.
	if b.emit != nil {
		for _, e := range events {
			b.emit(e)
		}
	}
	return adm, admitErr
}

// Record adds the actual cost of a completed request to every window. The
// estimate used at admission and the actual cost recorded here may differ.
func (b *BudgetEnforcer) Record(actualCost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for i := range b.limits {
		w := &b.windows[i]
		b.rotate(w, b.limits[i].Period, now)
		w.spentUSD += actualCost
		w.requests++
	}
}

// Status snapshots every budget window.
func (b *BudgetEnforcer) Status() []BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]BudgetStatus, 0, len(b.limits))
	for i := range b.limits {
		limit := &b.limits[i]
		w := &b.windows[i]
		b.rotate(w, limit.Period, now)

		class := BudgetNormal
		if limit.LimitUSD > 0 {
			ratio := w.spentUSD / limit.LimitUSD
			switch {
			case ratio >= 1.0:
				class = BudgetExceeded
			case ratio >= limit.CriticalThreshold:
				class = BudgetCritical
			case ratio >= limit.WarningThreshold:
				class = BudgetWarning
			}
		}
		out = append(out, BudgetStatus{
			Period:         limit.Period,
			SpentUSD:       w.spentUSD,
			LimitUSD:       limit.LimitUSD,
			Requests:       w.requests,
			Classification: class,
			PeriodStart:    w.start,
		})
	}
	return out
}

// rotate resets the window when the current time has crossed the next
// period boundary. Reset is atomic with the rotation: callers hold b.mu.
func (b *BudgetEnforcer) rotate(w *usageWindow, p Period, now time.Time) {
	if p == PeriodTotal {
		return
	}
	start := periodStart(now, p)
	if start.After(w.start) {
		w.start = start
		w.spentUSD = 0
		w.requests = 0
	}
}

// periodStart returns the boundary the current period began at.
func periodStart(now time.Time, p Period) time.Time {
	switch p {
	case PeriodHourly:
		return now.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		// Weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

func budgetEvent(kind EventKind, limit *BudgetLimit, w *usageWindow, projected float64) Event {
	return Event{
		Kind: kind,
		At:   time.Now(),
		Detail: fmt.Sprintf("%s budget: projected $%.4f of $%.2f limit",
			limit.Period, projected, limit.LimitUSD),
	}
}
