package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
)

type Resource string

const (
	Requests Resource = "request"
	Orders   Resource = "order"
)

// Horizon is one rolling window with its call limit.
type Horizon struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

var (
	DefaultRequestHorizons = []Horizon{
		{Window: time.Second, Limit: 5},
		{Window: time.Minute, Limit: 100},
		{Window: time.Hour, Limit: 1000},
	}
	DefaultOrderHorizons = []Horizon{
		{Window: time.Second, Limit: 5},
		{Window: time.Minute, Limit: 300},
		{Window: time.Hour, Limit: 18000},
	}
)

const (
	DefaultConditionCooloff = 60 * time.Second

	// SleepThreshold and DropThreshold split the wait policy: sleep silently, sleep with a
	// notice, or drop the call.
	SleepThreshold = 1000 * time.Millisecond
	DropThreshold  = 1666 * time.Millisecond
)

var (
	ErrWaitTooLong      = errors.New("wait too long")
	ErrConditionCooloff = errors.New("condition queried too recently")
)

type window struct {
	horizons []Horizon
	stamps   [][]time.Time
}

func newWindow(horizons []Horizon) *window {
	return &window{
		horizons: horizons,
		stamps:   make([][]time.Time, len(horizons)),
	}
}

// wait evicts expired stamps and returns how long a new call must wait to respect every horizon.
func (w *window) wait(now time.Time) time.Duration {
	var max time.Duration
	for i, h := range w.horizons {
		q := w.stamps[i]
		cut := 0
		for cut < len(q) && !q[cut].After(now.Add(-h.Window)) {
			cut++
		}
		q = q[cut:]
		w.stamps[i] = q
		if h.Limit <= 0 || len(q) < h.Limit {
			continue
		}
		oldest := q[len(q)-h.Limit]
		if d := oldest.Add(h.Window).Sub(now); d > max {
			max = d
		}
	}
	return max
}

func (w *window) record(now time.Time) {
	for i := range w.horizons {
		w.stamps[i] = append(w.stamps[i], now)
	}
}

func (w *window) count(i int, now time.Time) int {
	n := 0
	for _, ts := range w.stamps[i] {
		if ts.After(now.Add(-w.horizons[i].Window)) {
			n++
		}
	}
	return n
}

type Limiter struct {
	mu sync.Mutex

	clock  market.Clock
	logger logger.Logger

	windows    map[Resource]*window
	conditions map[string]time.Time
	cooloff    time.Duration
}

type Option func(*Limiter)

func WithHorizons(res Resource, horizons ...Horizon) Option {
	return func(l *Limiter) {
		if len(horizons) > 0 {
			l.windows[res] = newWindow(horizons)
		}
	}
}

func WithConditionCooloff(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cooloff = d
		}
	}
}

func NewLimiter(clock market.Clock, log logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		clock:  clock,
		logger: logger.Component(log, "quota"),
		windows: map[Resource]*window{
			Requests: newWindow(DefaultRequestHorizons),
			Orders:   newWindow(DefaultOrderHorizons),
		},
		conditions: make(map[string]time.Time),
		cooloff:    DefaultConditionCooloff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) window(res Resource) *window {
	w, ok := l.windows[res]
	if !ok {
		w = newWindow(DefaultRequestHorizons)
		l.windows[res] = w
	}
	return w
}

// CheckInterval returns the minimal wait before a call on res respects all horizons.
func (l *Limiter) CheckInterval(res Resource) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window(res).wait(l.clock.Now())
}

// Record registers one issued call on every horizon of res.
func (l *Limiter) Record(res Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window(res).record(l.clock.Now())
}

func (l *Limiter) tryRecord(res Resource) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	w := l.window(res)
	if d := w.wait(now); d > 0 {
		return d
	}
	w.record(now)
	return 0
}

// Acquire applies the wait policy and records the call once it may proceed. Waits above
// DropThreshold return ErrWaitTooLong without recording.
func (l *Limiter) Acquire(ctx context.Context, res Resource) error {
	for {
		wait := l.tryRecord(res)
		if wait == 0 {
			return nil
		}
		if wait > DropThreshold {
			l.logger.With("incident", "rate_limit_drop").Warnf("%s quota exhausted, call dropped (wait %s)", res, wait)
			return fmt.Errorf("%w: %s needs %s", ErrWaitTooLong, res, wait)
		}
		if wait > SleepThreshold {
			l.logger.Warnf("%s quota busy, call delayed by %s", res, wait)
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CheckConditionInterval returns the remaining cool-off for a condition name.
func (l *Limiter) CheckConditionInterval(name string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.conditions[name]
	if !ok {
		return 0
	}
	if d := last.Add(l.cooloff).Sub(l.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (l *Limiter) RecordCondition(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conditions[name] = l.clock.Now()
}

// AcquireCondition records a condition query unless the name is still cooling off.
func (l *Limiter) AcquireCondition(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if last, ok := l.conditions[name]; ok {
		if d := last.Add(l.cooloff).Sub(now); d > 0 {
			return fmt.Errorf("%w: %s, retry in %s", ErrConditionCooloff, name, d.Round(time.Second))
		}
	}
	l.conditions[name] = now
	return nil
}

// Count returns the number of calls recorded on res within the i-th horizon.
func (l *Limiter) Count(res Resource, i int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.window(res)
	if i < 0 || i >= len(w.horizons) {
		return 0
	}
	return w.count(i, l.clock.Now())
}

func (l *Limiter) Horizons(res Resource) []Horizon {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Horizon(nil), l.window(res).horizons...)
}
