package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

var (
	ErrBadSpeed   = errors.New("unsupported replay speed")
	ErrNotLoaded  = errors.New("replay not loaded")
	ErrNotPlaying = errors.New("replay not playing")
	ErrFinished   = errors.New("replay finished")
)

var Speeds = []float64{0.2, 0.5, 1, 2, 5, 10}

type ReplayState int

const (
	ReplayIdle ReplayState = iota
	ReplayReady
	ReplayPlaying
	ReplayPaused
	ReplayFinished
)

func (s ReplayState) String() string {
	switch s {
	case ReplayReady:
		return "ready"
	case ReplayPlaying:
		return "playing"
	case ReplayPaused:
		return "paused"
	case ReplayFinished:
		return "finished"
	default:
		return "idle"
	}
}

// History is what a replay is built from, the journal tables of one trading day.
type History interface {
	LoadConditions(ctx context.Context, date string) ([]model.ConditionEvent, error)
	LoadTicks(ctx context.Context, date string) ([]model.Tick, error)
	DailySim(ctx context.Context, date string) ([]string, error)
}

type replayItem struct {
	at   time.Time
	cond *model.ConditionEvent
	tick *model.Tick
}

type ReplayStatus struct {
	Date    string    `json:"date"`
	State   string    `json:"state"`
	Cursor  int       `json:"cursor"`
	Total   int       `json:"total"`
	Speed   float64   `json:"speed"`
	SimTime time.Time `json:"sim_time"`
	Flagged int       `json:"flagged"`
}

// Replayer plays one recorded day back through the paper broker. The sim clock jumps to each
// item's recorded time; the wait between items is taken on the wall clock divided by the speed.
type Replayer struct {
	history History
	market  Market
	sim     *market.ManualClock
	wall    market.Clock
	logger  logger.Logger
	date    string

	mu        sync.Mutex
	state     ReplayState
	items     []replayItem
	cursor    int
	speed     float64
	flagged   map[string]bool
	gen       uint64
	timer     market.Timer
	armedWall time.Time
	armedSim  time.Time
	finished  chan struct{}
	onReset   []func()
}

func NewReplayer(h History, m Market, sim *market.ManualClock, wall market.Clock, date string, speed float64, log logger.Logger) (*Replayer, error) {
	if !slices.Contains(Speeds, speed) {
		return nil, fmt.Errorf("%w: %v", ErrBadSpeed, speed)
	}
	return &Replayer{
		history:  h,
		market:   m,
		sim:      sim,
		wall:     wall,
		logger:   logger.Component(log, "replay"),
		date:     date,
		speed:    speed,
		flagged:  make(map[string]bool),
		finished: make(chan struct{}),
	}, nil
}

// Load reads the day and merges conditions and ticks into one timeline. On equal timestamps
// conditions come first so a symbol is flagged before its tick.
func (r *Replayer) Load(ctx context.Context) error {
	conds, err := r.history.LoadConditions(ctx, r.date)
	if err != nil {
		return fmt.Errorf("%w: can't load replay conditions", err)
	}
	ticks, err := r.history.LoadTicks(ctx, r.date)
	if err != nil {
		return fmt.Errorf("%w: can't load replay ticks", err)
	}
	whitelist, err := r.history.DailySim(ctx, r.date)
	if err != nil {
		return fmt.Errorf("%w: can't load replay universe", err)
	}
	allowed := func(symbol string) bool {
		return len(whitelist) == 0 || slices.Contains(whitelist, symbol)
	}

	items := make([]replayItem, 0, len(conds)+len(ticks))
	for i := range conds {
		if allowed(conds[i].Symbol) {
			items = append(items, replayItem{at: conds[i].Time, cond: &conds[i]})
		}
	}
	for i := range ticks {
		if allowed(ticks[i].Symbol) {
			items = append(items, replayItem{at: ticks[i].Time, tick: &ticks[i]})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].at.Equal(items[j].at) {
			return items[i].at.Before(items[j].at)
		}
		return items[i].cond != nil && items[j].cond == nil
	})

	r.mu.Lock()
	r.gen++
	r.items = items
	r.resetLocked()
	r.mu.Unlock()
	r.rewindClock()

	r.logger.Infof("replay of %s loaded: %d conditions, %d ticks, %d items", r.date, len(conds), len(ticks), len(items))
	return nil
}

func (r *Replayer) resetLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cursor = 0
	r.flagged = make(map[string]bool)
	r.state = ReplayReady
	select {
	case <-r.finished:
		r.finished = make(chan struct{})
	default:
	}
}

func (r *Replayer) rewindClock() {
	r.mu.Lock()
	var start time.Time
	if len(r.items) > 0 {
		start = r.items[0].at
	}
	r.mu.Unlock()
	if !start.IsZero() {
		r.sim.Set(start)
	}
}

// Done is closed when the last item has been played.
func (r *Replayer) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Play starts from the cursor, at the beginning after Load or Reset, where it stopped after Pause.
func (r *Replayer) Play() error {
	r.mu.Lock()
	switch r.state {
	case ReplayIdle:
		r.mu.Unlock()
		return ErrNotLoaded
	case ReplayFinished:
		r.mu.Unlock()
		return ErrFinished
	case ReplayPlaying:
		r.mu.Unlock()
		return nil
	}
	r.state = ReplayPlaying
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	r.logger.Infof("replay playing at x%v", r.Speed())
	r.next(gen)
	return nil
}

// Resume is Play from a pause.
func (r *Replayer) Resume() error {
	return r.Play()
}

// Pause stops the schedule. The sim clock keeps the part of the wait already played, so a
// resume at another speed only rescales what is left.
func (r *Replayer) Pause() error {
	r.mu.Lock()
	if r.state != ReplayPlaying {
		r.mu.Unlock()
		return ErrNotPlaying
	}
	r.state = ReplayPaused
	target := r.holdLocked()
	r.mu.Unlock()

	r.advanceSim(target)
	r.logger.Infof("replay paused at %s", r.sim.Now().Format(time.TimeOnly))
	return nil
}

// OnReset registers fn to run after Reset has rewound the sim clock, before the day is played
// again.
func (r *Replayer) OnReset(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReset = append(r.onReset, fn)
}

// Reset goes back to the first item. The day must be played again with Play.
func (r *Replayer) Reset() error {
	r.mu.Lock()
	if r.state == ReplayIdle {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	r.gen++
	r.resetLocked()
	hooks := slices.Clone(r.onReset)
	r.mu.Unlock()
	r.rewindClock()
	for _, fn := range hooks {
		fn()
	}

	r.logger.Infof("replay reset to start")
	return nil
}

func (r *Replayer) SetSpeed(speed float64) error {
	if !slices.Contains(Speeds, speed) {
		return fmt.Errorf("%w: %v", ErrBadSpeed, speed)
	}
	r.mu.Lock()
	if r.state != ReplayPlaying {
		r.speed = speed
		r.mu.Unlock()
		return nil
	}
	target := r.holdLocked()
	r.speed = speed
	gen := r.gen
	r.mu.Unlock()

	r.advanceSim(target)
	r.next(gen)
	return nil
}

func (r *Replayer) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}

func (r *Replayer) Status() ReplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReplayStatus{
		Date:    r.date,
		State:   r.state.String(),
		Cursor:  r.cursor,
		Total:   len(r.items),
		Speed:   r.speed,
		SimTime: r.sim.Now(),
		Flagged: len(r.flagged),
	}
}

// holdLocked invalidates the armed wait and returns how far the sim clock got into it.
func (r *Replayer) holdLocked() time.Time {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	played := time.Duration(float64(r.wall.Now().Sub(r.armedWall)) * r.speed)
	target := r.armedSim.Add(played)
	if r.cursor < len(r.items) && target.After(r.items[r.cursor].at) {
		target = r.items[r.cursor].at
	}
	return target
}

func (r *Replayer) advanceSim(target time.Time) {
	if target.After(r.sim.Now()) {
		r.sim.Set(target)
	}
}

// next arms the wait for the item under the cursor.
func (r *Replayer) next(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != ReplayPlaying {
		r.mu.Unlock()
		return
	}
	if r.cursor >= len(r.items) {
		r.state = ReplayFinished
		close(r.finished)
		r.mu.Unlock()
		r.logger.Infof("replay of %s finished", r.date)
		return
	}
	delay := max(0, r.items[r.cursor].at.Sub(r.sim.Now()))
	wait := time.Duration(float64(delay) / r.speed)
	r.armedWall, r.armedSim = r.wall.Now(), r.sim.Now()
	r.mu.Unlock()

	t := r.wall.AfterFunc(wait, func() { r.fire(gen) })

	r.mu.Lock()
	if gen == r.gen {
		r.timer = t
	}
	r.mu.Unlock()
}

// fire plays every item sharing the timestamp under the cursor and arms the next wait.
func (r *Replayer) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != ReplayPlaying || r.cursor >= len(r.items) {
		r.mu.Unlock()
		return
	}
	at := r.items[r.cursor].at
	var batch []replayItem
	for r.cursor < len(r.items) && r.items[r.cursor].at.Equal(at) {
		it := r.items[r.cursor]
		r.cursor++
		switch {
		case it.cond != nil:
			if it.cond.Kind == model.ConditionIn {
				r.flagged[it.cond.Symbol] = true
			}
			batch = append(batch, it)
		case r.flagged[it.tick.Symbol]:
			batch = append(batch, it)
		}
	}
	r.mu.Unlock()

	r.advanceSim(at)
	for _, it := range batch {
		if it.cond != nil {
			if !r.market.EmitCondition(*it.cond) {
				r.logger.Debugf("replayed condition %s for %s has no subscriber", it.cond.Condition, it.cond.Symbol)
			}
			continue
		}
		r.market.Tick(*it.tick)
	}
	r.next(gen)
}
