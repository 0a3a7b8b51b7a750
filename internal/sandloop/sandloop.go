// Package sandloop runs named feedback loops: each iteration receives the
// previous iteration's result as input and produces the next one. Loop state
// is persisted after every iteration, so counts and results survive a
// restart; work in flight at kill time is simply lost.
package sandloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/permissionlessweb/ergors/internal/store"
)

const (
	// statePrefix is the store prefix holding loop states.
	statePrefix = "loop"

	// DefaultFastShare is the portion of the concurrency budget reserved
	// for fast loops.
	DefaultFastShare = 0.618
	// DefaultBudget is the total number of loop bodies allowed to run at
	// once across both classes.
	DefaultBudget = 8

	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Class selects which concurrency bucket a loop draws from.
type Class int

const (
	// Fast loops are short-bodied and frequent; they get the larger share
	// of the budget.
	Fast Class = iota
	// Slow loops may hold a slot for a long time.
	Slow
)

// State is the persisted record of one loop.
type State struct {
	LoopName       string          `json:"loop_name"`
	IterationCount uint64          `json:"iteration_count"`
	LastResult     json.RawMessage `json:"last_result,omitempty"`
	LastRunAt      time.Time       `json:"last_run_at"`
	Status         string          `json:"status"`
	Running        bool            `json:"running"`
}

// Input is the read-only view a loop body receives. The scheduler owns the
// state; bodies communicate only through their return value.
type Input struct {
	PreviousResult json.RawMessage
	Iteration      uint64
}

// Body is one loop iteration. A non-nil error marks the iteration failed;
// the loop keeps its schedule and the previous result is re-fed next time.
type Body func(ctx context.Context, in Input) (json.RawMessage, error)

// TriggerResult reports the outcome of an on-demand fire.
type TriggerResult int

const (
	TriggerAccepted TriggerResult = iota
	TriggerAlreadyRunning
	TriggerUnknown
)

type loop struct {
	name     string
	interval time.Duration
	class    Class
	body     Body

	running bool // guarded by Scheduler.mu; overlap skip
	fire    chan struct{}
	state   State
}

// Config parametrizes a Scheduler. Zero values take the defaults.
type Config struct {
	Budget    int
	FastShare float64
}

// Scheduler owns a set of registered loops and their concurrency budget.
type Scheduler struct {
	store *store.Store

	fastSem chan struct{}
	slowSem chan struct{}

	mu    sync.Mutex
	loops map[string]*loop

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler persisting loop state in s. The budget is
// split asymmetrically between the fast and slow buckets by FastShare, with
// each bucket keeping at least one slot; the effective budget is therefore
// never below 2.
func NewScheduler(s *store.Store, cfg Config) *Scheduler {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Budget < 2 {
		cfg.Budget = 2
	}
	if cfg.FastShare <= 0 || cfg.FastShare >= 1 {
		cfg.FastShare = DefaultFastShare
	}
	fast := int(math.Round(float64(cfg.Budget) * cfg.FastShare))
	if fast < 1 {
		fast = 1
	}
	if fast >= cfg.Budget {
		fast = cfg.Budget - 1
	}
	return &Scheduler{
		store:   s,
		fastSem: make(chan struct{}, fast),
		slowSem: make(chan struct{}, cfg.Budget-fast),
		loops:   make(map[string]*loop),
	}
}

// Register adds a loop. Persisted state from an earlier process is reloaded,
// so iteration counts and last results carry across restarts. Registration
// after Start is not supported.
func (s *Scheduler) Register(name string, interval time.Duration, class Class, body Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loops[name]; exists {
		return fmt.Errorf("loop %q already registered", name)
	}
	l := &loop{
		name:     name,
		interval: interval,
		class:    class,
		body:     body,
		fire:     make(chan struct{}, 1),
		state:    State{LoopName: name, Status: StatusOK},
	}
	if raw, err := s.store.Get(statePrefix, name, nil); err == nil {
		var persisted State
		if err := json.Unmarshal(raw, &persisted); err == nil {
			persisted.Running = false // liveness never survives restart
			l.state = persisted
		}
	}
	s.loops[name] = l
	return nil
}

// Start launches one goroutine per registered loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		s.wg.Add(1)
		go s.run(ctx, l)
	}
}

// Stop cancels all loops and waits for in-flight iterations to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer s.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.fire:
		}
		s.iterate(ctx, l)
	}
}

// Trigger fires the named loop outside its timer.
func (s *Scheduler) Trigger(name string) TriggerResult {
	s.mu.Lock()
	l, ok := s.loops[name]
	if !ok {
		s.mu.Unlock()
		return TriggerUnknown
	}
	if l.running {
		s.mu.Unlock()
		return TriggerAlreadyRunning
	}
	s.mu.Unlock()

	select {
	case l.fire <- struct{}{}:
		return TriggerAccepted
	default:
		// A fire is already pending; that counts as accepted.
		return TriggerAccepted
	}
}

// iterate runs one iteration of l, skipping if one is already in flight.
func (s *Scheduler) iterate(ctx context.Context, l *loop) {
	s.mu.Lock()
	if l.running {
		s.mu.Unlock()
		return
	}
	l.running = true
	l.state.Running = true
	in := Input{
		PreviousResult: l.state.LastResult,
		Iteration:      l.state.IterationCount + 1,
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		l.running = false
		l.state.Running = false
		s.mu.Unlock()
	}()

	sem := s.fastSem
	if l.class == Slow {
		sem = s.slowSem
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	result, err := l.body(ctx, in)

	s.mu.Lock()
	l.state.IterationCount = in.Iteration
	l.state.LastRunAt = time.Now()
	if err != nil {
		l.state.Status = StatusFailed
		log.Printf("sandloop: %s iteration %d failed: %v", l.name, in.Iteration, err)
	} else {
		l.state.Status = StatusOK
		l.state.LastResult = result
	}
	snapshot := l.state
	snapshot.Running = false
	s.mu.Unlock()

	s.persist(snapshot)
}

func (s *Scheduler) persist(st State) {
	raw, err := json.Marshal(st)
	if err != nil {
		log.Printf("sandloop: encode state for %s: %v", st.LoopName, err)
		return
	}
	if _, err := s.store.Put(statePrefix, st.LoopName, raw); err != nil {
		log.Printf("sandloop: persist state for %s: %v", st.LoopName, err)
	}
}

// State returns the current state of the named loop.
func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[name]
	if !ok {
		return State{}, false
	}
	return l.state, true
}

// States returns every registered loop's state.
func (s *Scheduler) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.state)
	}
	return out
}

// RunOnce executes a single iteration of the named loop synchronously,
// bypassing the timer. Useful for tests and for loops that only ever fire on
// demand.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	l, ok := s.loops[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown loop %q", name)
	}
	s.iterate(ctx, l)
	return nil
}
