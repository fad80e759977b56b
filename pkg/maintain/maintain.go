// Package maintain orchestrates periodic memory maintenance: pulse checks,
// reflection, narrative generation and retention cleanup. Each kind is
// tracked independently through an Idle -> Due -> Running -> Idle state
// machine; a failing kind is logged and isolated, never aborting the other
// kinds or the foreground write path.
package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies one maintenance task.
type Kind string

const (
	KindPulse      Kind = "pulse"
	KindReflection Kind = "reflection"
	KindNarrative  Kind = "narrative"
	KindCleanup    Kind = "cleanup"
)

// Kinds lists every maintenance kind in full-cycle order.
var Kinds = []Kind{KindPulse, KindReflection, KindNarrative, KindCleanup}

// State of a maintenance kind.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// KindResult carries what a single kind accomplished in one run.
type KindResult struct {
	AlertsResolved   int
	FragmentsCleaned int
	Insights         int
	NarrativeID      string
}

// RunFunc executes one maintenance kind.
type RunFunc func(ctx context.Context) (KindResult, error)

// Hooks binds each kind to its implementation.
type Hooks struct {
	Pulse      RunFunc
	Reflection RunFunc
	Narrative  RunFunc
	Cleanup    RunFunc
}

// CycleSummary aggregates one full maintenance cycle for observability.
type CycleSummary struct {
	CycleNumber      int
	StartedAt        time.Time
	Duration         time.Duration
	AlertsResolved   int
	FragmentsCleaned int
	Insights         int
	Narratives       int
	Errors           []string
}

// KindStatus is the externally visible state of one kind.
type KindStatus struct {
	State    State
	LastRun  time.Time
	DueAfter time.Duration
	LastErr  string
}

// Config holds per-kind due intervals and the execution timeout.
type Config struct {
	PulseInterval      time.Duration // default 2h
	ReflectionInterval time.Duration // default 6h
	NarrativeInterval  time.Duration // default 12h
	CleanupInterval    time.Duration // default 24h
	KindTimeout        time.Duration // default 2m; no kind may run unbounded
}

// DefaultConfig returns the stock intervals.
func DefaultConfig() Config {
	return Config{
		PulseInterval:      2 * time.Hour,
		ReflectionInterval: 6 * time.Hour,
		NarrativeInterval:  12 * time.Hour,
		CleanupInterval:    24 * time.Hour,
		KindTimeout:        2 * time.Minute,
	}
}

type task struct {
	state    State
	lastRun  time.Time
	dueAfter time.Duration
	lastErr  error
}

// Scheduler tracks and runs the maintenance kinds.
type Scheduler struct {
	hooks       Hooks
	kindTimeout time.Duration
	onEvent     func(kind Kind, message string)

	mu         sync.Mutex
	tasks      map[Kind]*task
	cycleCount int
	lastCycle  *CycleSummary
}

// New creates a scheduler. onEvent may be nil.
func New(hooks Hooks, cfg Config, onEvent func(kind Kind, message string)) *Scheduler {
	def := DefaultConfig()
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = def.PulseInterval
	}
	if cfg.ReflectionInterval <= 0 {
		cfg.ReflectionInterval = def.ReflectionInterval
	}
	if cfg.NarrativeInterval <= 0 {
		cfg.NarrativeInterval = def.NarrativeInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.KindTimeout <= 0 {
		cfg.KindTimeout = def.KindTimeout
	}

	return &Scheduler{
		hooks:       hooks,
		kindTimeout: cfg.KindTimeout,
		onEvent:     onEvent,
		tasks: map[Kind]*task{
			KindPulse:      {state: StateIdle, dueAfter: cfg.PulseInterval},
			KindReflection: {state: StateIdle, dueAfter: cfg.ReflectionInterval},
			KindNarrative:  {state: StateIdle, dueAfter: cfg.NarrativeInterval},
			KindCleanup:    {state: StateIdle, dueAfter: cfg.CleanupInterval},
		},
	}
}

// MaybeRun transitions a kind to Due when its interval has elapsed and, if
// so, executes it. The kind always returns to Idle regardless of outcome;
// a failure is logged and not retried until the next due time. Returns
// whether the kind ran.
func (s *Scheduler) MaybeRun(ctx context.Context, kind Kind, now time.Time) bool {
	s.mu.Lock()
	t, ok := s.tasks[kind]
	if !ok || t.state == StateRunning || now.Sub(t.lastRun) <= t.dueAfter {
		s.mu.Unlock()
		return false
	}
	t.state = StateRunning
	t.lastRun = now
	s.mu.Unlock()

	_, err := s.execute(ctx, kind)
	s.finish(kind, err)
	return true
}

// RunKind executes a kind immediately, regardless of dueness.
func (s *Scheduler) RunKind(ctx context.Context, kind Kind) (KindResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[kind]
	if !ok {
		s.mu.Unlock()
		return KindResult{}, fmt.Errorf("unknown maintenance kind %q", kind)
	}
	if t.state == StateRunning {
		s.mu.Unlock()
		return KindResult{}, fmt.Errorf("maintenance kind %q already running", kind)
	}
	t.state = StateRunning
	t.lastRun = time.Now().UTC()
	s.mu.Unlock()

	res, err := s.execute(ctx, kind)
	s.finish(kind, err)
	return res, err
}

// RunFullCycle runs pulse, reflection, narrative and cleanup in that fixed
// order and aggregates a summary. Per-kind failures are collected; they
// never abort the remaining kinds.
func (s *Scheduler) RunFullCycle(ctx context.Context) *CycleSummary {
	s.mu.Lock()
	s.cycleCount++
	summary := &CycleSummary{CycleNumber: s.cycleCount, StartedAt: time.Now().UTC()}
	s.mu.Unlock()

	for _, kind := range Kinds {
		res, err := s.RunKind(ctx, kind)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		summary.AlertsResolved += res.AlertsResolved
		summary.FragmentsCleaned += res.FragmentsCleaned
		summary.Insights += res.Insights
		if res.NarrativeID != "" {
			summary.Narratives++
		}
	}
	summary.Duration = time.Since(summary.StartedAt)

	s.mu.Lock()
	s.lastCycle = summary
	s.mu.Unlock()

	slog.Info("maintenance cycle complete",
		"cycle", summary.CycleNumber,
		"duration", summary.Duration.Round(time.Millisecond),
		"alerts_resolved", summary.AlertsResolved,
		"fragments_cleaned", summary.FragmentsCleaned,
		"insights", summary.Insights,
		"errors", len(summary.Errors),
	)
	s.emit(Kind("cycle"), fmt.Sprintf("cycle %d complete: %d alerts resolved, %d fragments cleaned, %d insights, %d errors",
		summary.CycleNumber, summary.AlertsResolved, summary.FragmentsCleaned,
		summary.Insights, len(summary.Errors)))
	return summary
}

// Run starts the maintenance loop, checking dueness every tick. Blocks
// until ctx is cancelled; an in-flight kind finishes within its bounded
// timeout before Run returns.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}
	slog.Info("maintenance scheduler started", "tick", tick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopping")
			return
		case now := <-ticker.C:
			for _, kind := range Kinds {
				if ctx.Err() != nil {
					return
				}
				s.MaybeRun(ctx, kind, now.UTC())
			}
		}
	}
}

// Status returns the externally visible state of every kind.
func (s *Scheduler) Status() map[Kind]KindStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]KindStatus, len(s.tasks))
	for kind, t := range s.tasks {
		st := KindStatus{State: t.state, LastRun: t.lastRun, DueAfter: t.dueAfter}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
			if st.State == StateIdle {
				st.State = StateFailed
			}
		}
		out[kind] = st
	}
	return out
}

// LastCycle returns the most recent full-cycle summary, or nil.
func (s *Scheduler) LastCycle() *CycleSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// execute runs a kind's hook with a bounded timeout, converting panics
// into errors so a misbehaving task cannot take the scheduler down.
func (s *Scheduler) execute(ctx context.Context, kind Kind) (res KindResult, err error) {
	hook := s.hookFor(kind)
	if hook == nil {
		return KindResult{}, fmt.Errorf("no hook for maintenance kind %q", kind)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.kindTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance kind %q panicked: %v", kind, r)
		}
	}()
	return hook(runCtx)
}

func (s *Scheduler) finish(kind Kind, err error) {
	s.mu.Lock()
	t := s.tasks[kind]
	t.lastErr = err
	// Failed is transient: the kind always settles back to Idle so the
	// next due time can retry it.
	t.state = StateIdle
	s.mu.Unlock()

	if err != nil {
		slog.Warn("maintenance kind failed", "kind", kind, "error", err)
		s.emit(kind, fmt.Sprintf("failed: %v", err))
	}
}

func (s *Scheduler) hookFor(kind Kind) RunFunc {
	switch kind {
	case KindPulse:
		return s.hooks.Pulse
	case KindReflection:
		return s.hooks.Reflection
	case KindNarrative:
		return s.hooks.Narrative
	case KindCleanup:
		return s.hooks.Cleanup
	}
	return nil
}

func (s *Scheduler) emit(kind Kind, message string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(kind, message)
}
