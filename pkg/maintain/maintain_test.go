package maintain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func countingHooks(counts map[Kind]int) Hooks {
	hook := func(kind Kind) RunFunc {
		return func(context.Context) (KindResult, error) {
			counts[kind]++
			return KindResult{}, nil
		}
	}
	return Hooks{
		Pulse:      hook(KindPulse),
		Reflection: hook(KindReflection),
		Narrative:  hook(KindNarrative),
		Cleanup:    hook(KindCleanup),
	}
}

func TestRunFullCycleAggregates(t *testing.T) {
	hooks := Hooks{
		Pulse: func(context.Context) (KindResult, error) {
			return KindResult{AlertsResolved: 1}, nil
		},
		Reflection: func(context.Context) (KindResult, error) {
			return KindResult{Insights: 3}, nil
		},
		Narrative: func(context.Context) (KindResult, error) {
			return KindResult{NarrativeID: "n1"}, nil
		},
		Cleanup: func(context.Context) (KindResult, error) {
			return KindResult{FragmentsCleaned: 4}, nil
		},
	}
	s := New(hooks, Config{}, nil)

	summary := s.RunFullCycle(context.Background())
	if summary.CycleNumber != 1 {
		t.Errorf("cycle = %d", summary.CycleNumber)
	}
	if summary.AlertsResolved != 1 || summary.Insights != 3 || summary.Narratives != 1 || summary.FragmentsCleaned != 4 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Errors) != 0 {
		t.Errorf("errors = %v", summary.Errors)
	}
	if got := s.LastCycle(); got == nil || got.CycleNumber != 1 {
		t.Errorf("LastCycle = %+v", got)
	}
}

func TestFailingKindIsIsolated(t *testing.T) {
	counts := map[Kind]int{}
	hooks := countingHooks(counts)
	hooks.Reflection = func(context.Context) (KindResult, error) {
		return KindResult{}, errors.New("reflection broke")
	}
	s := New(hooks, Config{}, nil)

	summary := s.RunFullCycle(context.Background())
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "reflection broke") {
		t.Fatalf("errors = %v", summary.Errors)
	}
	// The remaining kinds still ran.
	for _, kind := range []Kind{KindPulse, KindNarrative, KindCleanup} {
		if counts[kind] != 1 {
			t.Errorf("%s ran %d times, want 1", kind, counts[kind])
		}
	}

	status := s.Status()
	if status[KindReflection].State != StateFailed {
		t.Errorf("reflection state = %q", status[KindReflection].State)
	}
	if status[KindPulse].State != StateIdle {
		t.Errorf("pulse state = %q", status[KindPulse].State)
	}
}

func TestPanickingKindIsRecovered(t *testing.T) {
	counts := map[Kind]int{}
	hooks := countingHooks(counts)
	hooks.Cleanup = func(context.Context) (KindResult, error) {
		panic("cleanup exploded")
	}
	s := New(hooks, Config{}, nil)

	summary := s.RunFullCycle(context.Background())
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "cleanup exploded") {
		t.Fatalf("errors = %v", summary.Errors)
	}
	if counts[KindPulse] != 1 || counts[KindReflection] != 1 || counts[KindNarrative] != 1 {
		t.Errorf("other kinds skipped: %v", counts)
	}
}

func TestMaybeRunDueness(t *testing.T) {
	counts := map[Kind]int{}
	s := New(countingHooks(counts), Config{PulseInterval: time.Hour}, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	// Never run before: immediately due.
	if !s.MaybeRun(ctx, KindPulse, now) {
		t.Fatal("first check should run")
	}
	// Within the interval: not due.
	if s.MaybeRun(ctx, KindPulse, now.Add(30*time.Minute)) {
		t.Fatal("ran inside the interval")
	}
	// Past the interval: due again.
	if !s.MaybeRun(ctx, KindPulse, now.Add(61*time.Minute)) {
		t.Fatal("did not run after the interval elapsed")
	}
	if counts[KindPulse] != 2 {
		t.Errorf("pulse ran %d times, want 2", counts[KindPulse])
	}
}

func TestMaybeRunUnknownKind(t *testing.T) {
	s := New(countingHooks(map[Kind]int{}), Config{}, nil)
	if s.MaybeRun(context.Background(), Kind("bogus"), time.Now().UTC()) {
		t.Fatal("unknown kind ran")
	}
}

func TestFailedKindRetriesNextDueTime(t *testing.T) {
	calls := 0
	hooks := countingHooks(map[Kind]int{})
	hooks.Narrative = func(context.Context) (KindResult, error) {
		calls++
		if calls == 1 {
			return KindResult{}, errors.New("transient")
		}
		return KindResult{NarrativeID: "n1"}, nil
	}
	s := New(hooks, Config{NarrativeInterval: time.Hour}, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	s.MaybeRun(ctx, KindNarrative, now)
	if s.Status()[KindNarrative].State != StateFailed {
		t.Fatalf("state after failure = %q", s.Status()[KindNarrative].State)
	}

	if !s.MaybeRun(ctx, KindNarrative, now.Add(2*time.Hour)) {
		t.Fatal("failed kind did not retry when due")
	}
	st := s.Status()[KindNarrative]
	if st.State != StateIdle || st.LastErr != "" {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestEventsEmittedOnFailure(t *testing.T) {
	var events []string
	hooks := countingHooks(map[Kind]int{})
	hooks.Pulse = func(context.Context) (KindResult, error) {
		return KindResult{}, errors.New("drifting")
	}
	s := New(hooks, Config{}, func(kind Kind, message string) {
		events = append(events, string(kind)+": "+message)
	})

	s.RunFullCycle(context.Background())
	var sawFailure, sawCycle bool
	for _, e := range events {
		if strings.HasPrefix(e, "pulse: failed") {
			sawFailure = true
		}
		if strings.HasPrefix(e, "cycle:") {
			sawCycle = true
		}
	}
	if !sawFailure || !sawCycle {
		t.Errorf("events = %v", events)
	}
}

func TestRunKindRejectsUnknown(t *testing.T) {
	s := New(countingHooks(map[Kind]int{}), Config{}, nil)
	if _, err := s.RunKind(context.Background(), Kind("bogus")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
