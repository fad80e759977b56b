package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/episode"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
	"github.com/mnemo-labs/mnemo/pkg/maintain"
	"github.com/mnemo-labs/mnemo/pkg/narrative"
	"github.com/mnemo-labs/mnemo/pkg/pulse"
	"github.com/mnemo-labs/mnemo/pkg/recall"
	"github.com/mnemo-labs/mnemo/pkg/reflection"
)

type stubSynth struct{ text string }

func (s stubSynth) Synthesize(context.Context, []fragment.Fragment, narrative.Type, string) (string, error) {
	return s.text, nil
}

func testEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	store, err := fragment.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	concepts, err := concept.New(store.DB(), concept.DefaultSimilarityThreshold)
	if err != nil {
		t.Fatalf("concept index: %v", err)
	}
	episodes, err := episode.New(store.DB(), 30*time.Minute)
	if err != nil {
		t.Fatalf("episodic index: %v", err)
	}
	monitor, err := pulse.New(store.DB(), pulse.DefaultWeights(), 0.4, nil)
	if err != nil {
		t.Fatalf("pulse monitor: %v", err)
	}
	reflector, err := reflection.New(store.DB(), nil)
	if err != nil {
		t.Fatalf("reflector: %v", err)
	}
	narrator, err := narrative.New(store.DB(), store, stubSynth{text: "narrated"}, 0)
	if err != nil {
		t.Fatalf("narrative generator: %v", err)
	}
	recaller := recall.New(nil, concepts, episodes, store, 0)

	e := New(store, concepts, episodes, recaller, monitor, reflector, narrator,
		maintain.Config{}, cfg, nil, nil)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRememberIndexesAndLinks(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	first, err := e.Remember(ctx, RememberParams{
		Content:    "morning run felt easy",
		Category:   "health",
		Tags:       []string{"health", "exercise"},
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if len(first.AssociativeLinks) != 0 {
		t.Errorf("first fragment linked to %v", first.AssociativeLinks)
	}

	second, err := e.Remember(ctx, RememberParams{
		Content:    "slept well after the run",
		Category:   "health",
		Tags:       []string{"health", "sleep"},
		Confidence: 0.7,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	// The second fragment joins the first one's cluster and links back.
	if len(second.AssociativeLinks) != 1 || second.AssociativeLinks[0] != first.ID {
		t.Errorf("links = %v, want [%s]", second.AssociativeLinks, first.ID)
	}

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TotalFragments != 2 || st.ActiveConcepts != 1 || st.EpisodicChains != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.FragmentsCreated != 2 {
		t.Errorf("fragments created = %d", st.FragmentsCreated)
	}
}

func TestRememberLinkCap(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	for i := 0; i < LinkCap+2; i++ {
		if _, err := e.Remember(ctx, RememberParams{
			Content:    fmt.Sprintf("observation %d about the garden", i),
			Category:   "garden",
			Tags:       []string{"garden", "plants"},
			Confidence: 0.8,
		}); err != nil {
			t.Fatalf("Remember %d: %v", i, err)
		}
	}

	last, err := e.Remember(ctx, RememberParams{
		Content:    "final garden observation",
		Category:   "garden",
		Tags:       []string{"garden", "plants"},
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if len(last.AssociativeLinks) != LinkCap {
		t.Errorf("links = %d, want capped at %d", len(last.AssociativeLinks), LinkCap)
	}
}

func TestRememberDailyCap(t *testing.T) {
	e := testEngine(t, Config{MaxFragmentsPerDay: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.Remember(ctx, RememberParams{
			Content: fmt.Sprintf("note %d", i), Category: "log", Confidence: 0.5,
		}); err != nil {
			t.Fatalf("Remember %d: %v", i, err)
		}
	}

	_, err := e.Remember(ctx, RememberParams{Content: "one too many", Category: "log", Confidence: 0.5})
	if !errors.Is(err, ErrDailyCapReached) {
		t.Fatalf("err = %v, want ErrDailyCapReached", err)
	}
}

func TestRecallHydratesAndTouches(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	f, err := e.Remember(ctx, RememberParams{
		Content:    "the heron stood in the shallows of the river",
		Category:   "nature",
		Tags:       []string{"birds"},
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}

	matches, err := e.Recall(ctx, "heron", recall.StrategyVector, 10, recall.Filters{})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	m := matches[0]
	if m.Fragment == nil || m.Fragment.ID != f.ID {
		t.Fatalf("match = %+v", m)
	}
	if m.Fragment.AccessCount != 1 {
		t.Errorf("access count = %d after recall", m.Fragment.AccessCount)
	}

	got, err := e.Store().Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("persisted access count = %d", got.AccessCount)
	}
}

func TestRecallEpisodicReturnsChains(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.Remember(ctx, RememberParams{
		Content: "packed for the trip", Category: "travel", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	matches, err := e.Recall(ctx, "", recall.StrategyEpisodic, 10,
		recall.Filters{TimeStart: &start, TimeEnd: &end})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Chain == nil || matches[0].Fragment != nil {
		t.Errorf("episodic match should carry a chain: %+v", matches[0])
	}
	if matches[0].Chain.Length != 1 {
		t.Errorf("chain length = %d", matches[0].Chain.Length)
	}
}

func TestCleanupRemovesOldLowConfidence(t *testing.T) {
	e := testEngine(t, Config{FragmentRetention: 24 * time.Hour, CleanupConfidence: 0.3})
	ctx := context.Background()

	stale, err := e.Remember(ctx, RememberParams{
		Content: "half-remembered rumor", Category: "misc",
		Tags: []string{"misc"}, Confidence: 0.1,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	keep, err := e.Remember(ctx, RememberParams{
		Content: "well-established fact", Category: "misc",
		Tags: []string{"misc"}, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}

	// Age the stale fragment past the retention window.
	old := time.Now().UTC().Add(-48 * time.Hour).Format("2006-01-02 15:04:05.000000000")
	if _, err := e.Store().DB().Exec(
		`UPDATE fragments SET created_at = ? WHERE id = ?`, old, stale.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	res, err := e.Scheduler().RunKind(ctx, maintain.KindCleanup)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.FragmentsCleaned != 1 {
		t.Fatalf("cleaned = %d, want 1", res.FragmentsCleaned)
	}

	if _, err := e.Store().Get(ctx, stale.ID); !errors.Is(err, fragment.ErrNotFound) {
		t.Errorf("stale fragment still present: %v", err)
	}
	if _, err := e.Store().Get(ctx, keep.ID); err != nil {
		t.Errorf("healthy fragment lost: %v", err)
	}

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TotalFragments != 1 {
		t.Errorf("total fragments = %d after cleanup", st.TotalFragments)
	}
}

func TestPulseHookSnapshotsHealth(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	// Prime the pulse task so the write below does not race an
	// immediately-due background check with the explicit run.
	if _, err := e.Scheduler().RunKind(ctx, maintain.KindPulse); err != nil {
		t.Fatalf("pulse: %v", err)
	}

	if _, err := e.Remember(ctx, RememberParams{
		Content: "stable memory", Category: "log", Tags: []string{"log"}, Confidence: 0.9,
	}); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	if _, err := e.Scheduler().RunKind(ctx, maintain.KindPulse); err != nil {
		t.Fatalf("pulse: %v", err)
	}

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.LastHealth == nil {
		t.Fatal("no health snapshot after pulse run")
	}
	if st.LastHealth.TotalFragments != 1 {
		t.Errorf("snapshot fragments = %d", st.LastHealth.TotalFragments)
	}
}

func TestNarrativeHookTolerantOfEmptyWindow(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	res, err := e.Scheduler().RunKind(ctx, maintain.KindNarrative)
	if err != nil {
		t.Fatalf("narrative on empty store: %v", err)
	}
	if res.NarrativeID != "" {
		t.Errorf("narrative id = %q, want none", res.NarrativeID)
	}

	if _, err := e.Remember(ctx, RememberParams{
		Content: "a day worth narrating", Category: "log", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	res, err = e.Scheduler().RunKind(ctx, maintain.KindNarrative)
	if err != nil {
		t.Fatalf("narrative: %v", err)
	}
	if res.NarrativeID == "" {
		t.Fatal("expected a narrative once fragments exist")
	}

	ns, err := e.RecentNarratives(ctx, 5)
	if err != nil {
		t.Fatalf("RecentNarratives: %v", err)
	}
	if len(ns) != 1 || ns[0].Text != "narrated" {
		t.Errorf("narratives = %+v", ns)
	}
}

func TestReflectionHookRecordsInsights(t *testing.T) {
	e := testEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.Remember(ctx, RememberParams{
		Content: "something recent", Category: "log", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	res, err := e.Scheduler().RunKind(ctx, maintain.KindReflection)
	if err != nil {
		t.Fatalf("reflection: %v", err)
	}
	if res.Insights == 0 {
		t.Fatal("expected at least the activity insight")
	}

	insights, err := e.RecentInsights(ctx, 10)
	if err != nil {
		t.Fatalf("RecentInsights: %v", err)
	}
	if len(insights) != res.Insights {
		t.Errorf("persisted %d insights, hook reported %d", len(insights), res.Insights)
	}
}
