package reflection

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

func testReflector(t *testing.T, contradicts fragment.ContradictionFunc) *Reflector {
	t.Helper()
	store, err := fragment.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r, err := New(store.DB(), contradicts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func fragWith(id string, confidence float64, links ...string) fragment.Fragment {
	return fragment.Fragment{
		ID:               id,
		Confidence:       confidence,
		AssociativeLinks: links,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestAnalyzeContradictions(t *testing.T) {
	contradicts := func(a, b fragment.Fragment) bool {
		return a.ID == "yes" && b.ID == "no" || a.ID == "no" && b.ID == "yes"
	}
	r := testReflector(t, contradicts)

	frags := []fragment.Fragment{fragWith("yes", 0.8), fragWith("no", 0.6), fragWith("other", 0.9)}
	clusters := []concept.Cluster{
		{ID: "c1", Name: "diet", Members: []string{"yes", "no", "other"}},
		{ID: "c2", Name: "dup", Members: []string{"yes", "no"}}, // same pair, counted once
	}

	insights := r.AnalyzeContradictions(frags, clusters)
	if len(insights) != 1 {
		t.Fatalf("insights = %+v, want exactly one", insights)
	}
	if insights[0].Type != InsightContradiction {
		t.Errorf("type = %q", insights[0].Type)
	}
	if got := insights[0].Significance; math.Abs(got-0.7) > 1e-9 {
		t.Errorf("significance = %v, want pair confidence mean 0.7", got)
	}
}

func TestAnalyzeContradictionsNilPredicate(t *testing.T) {
	r := testReflector(t, nil)
	frags := []fragment.Fragment{fragWith("a", 0.8), fragWith("b", 0.8)}
	clusters := []concept.Cluster{{ID: "c1", Members: []string{"a", "b"}}}
	if got := r.AnalyzeContradictions(frags, clusters); got != nil {
		t.Errorf("insights = %+v, want nil without a predicate", got)
	}
}

func TestExploreConceptConnections(t *testing.T) {
	r := testReflector(t, nil)

	// "a" in cluster health links to "x" in cluster work.
	frags := []fragment.Fragment{fragWith("a", 0.8, "x"), fragWith("x", 0.7)}
	clusters := []concept.Cluster{
		{ID: "c1", Name: "health", Tags: []string{"health"}, Members: []string{"a"}},
		{ID: "c2", Name: "work", Tags: []string{"work"}, Members: []string{"x"}},
	}

	insights := r.ExploreConceptConnections("health", frags, clusters)
	if len(insights) != 1 {
		t.Fatalf("insights = %+v, want one connection", insights)
	}
	if insights[0].Type != InsightConceptConnection {
		t.Errorf("type = %q", insights[0].Type)
	}

	if got := r.ExploreConceptConnections("cooking", frags, clusters); len(got) != 0 {
		t.Errorf("unknown concept yielded %+v", got)
	}
}

func TestDetectBlindSpots(t *testing.T) {
	r := testReflector(t, nil)

	frags := []fragment.Fragment{
		fragWith("a", 0.9, "b"), fragWith("b", 0.9, "a"),
		fragWith("weak", 0.1),
	}
	clusters := []concept.Cluster{
		{ID: "c1", Name: "strong", Members: []string{"a", "b"}},
		{ID: "c2", Name: "shaky", Members: []string{"weak"}},
	}

	insights := r.DetectBlindSpots(frags, clusters)
	if len(insights) != 1 {
		t.Fatalf("insights = %+v, want the shaky cluster flagged", insights)
	}
	if insights[0].Type != InsightBlindSpot {
		t.Errorf("type = %q", insights[0].Type)
	}

	// A single cluster has no peers to compare against.
	if got := r.DetectBlindSpots(frags, clusters[:1]); got != nil {
		t.Errorf("single cluster yielded %+v", got)
	}
}

func TestReflectOnRangePersistsAndOrders(t *testing.T) {
	r := testReflector(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	frags := []fragment.Fragment{fragWith("a", 0.8, "b"), fragWith("b", 0.2, "a")}
	insights, err := r.ReflectOnRange(ctx, frags, nil, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReflectOnRange: %v", err)
	}
	if len(insights) == 0 {
		t.Fatal("expected at least the activity insight")
	}
	for i := 1; i < len(insights); i++ {
		if insights[i].Significance > insights[i-1].Significance {
			t.Errorf("insights not ordered by significance: %v", insights)
		}
	}
	for _, in := range insights {
		if in.ID == "" || in.DiscoveredAt.IsZero() {
			t.Errorf("insight not recorded: %+v", in)
		}
	}

	recent, err := r.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != len(insights) {
		t.Errorf("recent = %d, want %d persisted", len(recent), len(insights))
	}
}

func TestReflectOnRangeFiltersByTime(t *testing.T) {
	r := testReflector(t, nil)
	ctx := context.Background()

	old := fragWith("old", 0.8)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	now := time.Now().UTC()
	insights, err := r.ReflectOnRange(ctx, []fragment.Fragment{old}, nil, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("ReflectOnRange: %v", err)
	}
	for _, in := range insights {
		if in.Type == InsightActivity {
			t.Errorf("activity insight for out-of-range fragment: %+v", in)
		}
	}
}
