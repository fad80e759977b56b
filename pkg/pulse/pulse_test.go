package pulse

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

func testMonitor(t *testing.T, threshold float64, contradicts fragment.ContradictionFunc) *Monitor {
	t.Helper()
	store, err := fragment.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := New(store.DB(), DefaultWeights(), threshold, contradicts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func linked(id string, confidence float64, links ...string) fragment.Fragment {
	return fragment.Fragment{ID: id, Confidence: confidence, AssociativeLinks: links}
}

func TestRunCheckComputesHealth(t *testing.T) {
	m := testMonitor(t, 0.4, nil)
	frags := []fragment.Fragment{
		linked("a", 0.8, "b"),
		linked("b", 0.6, "a"),
		linked("c", 0.4), // orphaned
	}
	clusters := []concept.Cluster{{ID: "c1", Members: []string{"a", "b"}}}

	h, resolved, err := m.RunCheck(context.Background(), frags, clusters)
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if resolved != 0 {
		t.Errorf("resolved = %d, want 0", resolved)
	}
	if h.TotalFragments != 3 || h.ActiveConcepts != 1 || h.OrphanedFragments != 1 {
		t.Errorf("snapshot = %+v", h)
	}
	if math.Abs(h.AverageConfidence-0.6) > 1e-9 {
		t.Errorf("avg confidence = %v, want 0.6", h.AverageConfidence)
	}
	// coherence = 0.5*0.6 + 0.3*(1-1/3) + 0.2*1 = 0.7
	if math.Abs(h.CoherenceScore-0.7) > 1e-9 {
		t.Errorf("coherence = %v, want 0.7", h.CoherenceScore)
	}
	if h.Trend != TrendStable {
		t.Errorf("first snapshot trend = %q, want stable", h.Trend)
	}
}

func TestContradictionsCountedOnlyWithinClusters(t *testing.T) {
	always := func(a, b fragment.Fragment) bool { return true }
	m := testMonitor(t, 0.01, always)

	frags := []fragment.Fragment{linked("a", 0.9, "x"), linked("b", 0.9, "x"), linked("c", 0.9, "x")}
	// a/b share a cluster; c is clustered alone.
	clusters := []concept.Cluster{
		{ID: "c1", Members: []string{"a", "b"}},
		{ID: "c2", Members: []string{"c"}},
	}
	h, _, err := m.RunCheck(context.Background(), frags, clusters)
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if h.ContradictionCount != 1 {
		t.Errorf("contradictions = %d, want 1 (only the a/b pair checked)", h.ContradictionCount)
	}
}

func TestDriftAlertRaisedAndAutoResolved(t *testing.T) {
	m := testMonitor(t, 0.5, nil)
	ctx := context.Background()

	// All-orphaned, zero-confidence fragments: coherence 0.2, well below 0.5.
	low := []fragment.Fragment{linked("a", 0), linked("b", 0)}
	h, _, err := m.RunCheck(ctx, low, nil)
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if h.CoherenceScore >= 0.5 {
		t.Fatalf("coherence = %v, expected below threshold", h.CoherenceScore)
	}

	alerts, err := m.OpenAlerts(ctx)
	if err != nil {
		t.Fatalf("OpenAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(alerts))
	}
	// Drop of 0.3 from the threshold reads high severity.
	if alerts[0].Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", alerts[0].Severity)
	}
	if alerts[0].DriftType != "coherence" || alerts[0].Resolved {
		t.Errorf("alert = %+v", alerts[0])
	}

	// Recovery auto-resolves open coherence alerts.
	good := []fragment.Fragment{linked("a", 0.9, "b"), linked("b", 0.9, "a")}
	_, resolved, err := m.RunCheck(ctx, good, nil)
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if resolved != 1 {
		t.Errorf("resolved = %d, want 1", resolved)
	}
	alerts, _ = m.OpenAlerts(ctx)
	if len(alerts) != 0 {
		t.Errorf("open alerts after recovery = %d, want 0", len(alerts))
	}
}

func TestResolveAlertExplicitly(t *testing.T) {
	m := testMonitor(t, 0.5, nil)
	ctx := context.Background()

	m.RunCheck(ctx, []fragment.Fragment{linked("a", 0)}, nil)
	alerts, _ := m.OpenAlerts(ctx)
	if len(alerts) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(alerts))
	}

	if err := m.ResolveAlert(ctx, alerts[0].ID, "manually reviewed"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if err := m.ResolveAlert(ctx, alerts[0].ID, "again"); err == nil {
		t.Error("resolving twice should fail")
	}

	all, _ := m.AllAlerts(ctx)
	if len(all) != 1 || !all[0].Resolved || all[0].ResolvedReason != "manually reviewed" {
		t.Errorf("alert after resolve = %+v", all)
	}
}

func TestTrendAcrossSnapshots(t *testing.T) {
	m := testMonitor(t, 0.1, nil)
	ctx := context.Background()

	weak := []fragment.Fragment{linked("a", 0.3, "b"), linked("b", 0.3, "a")}
	strong := []fragment.Fragment{linked("a", 0.9, "b"), linked("b", 0.9, "a")}

	m.RunCheck(ctx, weak, nil)
	h, _, _ := m.RunCheck(ctx, strong, nil)
	if h.Trend != TrendImproving {
		t.Errorf("trend = %q, want improving", h.Trend)
	}
	h, _, _ = m.RunCheck(ctx, weak, nil)
	if h.Trend != TrendDegrading {
		t.Errorf("trend = %q, want degrading", h.Trend)
	}
	h, _, _ = m.RunCheck(ctx, weak, nil)
	if h.Trend != TrendStable {
		t.Errorf("trend = %q, want stable", h.Trend)
	}

	last, err := m.LastSnapshot(ctx)
	if err != nil {
		t.Fatalf("LastSnapshot: %v", err)
	}
	if last == nil || last.Trend != TrendStable {
		t.Errorf("last snapshot = %+v", last)
	}
}
