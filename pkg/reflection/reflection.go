// Package reflection derives insights from the fragment store and the
// concept index over a time range: contradiction analysis, concept
// connection exploration and blind-spot detection. All modes are read-only
// over memory; discovered insights are recorded in the reflector's own
// persistence namespace and returned to the caller.
package reflection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// Insight types.
const (
	InsightContradiction     = "contradiction"
	InsightConceptConnection = "concept_connection"
	InsightBlindSpot         = "blind_spot"
	InsightConfidenceDrift   = "confidence_drift"
	InsightActivity          = "activity"
)

// Insight is one discovered observation about the memory system.
type Insight struct {
	ID             string
	Type           string
	Description    string
	Significance   float64
	Recommendation string
	DiscoveredAt   time.Time
}

// Reflector runs the insight modes. The contradiction predicate is an
// external collaborator; when nil, contradiction analysis yields nothing.
// Fixed-width UTC timestamps keep discovered_at lexicographically ordered.
const timeFormat = "2006-01-02 15:04:05.000000000"

type Reflector struct {
	db          *sql.DB
	contradicts fragment.ContradictionFunc
}

// New creates a reflector over the given database handle and migrates its
// namespace.
func New(db *sql.DB, contradicts fragment.ContradictionFunc) (*Reflector, error) {
	r := &Reflector{db: db, contradicts: contradicts}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("migrate reflector: %w", err)
	}
	return r, nil
}

func (r *Reflector) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reflection_insights (
		id             TEXT PRIMARY KEY,
		insight_type   TEXT NOT NULL,
		description    TEXT NOT NULL,
		significance   REAL NOT NULL,
		recommendation TEXT NOT NULL DEFAULT '',
		discovered_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_discovered ON reflection_insights(discovered_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// ReflectOnRange runs every insight mode over the fragments created within
// [start, end] and the given cluster snapshot, persists the discoveries and
// returns them, most significant first.
func (r *Reflector) ReflectOnRange(ctx context.Context, frags []fragment.Fragment, clusters []concept.Cluster, start, end time.Time) ([]Insight, error) {
	inRange := make([]fragment.Fragment, 0, len(frags))
	for _, f := range frags {
		if !f.CreatedAt.Before(start) && !f.CreatedAt.After(end) {
			inRange = append(inRange, f)
		}
	}

	var insights []Insight
	insights = append(insights, r.activityInsights(inRange, start, end)...)
	insights = append(insights, r.AnalyzeContradictions(inRange, clusters)...)
	insights = append(insights, r.DetectBlindSpots(frags, clusters)...)

	sort.SliceStable(insights, func(i, j int) bool {
		return insights[i].Significance > insights[j].Significance
	})

	if err := r.record(ctx, insights); err != nil {
		return nil, err
	}
	slog.Info("reflection complete", "insights", len(insights), "fragments_in_range", len(inRange))
	return insights, nil
}

// AnalyzeContradictions applies the collaborator predicate to fragment
// pairs sharing a cluster and reports each contradiction found.
func (r *Reflector) AnalyzeContradictions(frags []fragment.Fragment, clusters []concept.Cluster) []Insight {
	if r.contradicts == nil {
		return nil
	}
	byID := make(map[string]fragment.Fragment, len(frags))
	for _, f := range frags {
		byID[f.ID] = f
	}

	type pair struct{ a, b string }
	seen := make(map[pair]bool)
	var insights []Insight
	for _, c := range clusters {
		for i := 0; i < len(c.Members); i++ {
			for j := i + 1; j < len(c.Members); j++ {
				a, b := c.Members[i], c.Members[j]
				if a > b {
					a, b = b, a
				}
				p := pair{a, b}
				if seen[p] {
					continue
				}
				seen[p] = true
				fa, okA := byID[a]
				fb, okB := byID[b]
				if !okA || !okB || !r.contradicts(fa, fb) {
					continue
				}
				sig := (fa.Confidence + fb.Confidence) / 2
				insights = append(insights, Insight{
					Type: InsightContradiction,
					Description: fmt.Sprintf("fragments %s and %s in cluster %q contradict each other",
						fa.ID, fb.ID, c.Name),
					Significance:   sig,
					Recommendation: "decay or re-examine the lower-confidence fragment",
				})
			}
		}
	}
	return insights
}

// ExploreConceptConnections reports how a concept's cluster members link
// outward to fragments in other clusters.
func (r *Reflector) ExploreConceptConnections(conceptKey string, frags []fragment.Fragment, clusters []concept.Cluster) []Insight {
	byID := make(map[string]fragment.Fragment, len(frags))
	for _, f := range frags {
		byID[f.ID] = f
	}
	clusterOf := make(map[string][]string) // fragment id -> cluster names
	for _, c := range clusters {
		for _, m := range c.Members {
			clusterOf[m] = append(clusterOf[m], c.Name)
		}
	}

	var insights []Insight
	for _, c := range clusters {
		if !clusterHasTag(c, conceptKey) && c.ID != conceptKey {
			continue
		}
		connected := make(map[string]int) // other cluster name -> link count
		for _, m := range c.Members {
			f, ok := byID[m]
			if !ok {
				continue
			}
			for _, link := range f.AssociativeLinks {
				for _, name := range clusterOf[link] {
					if name != c.Name {
						connected[name]++
					}
				}
			}
		}
		for name, n := range connected {
			insights = append(insights, Insight{
				Type: InsightConceptConnection,
				Description: fmt.Sprintf("concept %q connects to %q through %d associative link(s)",
					c.Name, name, n),
				Significance:   clampSignificance(float64(n) / 5.0),
				Recommendation: "consider recalling both concepts together",
			})
		}
	}
	return insights
}

// DetectBlindSpots finds clusters whose member confidence or connectivity
// is unusually low relative to their peers.
func (r *Reflector) DetectBlindSpots(frags []fragment.Fragment, clusters []concept.Cluster) []Insight {
	if len(clusters) < 2 {
		return nil
	}
	byID := make(map[string]fragment.Fragment, len(frags))
	for _, f := range frags {
		byID[f.ID] = f
	}

	type clusterStat struct {
		cluster    concept.Cluster
		confidence float64
		links      float64
	}
	stats := make([]clusterStat, 0, len(clusters))
	var confTotal, linkTotal float64
	for _, c := range clusters {
		if len(c.Members) == 0 {
			continue
		}
		var conf, links float64
		counted := 0
		for _, m := range c.Members {
			f, ok := byID[m]
			if !ok {
				continue
			}
			conf += f.Confidence
			links += float64(len(f.AssociativeLinks))
			counted++
		}
		if counted == 0 {
			continue
		}
		s := clusterStat{cluster: c, confidence: conf / float64(counted), links: links / float64(counted)}
		stats = append(stats, s)
		confTotal += s.confidence
		linkTotal += s.links
	}
	if len(stats) < 2 {
		return nil
	}

	confMean := confTotal / float64(len(stats))
	linkMean := linkTotal / float64(len(stats))

	var insights []Insight
	for _, s := range stats {
		lowConfidence := s.confidence < confMean*0.5
		lowConnectivity := linkMean > 0 && s.links < linkMean*0.5
		if !lowConfidence && !lowConnectivity {
			continue
		}
		what := "connectivity"
		if lowConfidence {
			what = "confidence"
		}
		insights = append(insights, Insight{
			Type: InsightBlindSpot,
			Description: fmt.Sprintf("cluster %q has unusually low %s relative to peers (confidence %.2f vs mean %.2f)",
				s.cluster.Name, what, s.confidence, confMean),
			Significance:   clampSignificance(1 - s.confidence),
			Recommendation: "seek new fragments for this concept or verify existing ones",
		})
	}
	return insights
}

// Recent returns the most recently discovered insights.
func (r *Reflector) Recent(ctx context.Context, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, insight_type, description, significance, recommendation, discovered_at
		FROM reflection_insights ORDER BY discovered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var in Insight
		var discoveredAt string
		if err := rows.Scan(&in.ID, &in.Type, &in.Description, &in.Significance,
			&in.Recommendation, &discoveredAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.DiscoveredAt = fragment.ParseTime(discoveredAt)
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

func (r *Reflector) activityInsights(inRange []fragment.Fragment, start, end time.Time) []Insight {
	if len(inRange) == 0 {
		return nil
	}
	var confSum float64
	lowConfidence := 0
	for _, f := range inRange {
		confSum += f.Confidence
		if f.Confidence < 0.3 {
			lowConfidence++
		}
	}
	avg := confSum / float64(len(inRange))

	insights := []Insight{{
		Type: InsightActivity,
		Description: fmt.Sprintf("%d fragments stored between %s and %s, average confidence %.2f",
			len(inRange), start.Format(time.RFC3339), end.Format(time.RFC3339), avg),
		Significance: clampSignificance(float64(len(inRange)) / 50.0),
	}}

	if ratio := float64(lowConfidence) / float64(len(inRange)); ratio > 0.3 {
		insights = append(insights, Insight{
			Type: InsightConfidenceDrift,
			Description: fmt.Sprintf("%.0f%% of recent fragments carry confidence below 0.3",
				ratio*100),
			Significance:   clampSignificance(ratio),
			Recommendation: "review intake quality; low-confidence fragments will be cleaned up",
		})
	}
	return insights
}

func (r *Reflector) record(ctx context.Context, insights []Insight) error {
	now := time.Now().UTC()
	for i := range insights {
		insights[i].ID = uuid.NewString()
		insights[i].DiscoveredAt = now
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO reflection_insights (id, insight_type, description, significance, recommendation, discovered_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			insights[i].ID, insights[i].Type, insights[i].Description,
			insights[i].Significance, insights[i].Recommendation,
			now.Format(timeFormat)); err != nil {
			return fmt.Errorf("record insight: %w", err)
		}
	}
	return nil
}

func clusterHasTag(c concept.Cluster, tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func clampSignificance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
