// Package pulse computes point-in-time health snapshots over the fragment
// store and the concept index, tracks the coherence trend across snapshots,
// and raises drift alerts when coherence falls below a threshold. Alerts
// persist until explicitly resolved.
package pulse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// Trend values for Health.Trend.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// Severity values for DriftAlert.Severity.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// trendEpsilon is the coherence delta below which the trend reads stable.
const trendEpsilon = 0.02

// Fixed-width UTC timestamps keep detected_at lexicographically ordered.
const timeFormat = "2006-01-02 15:04:05.000000000"

// ErrAlertNotFound is returned when resolving an unknown or already
// resolved alert.
var ErrAlertNotFound = errors.New("alert not found or already resolved")

// Health is a point-in-time snapshot of memory health.
type Health struct {
	CoherenceScore     float64
	TotalFragments     int
	ActiveConcepts     int
	AverageConfidence  float64
	ContradictionCount int
	OrphanedFragments  int
	Trend              string
	LastMaintenance    time.Time
	TakenAt            time.Time
}

// DriftAlert records a measurable decline in memory coherence.
type DriftAlert struct {
	ID                string
	DriftType         string
	Severity          string
	Description       string
	DetectedAt        time.Time
	Resolved          bool
	ResolvedReason    string
	RecommendedAction string
}

// Weights combines the health components into the coherence score. They are
// configuration, not constants.
type Weights struct {
	Confidence     float64 `json:"confidence"`
	Orphans        float64 `json:"orphans"`
	Contradictions float64 `json:"contradictions"`
}

// DefaultWeights weighs confidence heaviest.
func DefaultWeights() Weights {
	return Weights{Confidence: 0.5, Orphans: 0.3, Contradictions: 0.2}
}

// Monitor owns the pulse persistence namespace: snapshots and alerts.
type Monitor struct {
	db             *sql.DB
	weights        Weights
	alertThreshold float64
	contradicts    fragment.ContradictionFunc // may be nil: contradictions read 0
}

// New creates a pulse monitor over the given database handle and migrates
// its namespace.
func New(db *sql.DB, weights Weights, alertThreshold float64, contradicts fragment.ContradictionFunc) (*Monitor, error) {
	if weights.Confidence+weights.Orphans+weights.Contradictions <= 0 {
		weights = DefaultWeights()
	}
	if alertThreshold <= 0 {
		alertThreshold = 0.5
	}
	m := &Monitor{db: db, weights: weights, alertThreshold: alertThreshold, contradicts: contradicts}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("migrate pulse monitor: %w", err)
	}
	return m, nil
}

func (m *Monitor) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pulse_snapshots (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at        TEXT NOT NULL,
		coherence       REAL NOT NULL,
		total_fragments INTEGER NOT NULL,
		active_concepts INTEGER NOT NULL,
		avg_confidence  REAL NOT NULL,
		contradictions  INTEGER NOT NULL,
		orphans         INTEGER NOT NULL,
		trend           TEXT NOT NULL,
		last_maintenance TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pulse_alerts (
		id                 TEXT PRIMARY KEY,
		drift_type         TEXT NOT NULL,
		severity           TEXT NOT NULL,
		description        TEXT NOT NULL,
		detected_at        TEXT NOT NULL,
		resolved           INTEGER NOT NULL DEFAULT 0,
		resolved_reason    TEXT NOT NULL DEFAULT '',
		recommended_action TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_pulse_alerts_resolved ON pulse_alerts(resolved);
	`
	_, err := m.db.Exec(schema)
	return err
}

// RunCheck computes a health snapshot from the given fragment and cluster
// views, persists it, raises a drift alert when coherence falls below the
// threshold, and auto-resolves open coherence alerts once the score
// recovers. Returns the snapshot and the number of alerts resolved.
func (m *Monitor) RunCheck(ctx context.Context, frags []fragment.Fragment, clusters []concept.Cluster) (*Health, int, error) {
	now := time.Now().UTC()
	h := &Health{
		TotalFragments: len(frags),
		ActiveConcepts: len(clusters),
		TakenAt:        now,
	}

	var confSum float64
	for _, f := range frags {
		confSum += f.Confidence
		if f.Orphaned() {
			h.OrphanedFragments++
		}
	}
	if len(frags) > 0 {
		h.AverageConfidence = confSum / float64(len(frags))
	}

	contradictions, pairs := m.countContradictions(frags, clusters)
	h.ContradictionCount = contradictions

	orphanRatio := 0.0
	if len(frags) > 0 {
		orphanRatio = float64(h.OrphanedFragments) / float64(len(frags))
	}
	contradictionRatio := 0.0
	if pairs > 0 {
		contradictionRatio = float64(contradictions) / float64(pairs)
	}

	w := m.weights
	total := w.Confidence + w.Orphans + w.Contradictions
	h.CoherenceScore = (w.Confidence*h.AverageConfidence +
		w.Orphans*(1-orphanRatio) +
		w.Contradictions*(1-contradictionRatio)) / total

	prev, err := m.lastSnapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	h.Trend = TrendStable
	if prev != nil {
		switch {
		case h.CoherenceScore > prev.CoherenceScore+trendEpsilon:
			h.Trend = TrendImproving
		case h.CoherenceScore < prev.CoherenceScore-trendEpsilon:
			h.Trend = TrendDegrading
		}
		h.LastMaintenance = prev.TakenAt
	}

	if err := m.storeSnapshot(ctx, h); err != nil {
		return nil, 0, err
	}

	resolved := 0
	if h.CoherenceScore < m.alertThreshold {
		if err := m.raiseDriftAlert(ctx, h); err != nil {
			return nil, 0, err
		}
	} else {
		resolved, err = m.resolveCoherenceAlerts(ctx, h.CoherenceScore)
		if err != nil {
			return nil, 0, err
		}
	}

	slog.Info("pulse check complete",
		"coherence", fmt.Sprintf("%.3f", h.CoherenceScore),
		"fragments", h.TotalFragments,
		"orphans", h.OrphanedFragments,
		"contradictions", h.ContradictionCount,
		"trend", h.Trend,
	)
	return h, resolved, nil
}

// countContradictions applies the collaborator predicate to every distinct
// fragment pair sharing a cluster. Returns matches and pairs checked.
func (m *Monitor) countContradictions(frags []fragment.Fragment, clusters []concept.Cluster) (int, int) {
	if m.contradicts == nil {
		return 0, 0
	}
	byID := make(map[string]fragment.Fragment, len(frags))
	for _, f := range frags {
		byID[f.ID] = f
	}

	type pair struct{ a, b string }
	seen := make(map[pair]bool)
	contradictions, checked := 0, 0
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
				if !okA || !okB {
					continue
				}
				checked++
				if m.contradicts(fa, fb) {
					contradictions++
				}
			}
		}
	}
	return contradictions, checked
}

// raiseDriftAlert emits a coherence drift alert with severity scaled to how
// far below the threshold the score fell.
func (m *Monitor) raiseDriftAlert(ctx context.Context, h *Health) error {
	drop := m.alertThreshold - h.CoherenceScore
	severity := SeverityLow
	switch {
	case drop >= 0.25:
		severity = SeverityHigh
	case drop >= 0.1:
		severity = SeverityMedium
	}

	a := DriftAlert{
		ID:        uuid.NewString(),
		DriftType: "coherence",
		Severity:  severity,
		Description: fmt.Sprintf("coherence %.3f below threshold %.3f (orphans=%d, contradictions=%d)",
			h.CoherenceScore, m.alertThreshold, h.OrphanedFragments, h.ContradictionCount),
		DetectedAt:        h.TakenAt,
		RecommendedAction: "run reflection and cleanup; review low-confidence fragments",
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO pulse_alerts (id, drift_type, severity, description, detected_at, resolved, resolved_reason, recommended_action)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		a.ID, a.DriftType, a.Severity, a.Description,
		a.DetectedAt.Format(timeFormat), a.RecommendedAction)
	if err != nil {
		return fmt.Errorf("raise drift alert: %w", err)
	}
	slog.Warn("drift alert raised", "alert", a.ID, "severity", a.Severity, "coherence", h.CoherenceScore)
	return nil
}

// ResolveAlert marks an alert resolved with a reason.
func (m *Monitor) ResolveAlert(ctx context.Context, id, reason string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE pulse_alerts SET resolved = 1, resolved_reason = ?
		WHERE id = ? AND resolved = 0`, reason, id)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve alert %s: %w", id, ErrAlertNotFound)
	}
	return nil
}

// resolveCoherenceAlerts resolves all open coherence alerts after recovery.
func (m *Monitor) resolveCoherenceAlerts(ctx context.Context, score float64) (int, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE pulse_alerts SET resolved = 1, resolved_reason = ?
		WHERE resolved = 0 AND drift_type = 'coherence'`,
		fmt.Sprintf("coherence recovered to %.3f", score))
	if err != nil {
		return 0, fmt.Errorf("resolve coherence alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// OpenAlerts returns all unresolved alerts, newest first.
func (m *Monitor) OpenAlerts(ctx context.Context) ([]DriftAlert, error) {
	return m.listAlerts(ctx, `WHERE resolved = 0`)
}

// AllAlerts returns every alert, newest first.
func (m *Monitor) AllAlerts(ctx context.Context) ([]DriftAlert, error) {
	return m.listAlerts(ctx, ``)
}

func (m *Monitor) listAlerts(ctx context.Context, where string) ([]DriftAlert, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, drift_type, severity, description, detected_at, resolved, resolved_reason, recommended_action
		FROM pulse_alerts `+where+` ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []DriftAlert
	for rows.Next() {
		var a DriftAlert
		var detectedAt string
		var resolved int
		if err := rows.Scan(&a.ID, &a.DriftType, &a.Severity, &a.Description,
			&detectedAt, &resolved, &a.ResolvedReason, &a.RecommendedAction); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.DetectedAt = fragment.ParseTime(detectedAt)
		a.Resolved = resolved != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// LastSnapshot returns the most recent health snapshot, or nil.
func (m *Monitor) LastSnapshot(ctx context.Context) (*Health, error) {
	return m.lastSnapshot(ctx)
}

func (m *Monitor) lastSnapshot(ctx context.Context) (*Health, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT taken_at, coherence, total_fragments, active_concepts, avg_confidence,
		       contradictions, orphans, trend, last_maintenance
		FROM pulse_snapshots ORDER BY id DESC LIMIT 1`)

	var h Health
	var takenAt, lastMaintenance string
	err := row.Scan(&takenAt, &h.CoherenceScore, &h.TotalFragments, &h.ActiveConcepts,
		&h.AverageConfidence, &h.ContradictionCount, &h.OrphanedFragments, &h.Trend, &lastMaintenance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last snapshot: %w", err)
	}
	h.TakenAt = fragment.ParseTime(takenAt)
	h.LastMaintenance = fragment.ParseTime(lastMaintenance)
	return &h, nil
}

func (m *Monitor) storeSnapshot(ctx context.Context, h *Health) error {
	lastMaintenance := ""
	if !h.LastMaintenance.IsZero() {
		lastMaintenance = h.LastMaintenance.Format(timeFormat)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO pulse_snapshots (taken_at, coherence, total_fragments, active_concepts,
			avg_confidence, contradictions, orphans, trend, last_maintenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.TakenAt.Format(timeFormat), h.CoherenceScore, h.TotalFragments,
		h.ActiveConcepts, h.AverageConfidence, h.ContradictionCount,
		h.OrphanedFragments, h.Trend, lastMaintenance)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}
