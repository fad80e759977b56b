// Package engine is the facade over the memory subsystems: the fragment
// store, the concept and episodic indices, the recall orchestrator, the
// pulse monitor, the reflector, the narrative generator and the
// maintenance scheduler. All write traffic and all maintenance hooks go
// through here so the indices stay consistent with the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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

// ErrDailyCapReached is returned by Remember when the soft daily fragment
// cap has been hit. The caller decides whether to retry tomorrow or raise
// the cap.
var ErrDailyCapReached = errors.New("daily fragment cap reached")

// LinkCap bounds how many associative links are back-filled onto a new
// fragment from its cluster co-members.
const LinkCap = 5

// Config carries the engine-level tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	// MaxFragmentsPerDay is a soft cap on writes per UTC day. 0 disables it.
	MaxFragmentsPerDay int

	// FragmentRetention and CleanupConfidence drive the cleanup hook:
	// fragments older than the retention window with confidence below the
	// threshold are deleted.
	FragmentRetention  time.Duration // default 365 days
	CleanupConfidence  float64       // default 0.2
	ReflectionLookback time.Duration // default 6h, matches the reflection interval
}

func (c *Config) applyDefaults() {
	if c.FragmentRetention <= 0 {
		c.FragmentRetention = 365 * 24 * time.Hour
	}
	if c.CleanupConfidence <= 0 {
		c.CleanupConfidence = 0.2
	}
	if c.ReflectionLookback <= 0 {
		c.ReflectionLookback = 6 * time.Hour
	}
}

// RememberParams is the input to Remember.
type RememberParams struct {
	Content       string
	Category      string
	Type          fragment.Type
	Tags          []string
	Confidence    float64
	NarrativeRole string
}

// Match is one hydrated recall result. Fragment is nil for episodic
// matches, which reference a whole chain.
type Match struct {
	Fragment  *fragment.Fragment
	Chain     *episode.Chain
	Source    string
	Relevance float64
}

// Stats is the engine status snapshot.
type Stats struct {
	TotalOperations      int64
	SuccessfulOperations int64
	FragmentsCreated     int64
	NarrativesGenerated  int64
	InsightsDiscovered   int64

	TotalFragments int
	ActiveConcepts int
	EpisodicChains int
	OpenAlerts     int

	LastHealth *pulse.Health
	Scheduler  map[maintain.Kind]maintain.KindStatus
}

// Engine ties the subsystems together.
type Engine struct {
	store     *fragment.Store
	concepts  *concept.Index
	episodes  *episode.Index
	recaller  *recall.Orchestrator
	monitor   *pulse.Monitor
	reflector *reflection.Reflector
	narrator  *narrative.Generator
	sched     *maintain.Scheduler
	bus       *EventBus
	logger    *slog.Logger
	cfg       Config

	// writeMu serializes the create-then-index write path so the indices
	// observe fragments in creation order.
	writeMu sync.Mutex

	totalOps      atomic.Int64
	successfulOps atomic.Int64
	fragments     atomic.Int64
	narratives    atomic.Int64
	insights      atomic.Int64

	bg sync.WaitGroup
}

// New assembles an engine from its subsystems and binds the maintenance
// hooks. The scheduler is created here so every hook closes over the
// engine's own components.
func New(store *fragment.Store, concepts *concept.Index, episodes *episode.Index, recaller *recall.Orchestrator, monitor *pulse.Monitor, reflector *reflection.Reflector, narrator *narrative.Generator, schedCfg maintain.Config, cfg Config, bus *EventBus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewEventBus()
	}
	cfg.applyDefaults()

	e := &Engine{
		store:     store,
		concepts:  concepts,
		episodes:  episodes,
		recaller:  recaller,
		monitor:   monitor,
		reflector: reflector,
		narrator:  narrator,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
	}
	e.sched = maintain.New(maintain.Hooks{
		Pulse:      e.pulseHook,
		Reflection: e.reflectionHook,
		Narrative:  e.narrativeHook,
		Cleanup:    e.cleanupHook,
	}, schedCfg, func(kind maintain.Kind, message string) {
		bus.Publish(Event{Type: EventMaintenance, Message: fmt.Sprintf("%s: %s", kind, message)})
	})
	return e
}

// Scheduler exposes the maintenance scheduler for the daemon loop.
func (e *Engine) Scheduler() *maintain.Scheduler { return e.sched }

// Events exposes the engine event bus.
func (e *Engine) Events() *EventBus { return e.bus }

// Store exposes the fragment store for read-only surfaces.
func (e *Engine) Store() *fragment.Store { return e.store }

// Remember ingests one fragment: it is created in the store, both indices
// are updated synchronously, and associative links are back-filled from the
// clusters it joined. Index failures roll the create back so a fragment is
// never visible in the store without index membership. Narrative-due and
// pulse-due checks are kicked off in the background; they never block the
// caller.
func (e *Engine) Remember(ctx context.Context, p RememberParams) (*fragment.Fragment, error) {
	e.totalOps.Add(1)

	if e.cfg.MaxFragmentsPerDay > 0 {
		dayStart := time.Now().UTC().Truncate(24 * time.Hour)
		n, err := e.store.CountCreatedSince(ctx, dayStart)
		if err != nil {
			return nil, fmt.Errorf("daily cap check: %w", err)
		}
		if n >= e.cfg.MaxFragmentsPerDay {
			return nil, fmt.Errorf("%w (%d today)", ErrDailyCapReached, n)
		}
	}

	e.writeMu.Lock()
	f, clusterIDs, err := e.ingest(ctx, p)
	e.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	e.fragments.Add(1)
	e.successfulOps.Add(1)
	e.bus.Publish(Event{Type: EventStatus, Message: fmt.Sprintf("fragment %s remembered (%d clusters)", f.ID, len(clusterIDs))})

	e.kickBackgroundChecks(ctx)
	return f, nil
}

func (e *Engine) ingest(ctx context.Context, p RememberParams) (*fragment.Fragment, []string, error) {
	f, err := e.store.Create(ctx, fragment.CreateParams{
		Content:       p.Content,
		Category:      p.Category,
		Type:          p.Type,
		SymbolicTags:  p.Tags,
		Confidence:    p.Confidence,
		NarrativeRole: p.NarrativeRole,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create fragment: %w", err)
	}

	clusterIDs, err := e.concepts.ProcessNewFragment(ctx, f)
	if err != nil {
		e.compensate(ctx, f.ID, false)
		return nil, nil, fmt.Errorf("concept index: %w", err)
	}
	if _, err := e.episodes.ProcessNewFragment(ctx, f); err != nil {
		e.compensate(ctx, f.ID, true)
		return nil, nil, fmt.Errorf("episodic index: %w", err)
	}

	// Best-effort: link the fragment to its cluster co-members. A link
	// failure leaves a valid, just less-connected, fragment.
	links := e.coMembers(ctx, f.ID, clusterIDs)
	if len(links) > 0 {
		if err := e.store.AppendLinks(ctx, f.ID, links, LinkCap); err != nil {
			e.logger.Warn("link back-fill failed", "fragment", f.ID, "error", err)
		} else {
			f.AssociativeLinks = appendCapped(f.AssociativeLinks, links, LinkCap)
		}
	}
	return f, clusterIDs, nil
}

// compensate undoes a partially indexed create.
func (e *Engine) compensate(ctx context.Context, id string, inConcepts bool) {
	if inConcepts {
		if err := e.concepts.RemoveFragments(ctx, []string{id}); err != nil {
			e.logger.Error("rollback: concept removal failed", "fragment", id, "error", err)
		}
	}
	if _, err := e.store.Delete(ctx, []string{id}); err != nil {
		e.logger.Error("rollback: fragment delete failed", "fragment", id, "error", err)
	}
}

func (e *Engine) coMembers(ctx context.Context, selfID string, clusterIDs []string) []string {
	var links []string
	for _, cid := range clusterIDs {
		members, err := e.concepts.Members(ctx, cid)
		if err != nil {
			e.logger.Warn("cluster members lookup failed", "cluster", cid, "error", err)
			continue
		}
		for _, m := range members {
			if m == selfID {
				continue
			}
			links = append(links, m)
			if len(links) >= LinkCap {
				return links
			}
		}
	}
	return links
}

func appendCapped(existing, add []string, cap int) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if len(existing) >= cap {
			break
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		existing = append(existing, id)
	}
	return existing
}

// kickBackgroundChecks fires the narrative-due and pulse-due probes off the
// write path. Each runs supervised; a panic in one is logged and does not
// reach the caller.
func (e *Engine) kickBackgroundChecks(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	for _, kind := range []maintain.Kind{maintain.KindNarrative, maintain.KindPulse} {
		kind := kind
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("background check panicked", "kind", kind, "panic", r)
				}
			}()
			e.sched.MaybeRun(bg, kind, time.Now())
		}()
	}
}

// Recall runs a query through the orchestrator and hydrates the results.
// Every recalled fragment's access counter is bumped.
func (e *Engine) Recall(ctx context.Context, query string, strategy recall.Strategy, limit int, filters recall.Filters) ([]Match, error) {
	e.totalOps.Add(1)

	results, err := e.recaller.Recall(ctx, query, strategy, limit, filters)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{Source: r.Source, Relevance: r.Relevance}
		switch {
		case r.FragmentID != "":
			f, err := e.store.Get(ctx, r.FragmentID)
			if err != nil {
				if errors.Is(err, fragment.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("hydrate %s: %w", r.FragmentID, err)
			}
			if err := e.store.Touch(ctx, f.ID); err != nil {
				e.logger.Warn("access touch failed", "fragment", f.ID, "error", err)
			} else {
				f.AccessCount++
			}
			m.Fragment = f
		case r.ChainID != "":
			c, err := e.episodes.Get(ctx, r.ChainID)
			if err != nil {
				continue
			}
			m.Chain = c
		default:
			continue
		}
		matches = append(matches, m)
	}

	e.successfulOps.Add(1)
	return matches, nil
}

// ResolveAlert marks a drift alert resolved.
func (e *Engine) ResolveAlert(ctx context.Context, id, reason string) error {
	if err := e.monitor.ResolveAlert(ctx, id, reason); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventAlert, Message: fmt.Sprintf("alert %s resolved: %s", id, reason)})
	return nil
}

// OpenAlerts lists unresolved drift alerts.
func (e *Engine) OpenAlerts(ctx context.Context) ([]pulse.DriftAlert, error) {
	return e.monitor.OpenAlerts(ctx)
}

// RecentInsights lists the most recent reflection insights.
func (e *Engine) RecentInsights(ctx context.Context, limit int) ([]reflection.Insight, error) {
	return e.reflector.Recent(ctx, limit)
}

// RecentNarratives lists the most recent narratives.
func (e *Engine) RecentNarratives(ctx context.Context, limit int) ([]narrative.Narrative, error) {
	return e.narrator.Recent(ctx, limit)
}

// Status assembles the engine status snapshot.
func (e *Engine) Status(ctx context.Context) (*Stats, error) {
	st := &Stats{
		TotalOperations:      e.totalOps.Load(),
		SuccessfulOperations: e.successfulOps.Load(),
		FragmentsCreated:     e.fragments.Load(),
		NarrativesGenerated:  e.narratives.Load(),
		InsightsDiscovered:   e.insights.Load(),
		Scheduler:            e.sched.Status(),
	}

	var err error
	if st.TotalFragments, err = e.store.Count(ctx); err != nil {
		return nil, fmt.Errorf("fragment count: %w", err)
	}
	if st.ActiveConcepts, err = e.concepts.Count(ctx); err != nil {
		return nil, fmt.Errorf("concept count: %w", err)
	}
	if st.EpisodicChains, err = e.episodes.Count(ctx); err != nil {
		return nil, fmt.Errorf("chain count: %w", err)
	}
	alerts, err := e.monitor.OpenAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("open alerts: %w", err)
	}
	st.OpenAlerts = len(alerts)

	if h, err := e.monitor.LastSnapshot(ctx); err == nil {
		st.LastHealth = h
	}
	return st, nil
}

// Close waits for in-flight background checks and closes the store.
func (e *Engine) Close() error {
	e.bg.Wait()
	return e.store.Close()
}

// ---- maintenance hooks ----

func (e *Engine) pulseHook(ctx context.Context) (maintain.KindResult, error) {
	frags, err := e.store.ListAll(ctx)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("pulse: list fragments: %w", err)
	}
	clusters, err := e.concepts.AllClusters(ctx)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("pulse: list clusters: %w", err)
	}
	h, resolved, err := e.monitor.RunCheck(ctx, frags, clusters)
	if err != nil {
		return maintain.KindResult{}, err
	}
	if h.Trend == pulse.TrendDegrading {
		e.bus.Publish(Event{Type: EventAlert, Message: fmt.Sprintf("coherence degrading: %.3f", h.CoherenceScore)})
	}
	return maintain.KindResult{AlertsResolved: resolved}, nil
}

func (e *Engine) reflectionHook(ctx context.Context) (maintain.KindResult, error) {
	end := time.Now()
	start := end.Add(-e.cfg.ReflectionLookback)

	frags, err := e.store.ListAll(ctx)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("reflection: list fragments: %w", err)
	}
	clusters, err := e.concepts.AllClusters(ctx)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("reflection: list clusters: %w", err)
	}
	insights, err := e.reflector.ReflectOnRange(ctx, frags, clusters, start, end)
	if err != nil {
		return maintain.KindResult{}, err
	}
	e.insights.Add(int64(len(insights)))
	return maintain.KindResult{Insights: len(insights)}, nil
}

func (e *Engine) narrativeHook(ctx context.Context) (maintain.KindResult, error) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	n, err := e.narrator.Generate(ctx, narrative.TypeDaily, start, end, "")
	if err != nil {
		if errors.Is(err, narrative.ErrNoFragments) {
			return maintain.KindResult{}, nil
		}
		return maintain.KindResult{}, err
	}
	e.narratives.Add(1)
	e.bus.Publish(Event{Type: EventNarrative, Message: fmt.Sprintf("narrative %s generated (%d fragments)", n.ID, len(n.FragmentIDs))})
	return maintain.KindResult{NarrativeID: n.ID}, nil
}

// cleanupHook is the only path that deletes fragments. Candidates must be
// both old and low-confidence; index membership is purged alongside. Holds
// writeMu so a delete never races an in-flight create or link back-fill.
func (e *Engine) cleanupHook(ctx context.Context) (maintain.KindResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cutoff := time.Now().Add(-e.cfg.FragmentRetention)
	ids, err := e.store.CleanupCandidates(ctx, cutoff, e.cfg.CleanupConfidence)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("cleanup: candidates: %w", err)
	}
	if len(ids) == 0 {
		return maintain.KindResult{}, nil
	}
	if err := e.concepts.RemoveFragments(ctx, ids); err != nil {
		return maintain.KindResult{}, fmt.Errorf("cleanup: concept purge: %w", err)
	}
	if err := e.episodes.RemoveFragments(ctx, ids); err != nil {
		return maintain.KindResult{}, fmt.Errorf("cleanup: episode purge: %w", err)
	}
	n, err := e.store.Delete(ctx, ids)
	if err != nil {
		return maintain.KindResult{}, fmt.Errorf("cleanup: delete: %w", err)
	}
	e.logger.Info("cleanup pass complete", "deleted", n)
	return maintain.KindResult{FragmentsCleaned: n}, nil
}
