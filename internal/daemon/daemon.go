// Package daemon wires the memory engine into a long-running process: it
// assembles the stores and indices, serves the HTTP API, and drives the
// maintenance scheduler and the embedding sync worker.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mnemo-labs/mnemo/internal/llm"
	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/embeddings"
	chromemidx "github.com/mnemo-labs/mnemo/pkg/embeddings/chromem"
	"github.com/mnemo-labs/mnemo/pkg/engine"
	"github.com/mnemo-labs/mnemo/pkg/episode"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
	"github.com/mnemo-labs/mnemo/pkg/maintain"
	"github.com/mnemo-labs/mnemo/pkg/narrative"
	"github.com/mnemo-labs/mnemo/pkg/pulse"
	"github.com/mnemo-labs/mnemo/pkg/recall"
	"github.com/mnemo-labs/mnemo/pkg/reflection"
)

// Daemon is the main mnexd process.
type Daemon struct {
	config *Config
	eng    *engine.Engine

	// Embedding plumbing; exactly one backend (or none) is active.
	embedStore  *embeddings.Store
	syncWorker  *embeddings.SyncWorker
	chromemIdx  *chromemidx.Index
	autoPulse   bool
	autoNarrate bool

	startedAt time.Time
	healthy   bool
}

// New assembles a daemon from config.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	store, err := fragment.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open fragment store: %w", err)
	}

	concepts, err := concept.New(store.DB(), cfg.Memory.ConceptSimilarityThreshold)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("concept index: %w", err)
	}
	episodes, err := episode.New(store.DB(), duration(cfg.Memory.EpisodeChainGap, 30*time.Minute))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("episodic index: %w", err)
	}

	monitor, err := pulse.New(store.DB(), pulse.DefaultWeights(), cfg.Memory.CoherenceAlertThreshold, negationContradicts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("pulse monitor: %w", err)
	}
	reflector, err := reflection.New(store.DB(), negationContradicts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reflector: %w", err)
	}

	d := &Daemon{
		config:      cfg,
		startedAt:   time.Now(),
		autoPulse:   boolOr(cfg.Maintenance.AutoPulseMonitoring, true),
		autoNarrate: boolOr(cfg.Maintenance.AutoNarrativeGeneration, true),
	}

	textIndex, err := d.initTextIndex(ctx, store)
	if err != nil {
		slog.Warn("vector backend unavailable, keyword recall only", "error", err)
	}

	orch := recall.New(textIndex, concepts, episodes, store, 0)

	provider := llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model)
	narrator, err := narrative.New(store.DB(), store, llm.NewNarrator(provider), 0)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("narrative generator: %w", err)
	}

	schedCfg := maintain.Config{
		PulseInterval:      duration(cfg.Maintenance.PulseCheckInterval, 2*time.Hour),
		ReflectionInterval: duration(cfg.Maintenance.ReflectionFrequency, 6*time.Hour),
		NarrativeInterval:  duration(cfg.Maintenance.NarrativeInterval, 12*time.Hour),
		CleanupInterval:    duration(cfg.Maintenance.CleanupInterval, 24*time.Hour),
	}
	engCfg := engine.Config{
		MaxFragmentsPerDay: cfg.Memory.MaxFragmentsPerDay,
		FragmentRetention:  time.Duration(cfg.Memory.FragmentRetentionDays) * 24 * time.Hour,
		CleanupConfidence:  cfg.Memory.LowConfidenceCleanupThreshold,
		ReflectionLookback: schedCfg.ReflectionInterval,
	}

	d.eng = engine.New(store, concepts, episodes, orch, monitor, reflector, narrator, schedCfg, engCfg, nil, slog.Default())
	return d, nil
}

// initTextIndex sets up the configured vector backend and returns it as
// the recall collaborator. Returns nil when no backend is configured.
func (d *Daemon) initTextIndex(ctx context.Context, store *fragment.Store) (recall.TextIndex, error) {
	switch d.config.Embeddings.Backend {
	case "pgvector":
		cfg := d.config.Embeddings
		if cfg.PostgresURL == "" || cfg.TEIURL == "" {
			return nil, errors.New("pgvector backend needs postgres_url and tei_url")
		}
		es, err := embeddings.NewStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := es.Init(ctx); err != nil {
			es.Close()
			return nil, err
		}
		tei := embeddings.NewTEIClient(cfg.TEIURL)
		d.embedStore = es
		d.syncWorker = embeddings.NewSyncWorker(store, es, tei, duration(cfg.SyncInterval, 30*time.Second), cfg.BatchSize)
		return embeddings.NewSearcher(store, es, tei), nil
	case "chromem":
		idx, err := chromemidx.New(nil)
		if err != nil {
			return nil, err
		}
		d.chromemIdx = idx
		return idx, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embeddings backend %q", d.config.Embeddings.Backend)
	}
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("mnexd running",
		"name", d.config.Name,
		"db", d.config.DBPath,
		"listen", d.config.Listen,
		"embeddings", d.config.Embeddings.Backend,
	)

	go d.serveAPI(ctx)

	if d.syncWorker != nil {
		go d.syncWorker.Run(ctx)
	}
	if d.chromemIdx != nil {
		go d.runChromemSync(ctx)
	}

	go d.runScheduler(ctx)

	d.healthy = true
	<-ctx.Done()
	d.healthy = false

	if d.embedStore != nil {
		d.embedStore.Close()
	}
	err := d.eng.Close()
	slog.Info("mnexd shutting down")
	return err
}

// runScheduler ticks the maintenance kinds that are enabled. Reflection
// and cleanup always run; pulse and narrative honor their auto toggles.
func (d *Daemon) runScheduler(ctx context.Context) {
	sched := d.eng.Scheduler()
	kinds := []maintain.Kind{maintain.KindReflection, maintain.KindCleanup}
	if d.autoPulse {
		kinds = append([]maintain.Kind{maintain.KindPulse}, kinds...)
	}
	if d.autoNarrate {
		kinds = append(kinds, maintain.KindNarrative)
	}
	slog.Info("maintenance loop started", "kinds", kinds)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, kind := range kinds {
				if ctx.Err() != nil {
					return
				}
				sched.MaybeRun(ctx, kind, now.UTC())
			}
		}
	}
}

func (d *Daemon) runChromemSync(ctx context.Context) {
	interval := duration(d.config.Embeddings.SyncInterval, 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if added, err := d.chromemIdx.SyncFromStore(ctx, d.eng.Store()); err != nil {
				slog.Warn("chromem sync failed", "error", err)
			} else if added > 0 {
				slog.Debug("chromem sync", "added", added)
			}
		}
	}
}

// serveAPI runs the daemon's HTTP API.
// Endpoints:
//   - GET  /health              — liveness
//   - POST /v1/remember         — ingest a fragment
//   - GET  /v1/recall           — multi-strategy recall
//   - GET  /v1/status           — engine status snapshot
//   - GET  /v1/alerts           — open drift alerts
//   - POST /v1/alerts/resolve   — resolve an alert
//   - GET  /v1/insights         — recent reflection insights
//   - GET  /v1/narratives       — recent narratives
//   - GET  /v1/events           — SSE event stream
func (d *Daemon) serveAPI(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"starting"}`)
		}
	})
	mux.HandleFunc("/v1/remember", d.handleRemember)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("/v1/status", d.handleStatus)
	mux.HandleFunc("/v1/alerts", d.handleAlerts)
	mux.HandleFunc("/v1/alerts/resolve", d.handleResolveAlert)
	mux.HandleFunc("/v1/insights", d.handleInsights)
	mux.HandleFunc("/v1/narratives", d.handleNarratives)
	mux.HandleFunc("/v1/events", d.handleEvents)

	srv := &http.Server{Addr: d.config.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", d.config.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("API server error", "error", err)
	}
}

type rememberRequest struct {
	Content       string   `json:"content"`
	Category      string   `json:"category"`
	Type          string   `json:"type"`
	Tags          []string `json:"tags"`
	Confidence    float64  `json:"confidence"`
	NarrativeRole string   `json:"narrative_role,omitempty"`
}

func (d *Daemon) handleRemember(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	f, err := d.eng.Remember(r.Context(), engine.RememberParams{
		Content:       req.Content,
		Category:      req.Category,
		Type:          fragment.Type(req.Type),
		Tags:          req.Tags,
		Confidence:    req.Confidence,
		NarrativeRole: req.NarrativeRole,
	})
	if err != nil {
		if errors.Is(err, engine.ErrDailyCapReached) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(f)
}

// recallMatch is one hit in the /v1/recall response.
type recallMatch struct {
	Fragment  *fragment.Fragment `json:"fragment,omitempty"`
	Chain     *episode.Chain     `json:"chain,omitempty"`
	Source    string             `json:"source"`
	Relevance float64            `json:"relevance"`
}

type recallResponse struct {
	Matches  []recallMatch `json:"matches"`
	Strategy string        `json:"strategy"`
	Query    string        `json:"query"`
	Count    int           `json:"count"`
}

func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	query := q.Get("q")
	strategy := recall.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = recall.StrategyHybrid
	}

	limit := 10
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var filters recall.Filters
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.TimeStart = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.TimeEnd = &t
		}
	}
	if v := q.Get("concepts"); v != "" {
		filters.Concepts = strings.Split(v, ",")
	}

	matches, err := d.eng.Recall(r.Context(), query, strategy, limit, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := recallResponse{
		Matches:  make([]recallMatch, 0, len(matches)),
		Strategy: string(strategy),
		Query:    query,
		Count:    len(matches),
	}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, recallMatch{
			Fragment:  m.Fragment,
			Chain:     m.Chain,
			Source:    m.Source,
			Relevance: m.Relevance,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(resp)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st, err := d.eng.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(st)
}

func (d *Daemon) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	alerts, err := d.eng.OpenAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"alerts": alerts, "count": len(alerts)})
}

type resolveRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (d *Daemon) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "id and reason are required")
		return
	}
	if err := d.eng.ResolveAlert(r.Context(), req.ID, req.Reason); err != nil {
		if errors.Is(err, pulse.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fmt.Fprint(w, `{"resolved":true}`)
}

func (d *Daemon) handleInsights(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	insights, err := d.eng.RecentInsights(r.Context(), queryLimit(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"insights": insights, "count": len(insights)})
}

func (d *Daemon) handleNarratives(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	narratives, err := d.eng.RecentNarratives(r.Context(), queryLimit(r, 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"narratives": narratives, "count": len(narratives)})
}

// handleEvents streams engine events over SSE.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	bus := d.eng.Events()
	ch, done := bus.Subscribe()
	defer bus.Unsubscribe(done)

	// Replay recent events so a reconnecting client catches up.
	for _, e := range bus.Recent(20) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}

func queryLimit(r *http.Request, fallback int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			return parsed
		}
	}
	return fallback
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// negationContradicts is the stock contradiction predicate: two fragments
// in the same category whose contents differ only by negation markers.
func negationContradicts(a, b fragment.Fragment) bool {
	if a.Category != b.Category {
		return false
	}
	ta := tokensWithoutNegation(a.Content)
	tb := tokensWithoutNegation(b.Content)
	if (ta.negations > 0) == (tb.negations > 0) {
		return false // both negated or neither: no polarity flip
	}
	if len(ta.words) != len(tb.words) {
		return false
	}
	for i := range ta.words {
		if ta.words[i] != tb.words[i] {
			return false
		}
	}
	return true
}

type tokenSet struct {
	words     []string
	negations int
}

func tokensWithoutNegation(s string) tokenSet {
	var ts tokenSet
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'")
		switch w {
		case "not", "never", "no", "don't", "doesn't", "isn't", "wasn't":
			ts.negations++
		case "":
		default:
			ts.words = append(ts.words, w)
		}
	}
	return ts
}
