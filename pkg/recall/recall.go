// Package recall implements the multi-strategy recall orchestrator. A query
// fans out to the text index, the concept index and the episodic index
// according to the requested strategy; per-source results are merged,
// stably sorted by relevance and truncated.
//
// Results are deliberately NOT deduplicated across sources: a fragment
// matched by both the vector and the conceptual path appears twice. Treat
// repeats as extra signal, not a bug.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/concept"
	"github.com/mnemo-labs/mnemo/pkg/episode"
	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// Strategy selects which indices a recall query fans out to.
type Strategy string

const (
	StrategyVector     Strategy = "vector"
	StrategyConceptual Strategy = "conceptual"
	StrategyEpisodic   Strategy = "episodic"
	StrategyHybrid     Strategy = "hybrid"
)

// Source identifies which index produced a result.
const (
	SourceVector     = "vector"
	SourceConceptual = "conceptual"
	SourceEpisodic   = "episodic"
)

// DefaultCollaboratorTimeout bounds calls to the external text index. An
// unresponsive collaborator is treated as that source failing; its results
// are omitted.
const DefaultCollaboratorTimeout = 5 * time.Second

// TextIndex is the external similarity-search collaborator. Ordering of the
// returned fragment ids is treated as relevance-descending.
type TextIndex interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Filters narrows a recall query. Every recognized field is enumerated
// here; there is no untyped context payload.
type Filters struct {
	TimeStart *time.Time
	TimeEnd   *time.Time
	Concepts  []string
}

// Result is one ranked recall hit. FragmentID is empty for episodic results,
// which reference a whole chain.
type Result struct {
	FragmentID string
	ChainID    string
	Source     string
	Relevance  float64
}

// Orchestrator fans recall queries out across the indices.
type Orchestrator struct {
	text     TextIndex // may be nil when no text index is configured
	concepts *concept.Index
	episodes *episode.Index
	store    *fragment.Store
	timeout  time.Duration
}

// New creates a recall orchestrator. A timeout <= 0 selects the default.
func New(text TextIndex, concepts *concept.Index, episodes *episode.Index, store *fragment.Store, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultCollaboratorTimeout
	}
	return &Orchestrator{
		text:     text,
		concepts: concepts,
		episodes: episodes,
		store:    store,
		timeout:  timeout,
	}
}

// Recall runs the query against the indices implied by strategy, merges the
// per-source result lists, sorts by relevance descending (stable; ties keep
// source-insertion order) and truncates to limit.
func (o *Orchestrator) Recall(ctx context.Context, query string, strategy Strategy, limit int, filters Filters) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if strategy == "" {
		strategy = StrategyHybrid
	}

	var results []Result

	if strategy == StrategyVector || strategy == StrategyHybrid {
		results = append(results, o.vectorResults(ctx, query, limit)...)
	}

	if strategy == StrategyConceptual || strategy == StrategyHybrid {
		concepts := filters.Concepts
		if len(concepts) == 0 && strategy == StrategyConceptual && query != "" {
			// A bare conceptual query treats the query text as the concept.
			concepts = []string{query}
		}
		hits, err := o.conceptualResults(ctx, concepts, limit)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}

	if (strategy == StrategyEpisodic || strategy == StrategyHybrid) &&
		filters.TimeStart != nil && filters.TimeEnd != nil {
		hits, err := o.episodicResults(ctx, *filters.TimeStart, *filters.TimeEnd)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// vectorResults queries the text index collaborator. Failures and timeouts
// degrade to FTS keyword search over fragment content; a failure there too
// simply omits the source.
func (o *Orchestrator) vectorResults(ctx context.Context, query string, limit int) []Result {
	var ids []string
	if o.text != nil {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		var err error
		ids, err = o.text.Search(callCtx, query, limit)
		if err != nil {
			slog.Warn("text index search failed, falling back to keyword search", "error", err)
			ids = nil
		}
	}

	if ids == nil {
		frags, err := o.store.Search(ctx, query, limit)
		if err != nil {
			slog.Warn("keyword fallback failed, omitting vector source", "error", err)
			return nil
		}
		for _, f := range frags {
			ids = append(ids, f.ID)
		}
	}

	results := make([]Result, 0, len(ids))
	for rank, id := range ids {
		results = append(results, Result{
			FragmentID: id,
			Source:     SourceVector,
			Relevance:  float64(limit-rank) / float64(limit),
		})
	}
	return results
}

// conceptualResults resolves each concept to member fragments; relevance is
// the fragment's own confidence.
func (o *Orchestrator) conceptualResults(ctx context.Context, concepts []string, limit int) ([]Result, error) {
	var results []Result
	for _, c := range concepts {
		ids, err := o.concepts.RetrieveByConcept(ctx, c, limit)
		if err != nil {
			return nil, fmt.Errorf("conceptual recall %q: %w", c, err)
		}
		frags, err := o.store.GetMany(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("hydrate conceptual recall %q: %w", c, err)
		}
		byID := make(map[string]fragment.Fragment, len(frags))
		for _, f := range frags {
			byID[f.ID] = f
		}
		// Preserve the index's membership order.
		for _, id := range ids {
			f, ok := byID[id]
			if !ok {
				continue
			}
			results = append(results, Result{
				FragmentID: f.ID,
				Source:     SourceConceptual,
				Relevance:  f.Confidence,
			})
		}
	}
	return results, nil
}

// episodicResults returns one result per chain intersecting the window;
// relevance is the chain's significance score.
func (o *Orchestrator) episodicResults(ctx context.Context, start, end time.Time) ([]Result, error) {
	chains, err := o.episodes.RetrieveSequence(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("episodic recall: %w", err)
	}
	results := make([]Result, 0, len(chains))
	for _, c := range chains {
		results = append(results, Result{
			ChainID:   c.ID,
			Source:    SourceEpisodic,
			Relevance: c.Significance,
		})
	}
	return results, nil
}
