package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion
	// (Cormack et al. 2009).
	rrfK = 60
	// overFetchMultiplier widens the per-source fetch so fusion has more
	// overlap to work with.
	overFetchMultiplier = 3
)

// Searcher is the vector collaborator handed to the recall orchestrator.
// A query is embedded, searched in pgvector and in the fragment FTS index
// in parallel, and the two rankings are fused with RRF. If embedding
// fails the keyword ranking is returned alone.
type Searcher struct {
	frags *fragment.Store
	store *Store
	tei   *TEIClient
}

// NewSearcher creates a hybrid searcher over the given stores.
func NewSearcher(frags *fragment.Store, store *Store, tei *TEIClient) *Searcher {
	return &Searcher{frags: frags, store: store, tei: tei}
}

// Search returns fragment ids ordered by fused relevance, best first.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := s.tei.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("query embed failed, keyword ranking only", "error", err)
		return s.keywordIDs(ctx, query, limit)
	}

	fetchLimit := limit * overFetchMultiplier

	var (
		vectorHits []SearchHit
		keywordIDs []string
		vectorErr  error
		keywordErr error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = s.store.Search(ctx, queryVec, fetchLimit)
	}()
	go func() {
		defer wg.Done()
		keywordIDs, keywordErr = s.keywordIDs(ctx, query, fetchLimit)
	}()
	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("both search paths failed: vector: %v; keyword: %w", vectorErr, keywordErr)
	}
	if vectorErr != nil {
		slog.Warn("vector search failed, keyword ranking only", "error", vectorErr)
	}
	if keywordErr != nil {
		slog.Warn("keyword search failed, vector ranking only", "error", keywordErr)
	}

	scores := make(map[string]float64)
	order := make([]string, 0, len(vectorHits)+len(keywordIDs))
	bump := func(id string, rank int) {
		if _, seen := scores[id]; !seen {
			order = append(order, id)
		}
		scores[id] += 1.0 / float64(rrfK+rank+1)
	}
	for rank, h := range vectorHits {
		bump(h.FragmentID, rank)
	}
	for rank, id := range keywordIDs {
		bump(id, rank)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order, nil
}

func (s *Searcher) keywordIDs(ctx context.Context, query string, limit int) ([]string, error) {
	frags, err := s.frags.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(frags))
	for i, f := range frags {
		ids[i] = f.ID
	}
	return ids, nil
}
