// Package chromem is the embedded alternative to the pgvector + TEI
// stack: fragments are indexed in an in-process chromem-go collection, so
// a single-binary deployment gets vector recall without Postgres or an
// embeddings endpoint.
package chromem

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

const collectionName = "fragments"

// Index is an embedded vector index over fragment content. It satisfies
// the recall orchestrator's text-index contract.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection

	mu      sync.RWMutex
	indexed map[string]struct{}
}

// New creates an in-memory chromem index. A nil embed func selects
// chromem's default embedding backend.
func New(embed chromem.EmbeddingFunc) (*Index, error) {
	if embed == nil {
		embed = chromem.NewEmbeddingFuncDefault()
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		db:      db,
		col:     col,
		indexed: make(map[string]struct{}),
	}, nil
}

// Add indexes one fragment's content.
func (idx *Index) Add(ctx context.Context, f *fragment.Fragment) error {
	doc := chromem.Document{
		ID:      f.ID,
		Content: f.Content,
		Metadata: map[string]string{
			"category": f.Category,
			"type":     string(f.Type),
		},
	}
	if err := idx.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w", f.ID, err)
	}
	idx.mu.Lock()
	idx.indexed[f.ID] = struct{}{}
	idx.mu.Unlock()
	return nil
}

// Remove drops fragments from the index.
func (idx *Index) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := idx.col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
		idx.mu.Lock()
		delete(idx.indexed, id)
		idx.mu.Unlock()
	}
	return nil
}

// Search returns fragment ids ordered by similarity, best first.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]string, error) {
	// chromem rejects nResults larger than the collection.
	n := idx.col.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}
	results, err := idx.col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// SyncFromStore backfills fragments not yet indexed and prunes documents
// whose fragments are gone. Intended to run on the daemon's sync ticker.
func (idx *Index) SyncFromStore(ctx context.Context, store *fragment.Store) (int, error) {
	refs, err := store.Refs(ctx)
	if err != nil {
		return 0, fmt.Errorf("fragment refs: %w", err)
	}

	live := make(map[string]struct{}, len(refs))
	var missing []string
	idx.mu.RLock()
	for _, ref := range refs {
		live[ref.ID] = struct{}{}
		if _, ok := idx.indexed[ref.ID]; !ok {
			missing = append(missing, ref.ID)
		}
	}
	var gone []string
	for id := range idx.indexed {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
		}
	}
	idx.mu.RUnlock()

	if len(gone) > 0 {
		if err := idx.Remove(ctx, gone); err != nil {
			return 0, err
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	frags, err := store.GetMany(ctx, missing)
	if err != nil {
		return 0, fmt.Errorf("fetch fragments: %w", err)
	}
	added := 0
	for i := range frags {
		if err := idx.Add(ctx, &frags[i]); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Count reports how many fragments are indexed.
func (idx *Index) Count() int {
	return idx.col.Count()
}
