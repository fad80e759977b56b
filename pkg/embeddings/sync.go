package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// SyncWorker keeps pgvector embeddings in sync with the SQLite fragment
// store. It polls for un-embedded or stale fragments and embeds them in
// batches; embeddings of deleted fragments are pruned.
type SyncWorker struct {
	frags     *fragment.Store
	store     *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a background sync worker.
func NewSyncWorker(frags *fragment.Store, store *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		frags:     frags,
		store:     store,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Backfill on startup.
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single cycle: diff the fragment store against the vector
// table by content hash, embed what is new or stale, and prune embeddings
// whose fragments are gone.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.frags.Refs(ctx)
	if err != nil {
		return 0, fmt.Errorf("fragment refs: %w", err)
	}

	embedded, err := w.store.Embedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[string]struct{}, len(refs))
	var toEmbed []fragment.Ref
	for _, ref := range refs {
		live[ref.ID] = struct{}{}
		if hash, ok := embedded[ref.ID]; !ok || hash != ref.ContentHash {
			toEmbed = append(toEmbed, ref)
		}
	}

	var stale []string
	for id := range embedded {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := w.store.DeleteMany(ctx, stale); err != nil {
			slog.Warn("prune stale embeddings failed", "error", err, "count", len(stale))
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("fragments need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	total := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		ids := make([]string, len(batch))
		for j, ref := range batch {
			ids[j] = ref.ID
		}
		frags, err := w.frags.GetMany(ctx, ids)
		if err != nil {
			slog.Warn("fetch batch fragments failed", "error", err, "batch_start", i)
			continue
		}

		texts := make([]string, len(frags))
		fragIDs := make([]string, len(frags))
		hashes := make([]string, len(frags))
		for j, f := range frags {
			texts[j] = f.Content
			fragIDs[j] = f.ID
			hashes[j] = fragment.ContentHash(f.Content)
		}

		vectors, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.store.InsertBatch(ctx, fragIDs, vectors, hashes); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}
		total += len(vectors)
	}
	return total, nil
}
