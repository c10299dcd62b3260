package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// embedAndPersist consumes chunk drafts, groups them into consecutive
// batches of cfg.BatchSize (the last batch may be smaller) and embeds up
// to cfg.Concurrency batches at a time. Each successful batch is written
// to the database immediately, so partial progress survives a later
// batch failure; any batch failure fails the whole job.
func (i *DocumentIngestor) embedAndPersist(
	ctx context.Context,
	docID string,
	in <-chan chunkDraft,
) error {
	concurrency := i.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	batchSize := i.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	submit := func(items []chunkDraft, batchNo int) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := i.embedBatch(gctx, docID, items); err != nil {
				return &core.EmbeddingBatchError{Batch: batchNo, Err: err}
			}
			return nil
		})
	}

	batchNo := 0
	batch := make([]chunkDraft, 0, batchSize)
	for d := range in {
		batch = append(batch, d)
		if len(batch) == batchSize {
			submit(batch, batchNo)
			batchNo++
			batch = make([]chunkDraft, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		submit(batch, batchNo)
	}

	return g.Wait()
}

// embedBatch embeds one batch and writes its chunk rows in storage order.
func (i *DocumentIngestor) embedBatch(ctx context.Context, docID string, items []chunkDraft) error {
	texts := make([]string, len(items))
	for k := range items {
		texts[k] = items[k].Content
	}

	vecs, err := i.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(items) {
		return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(items))
	}
	if want := i.cfg.EmbedDim; want > 0 {
		for k := range vecs {
			if len(vecs[k]) != want {
				return fmt.Errorf("embedding dimension mismatch: got %d want %d", len(vecs[k]), want)
			}
		}
	}

	rows := make([]models.DocumentChunk, len(items))
	now := time.Now()
	for k := range items {
		rows[k] = models.DocumentChunk{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Content:    items[k].Content,
			PageNumber: items[k].Page,
			ChunkIndex: items[k].Index,
			Embedding:  vecs[k],
			Metadata:   items[k].Meta,
			CreatedAt:  now,
		}
	}
	if err := i.db.InsertDocumentChunks(ctx, rows); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}
