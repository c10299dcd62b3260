package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitylens/equitylens/internal/core"
)

func feedDrafts(drafts []chunkDraft) <-chan chunkDraft {
	in := make(chan chunkDraft, len(drafts))
	for _, d := range drafts {
		in <- d
	}
	close(in)
	return in
}

func TestEmbedAndPersistBatchesConsecutively(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	emb := &keywordEmbedder{keywords: []string{"alpha"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, &IngestConfig{BatchSize: 3, Concurrency: 1})

	var drafts []chunkDraft
	for k := 0; k < 7; k++ {
		drafts = append(drafts, chunkDraft{Index: k, Page: k + 1, Content: fmt.Sprintf("chunk %d alpha", k)})
	}

	err := ing.embedAndPersist(context.Background(), "doc-1", feedDrafts(drafts))
	require.NoError(t, err)

	// Consecutive batches of 3, last one short.
	require.Len(t, emb.batches, 3)
	assert.Len(t, emb.batches[0], 3)
	assert.Len(t, emb.batches[1], 3)
	assert.Len(t, emb.batches[2], 1)

	rows := db.documentChunks("doc-1")
	require.Len(t, rows, 7)
	for k, row := range rows {
		assert.Equal(t, k, row.ChunkIndex)
		assert.Equal(t, k+1, row.PageNumber)
		assert.Equal(t, drafts[k].Content, row.Content)
		assert.NotEmpty(t, row.ID)
		require.NotNil(t, row.Embedding)
	}
}

func TestEmbedAndPersistKeepsEarlierBatchesOnFailure(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	emb := &keywordEmbedder{keywords: []string{"alpha"}, failOn: "poison"}
	ing := NewDocumentIngestor(db, nil, emb, nil, &IngestConfig{BatchSize: 2, Concurrency: 1})

	drafts := []chunkDraft{
		{Index: 0, Content: "first"},
		{Index: 1, Content: "second"},
		{Index: 2, Content: "poison pill"},
		{Index: 3, Content: "fourth"},
	}

	err := ing.embedAndPersist(context.Background(), "doc-1", feedDrafts(drafts))
	require.Error(t, err)

	var batchErr *core.EmbeddingBatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Batch)

	// The batch before the failure was persisted; the failing one was not.
	rows := db.documentChunks("doc-1")
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Content)
	assert.Equal(t, "second", rows[1].Content)
}

func TestEmbedBatchSizeMismatch(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	ing := NewDocumentIngestor(db, nil, &truncatingEmbedder{}, nil, &IngestConfig{BatchSize: 4, Concurrency: 1})

	err := ing.embedBatch(context.Background(), "doc-1", []chunkDraft{{Content: "a"}, {Content: "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
	assert.Empty(t, db.documentChunks("doc-1"))
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	// keywordEmbedder produces vectors as wide as its keyword list (2),
	// which disagrees with the configured width.
	emb := &keywordEmbedder{keywords: []string{"alpha", "beta"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, &IngestConfig{BatchSize: 4, Concurrency: 1, EmbedDim: 768})

	err := ing.embedBatch(context.Background(), "doc-1", []chunkDraft{{Content: "alpha beta"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
	assert.Contains(t, err.Error(), "want 768")
	assert.Empty(t, db.documentChunks("doc-1"), "no chunk row may be written with a mis-sized vector")
}

func TestEmbedBatchAcceptsMatchingDimension(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	emb := &keywordEmbedder{keywords: []string{"alpha", "beta"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, &IngestConfig{BatchSize: 4, Concurrency: 1, EmbedDim: 2})

	require.NoError(t, ing.embedBatch(context.Background(), "doc-1", []chunkDraft{{Content: "alpha beta"}}))
	require.Len(t, db.documentChunks("doc-1"), 1)
}

// truncatingEmbedder violates the one-vector-per-text contract.
type truncatingEmbedder struct{}

func (truncatingEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for range texts[:len(texts)-1] {
		out = append(out, []float32{1})
	}
	return out, nil
}
