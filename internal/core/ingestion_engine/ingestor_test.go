package ingestion_engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/models"
)

func testConfig() *IngestConfig {
	return &IngestConfig{
		ChunkSize:    120,
		ChunkOverlap: 30,
		MaxPages:     300,
		BatchSize:    4,
		Concurrency:  2,
	}
}

func TestProcessOneCompletesDocument(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	emb := &keywordEmbedder{keywords: []string{"revenue", "expenses", "outlook"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, testConfig())

	src := &stubSource{pages: []string{
		"Revenue grew 14% year on year across all operating segments.",
		"Operating expenses were held flat despite wage inflation.",
		"The outlook for the second half remains cautiously optimistic.",
	}}

	err := ing.ProcessOne(context.Background(), jobFor("doc-1", src))
	require.NoError(t, err)

	doc, _ := db.GetDocumentByID(context.Background(), "doc-1")
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 3, doc.PageCount)
	assert.True(t, src.closed)

	rows := db.documentChunks("doc-1")
	require.NotEmpty(t, rows)
	for k, row := range rows {
		assert.Equal(t, k, row.ChunkIndex)
		assert.Positive(t, row.PageNumber)
	}
}

func TestProcessOneRejectsTooManyPages(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	cfg := testConfig()
	cfg.MaxPages = 2
	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{keywords: []string{"a"}}, nil, cfg)

	src := &stubSource{pages: []string{"one", "two", "three"}}
	err := ing.ProcessOne(context.Background(), jobFor("doc-1", src))
	require.Error(t, err)

	var tooLarge *core.DocumentTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 3, tooLarge.Pages)

	doc, _ := db.GetDocumentByID(context.Background(), "doc-1")
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.ErrorMessage, "exceeding limit")
	assert.Empty(t, db.documentChunks("doc-1"))
}

func TestProcessOneSkipsFinishedDocuments(t *testing.T) {
	done := pendingDoc("doc-1")
	done.Status = models.StatusCompleted
	db := newFakeDB(done)
	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{}, nil, testConfig())

	src := &stubSource{pages: []string{"ignored"}}
	require.NoError(t, ing.ProcessOne(context.Background(), jobFor("doc-1", src)))

	assert.Equal(t, models.StatusCompleted, db.status("doc-1"))
	assert.False(t, src.closed, "source must not be opened for a finished document")
}

func TestWorkerProcessesFIFOAndSurvivesPanic(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-bad"), pendingDoc("doc-good"))
	emb := &keywordEmbedder{keywords: []string{"fine"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	panicJob := Job{
		DocumentID: "doc-bad",
		Numbered:   true,
		Open: func(context.Context) (core.PageSource, error) {
			panic("corrupt source")
		},
	}
	require.NoError(t, ing.Enqueue(panicJob))
	require.NoError(t, ing.Enqueue(jobFor("doc-good", &stubSource{pages: []string{"everything is fine here"}})))

	require.Eventually(t, func() bool {
		return db.status("doc-good") == models.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, models.StatusFailed, db.status("doc-bad"))
	doc, _ := db.GetDocumentByID(context.Background(), "doc-bad")
	assert.Contains(t, doc.ErrorMessage, "panic")
}

func TestWorkerRunsOneDocumentAtATime(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"), pendingDoc("doc-2"), pendingDoc("doc-3"))
	emb := &keywordEmbedder{keywords: []string{"text"}}
	ing := NewDocumentIngestor(db, nil, emb, nil, testConfig())

	var mu sync.Mutex
	var predecessorStatus []string

	// Each job records, at the moment it starts, the status of the
	// document enqueued before it.
	openFor := func(docID, predecessor string) core.PageSourceOpener {
		return func(context.Context) (core.PageSource, error) {
			if predecessor != "" {
				mu.Lock()
				predecessorStatus = append(predecessorStatus, db.status(predecessor))
				mu.Unlock()
			}
			return &stubSource{pages: []string{"some text for " + docID}}, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	require.NoError(t, ing.Enqueue(Job{DocumentID: "doc-1", Numbered: true, Open: openFor("doc-1", "")}))
	require.NoError(t, ing.Enqueue(Job{DocumentID: "doc-2", Numbered: true, Open: openFor("doc-2", "doc-1")}))
	require.NoError(t, ing.Enqueue(Job{DocumentID: "doc-3", Numbered: true, Open: openFor("doc-3", "doc-2")}))

	require.Eventually(t, func() bool {
		return db.status("doc-3") == models.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{models.StatusCompleted, models.StatusCompleted}, predecessorStatus,
		"a document must not start before its predecessor finishes")
}

func TestQueueStatusSnapshot(t *testing.T) {
	ing := NewDocumentIngestor(newFakeDB(), nil, &keywordEmbedder{}, nil, testConfig())

	status := ing.QueueStatus()
	assert.Zero(t, status.QueueLength)
	assert.False(t, status.IsProcessing)
	assert.Empty(t, status.CurrentDocumentID)

	require.NoError(t, ing.Enqueue(Job{DocumentID: "queued"}))
	assert.Equal(t, 1, ing.QueueStatus().QueueLength)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	// No worker is started, so nothing drains the queue.
	ing := NewDocumentIngestor(newFakeDB(), nil, &keywordEmbedder{}, nil, testConfig())

	for k := 0; k < jobQueueCapacity; k++ {
		require.NoError(t, ing.Enqueue(Job{DocumentID: "doc"}))
	}

	err := ing.Enqueue(Job{DocumentID: "doc-overflow"})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, jobQueueCapacity, ing.QueueStatus().QueueLength)
}

func TestReprocessRejectsCompletedDocument(t *testing.T) {
	done := pendingDoc("doc-1")
	done.Status = models.StatusCompleted
	db := newFakeDB(done)
	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{}, nil, testConfig())

	err := ing.Reprocess(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already processed")
}

func TestReprocessClearsStateAndRequeues(t *testing.T) {
	failed := pendingDoc("doc-1")
	failed.Status = models.StatusFailed
	failed.ErrorMessage = "embedding batch 2 failed"
	db := newFakeDB(failed)
	db.chunks = []models.DocumentChunk{
		{ID: "c1", DocumentID: "doc-1", ChunkIndex: 0, Embedding: []float32{1}},
	}

	store := vectorstore.NewStore(db, &keywordEmbedder{keywords: []string{"x"}})
	_, err := store.Preload(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, store.IsCached("doc-1"))

	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{}, store, testConfig())
	require.NoError(t, ing.Reprocess(context.Background(), "doc-1"))

	assert.Equal(t, models.StatusPending, db.status("doc-1"))
	assert.Empty(t, db.documentChunks("doc-1"))
	assert.False(t, store.IsCached("doc-1"), "stale vector index must be evicted")
	assert.Equal(t, 1, ing.QueueStatus().QueueLength)
}

func TestStuckSweepRequeuesStaleButSparesActive(t *testing.T) {
	stale := pendingDoc("doc-stale")
	stale.Status = models.StatusProcessing
	active := pendingDoc("doc-active")
	active.Status = models.StatusProcessing
	db := newFakeDB(stale, active)
	db.stuck = []string{"doc-stale", "doc-active"}

	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{}, nil, testConfig())
	ing.setCurrent("doc-active")

	ing.sweepStuck(context.Background(), 30*time.Minute)

	// The stale document was reset and queued for a fresh attempt.
	assert.Equal(t, models.StatusPending, db.status("doc-stale"))
	assert.Equal(t, 1, ing.QueueStatus().QueueLength)

	// The document the worker is running right now is left alone.
	assert.Equal(t, models.StatusProcessing, db.status("doc-active"))
}

func TestRecoverPendingRequeuesUnfinished(t *testing.T) {
	stuck := pendingDoc("doc-stuck")
	stuck.Status = models.StatusProcessing
	db := newFakeDB(pendingDoc("doc-waiting"), stuck)
	ing := NewDocumentIngestor(db, nil, &keywordEmbedder{}, nil, testConfig())

	require.NoError(t, ing.RecoverPending(context.Background()))

	assert.Equal(t, 2, ing.QueueStatus().QueueLength)
	assert.Equal(t, models.StatusPending, db.status("doc-stuck"))
}

func TestIngestThenSearchRanksRelevantChunkFirst(t *testing.T) {
	db := newFakeDB(pendingDoc("doc-1"))
	emb := &keywordEmbedder{keywords: []string{"revenue", "expenses", "outlook"}}
	cfg := testConfig()
	cfg.ChunkSize = 40
	cfg.ChunkOverlap = 10
	ing := NewDocumentIngestor(db, nil, emb, nil, cfg)

	src := &stubSource{pages: []string{
		"Revenue climbed sharply this quarter.",
		"Expenses stayed well controlled here.",
		"Outlook statements remain unchanged.",
	}}
	require.NoError(t, ing.ProcessOne(context.Background(), jobFor("doc-1", src)))

	store := vectorstore.NewStore(db, emb)
	results, err := store.Search(context.Background(), "how did revenue develop", "doc-1", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Contains(t, strings.ToLower(results[0].Chunk.Content), "revenue")
	for k := 1; k < len(results); k++ {
		assert.LessOrEqual(t, results[k].Score, results[0].Score)
	}
}
