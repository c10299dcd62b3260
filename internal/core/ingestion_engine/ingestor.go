package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// CacheEvicter drops a document's vector-index entry. Reprocessing must
// evict so a rebuilt document cannot be served from stale embeddings.
type CacheEvicter interface {
	Evict(documentID string) bool
}

// DocumentIngestor orchestrates the ingestion pipeline:
//
//	queue -> page stream -> chunker -> embedding batches -> chunk rows
//
// db:       persistence for documents and chunks.
// obj:      object storage holding the raw uploads.
// embedder: embedding capability.
// cache:    vector-index cache, evicted on reprocess.
// jobs:     in-memory FIFO consumed by a single worker.
type DocumentIngestor struct {
	db       core.DbClient
	obj      core.ObjectClient
	embedder core.EmbeddingProvider
	cache    CacheEvicter
	cfg      *IngestConfig

	jobs    chan Job
	mu      sync.Mutex
	current string
}

// jobQueueCapacity bounds the in-memory job queue. A full queue rejects
// new work instead of blocking the caller.
const jobQueueCapacity = 64

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
func NewDocumentIngestor(db core.DbClient, obj core.ObjectClient, emb core.EmbeddingProvider, cache CacheEvicter, cfg *IngestConfig) *DocumentIngestor {
	return &DocumentIngestor{
		db: db, obj: obj, embedder: emb, cache: cache, cfg: cfg,
		jobs: make(chan Job, jobQueueCapacity),
	}
}

// EnqueueDocument schedules a stored document for ingestion. Returns
// ErrQueueFull when the queue has no room.
func (i *DocumentIngestor) EnqueueDocument(doc *models.Document) error {
	return i.Enqueue(i.jobForDocument(doc))
}

// ProcessOne streams, chunks, embeds and persists a single document.
// Called only from the worker loop (and tests); not safe to run for two
// documents concurrently by design.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, job Job) error {
	doc, err := i.db.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	if doc == nil {
		log.Printf("document %s not found, dropping job", job.DocumentID)
		return nil
	}
	if doc.Status == models.StatusCompleted || doc.Status == models.StatusFailed {
		log.Printf("document %s already processed (status %s)", doc.ID, doc.Status)
		return nil
	}

	if err := i.db.UpdateDocumentStatus(ctx, doc.ID, models.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	src, err := job.Open(ctx)
	if err != nil {
		return i.fail(ctx, doc.ID, fmt.Errorf("open source: %w", err))
	}
	defer src.Close()

	if err := i.db.SetDocumentPageCount(ctx, doc.ID, src.PageCount()); err != nil {
		return i.fail(ctx, doc.ID, fmt.Errorf("set page count: %w", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	pages := streamPages(gctx, g, src, i.cfg.MaxPages, job.Numbered)
	chunks := streamChunks(gctx, g, pages, i.cfg.ChunkSize, i.cfg.ChunkOverlap)
	g.Go(func() error {
		return i.embedAndPersist(gctx, doc.ID, chunks)
	})

	if err := g.Wait(); err != nil {
		return i.fail(ctx, doc.ID, err)
	}
	return i.db.MarkDocumentCompleted(ctx, doc.ID)
}

// Reprocess resets a failed or stuck document and queues a fresh attempt.
// Existing chunk rows are dropped and the cache entry evicted, so the
// rebuild starts from scratch rather than resuming mid-way.
func (i *DocumentIngestor) Reprocess(ctx context.Context, documentID string) error {
	doc, err := i.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return core.ErrDocumentNotFound
	}
	if doc.Status == models.StatusCompleted {
		return fmt.Errorf("document %s is already processed successfully", documentID)
	}

	if err := i.db.DeleteDocumentChunks(ctx, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if i.cache != nil {
		i.cache.Evict(documentID)
	}
	if err := i.db.ResetDocumentToPending(ctx, documentID); err != nil {
		return err
	}
	return i.Enqueue(i.jobForDocument(doc))
}

func (i *DocumentIngestor) fail(ctx context.Context, documentID string, err error) error {
	_ = i.db.MarkDocumentFailed(ctx, documentID, truncateError(err.Error()))
	return err
}

// jobForDocument builds the deferred source opener for a stored document.
// The object is spooled to a temp file because page extraction needs
// random access; the file is removed when the source closes.
func (i *DocumentIngestor) jobForDocument(doc *models.Document) Job {
	docID := doc.ID
	storageURL := doc.StorageURL
	isPDF := strings.EqualFold(doc.ContentType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(doc.FileName), ".pdf")

	open := func(ctx context.Context) (core.PageSource, error) {
		bucket, key := parseS3URL(storageURL)
		tmp, err := os.CreateTemp("", "equitylens-*.bin")
		if err != nil {
			return nil, fmt.Errorf("temp file: %w", err)
		}
		path := tmp.Name()
		tmp.Close()

		if err := i.obj.DownloadToFile(ctx, bucket, key, path); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("download %s: %w", docID, err)
		}

		var src core.PageSource
		if isPDF {
			src, err = OpenPDF(path)
		} else {
			src, err = OpenDocconv(path, doc.ContentType)
		}
		if err != nil {
			os.Remove(path)
			return nil, err
		}
		return &tempFileSource{PageSource: src, path: path}, nil
	}

	return Job{DocumentID: docID, Open: open, Numbered: isPDF}
}

// tempFileSource removes its backing temp file on close.
type tempFileSource struct {
	core.PageSource
	path string
}

func (s *tempFileSource) Close() error {
	err := s.PageSource.Close()
	os.Remove(s.path)
	return err
}

// parseS3URL extracts the bucket and key from a virtual-hosted-style S3 URL,
// e.g. https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf.
func parseS3URL(u string) (bucket, key string) {
	hostPath := strings.SplitN(strings.TrimPrefix(u, "https://"), "/", 2)
	host := hostPath[0]
	if len(hostPath) == 2 {
		key = hostPath[1]
	}
	if idx := strings.Index(host, "."); idx > 0 {
		bucket = host[:idx]
	}
	return bucket, key
}
