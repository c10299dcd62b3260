package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// ErrQueueFull is returned when the job queue has no free slot. Callers
// on the request path surface it as backpressure rather than waiting.
var ErrQueueFull = errors.New("ingestion queue is full")

// settleDelay is the cooperative pause between jobs so memory from the
// previous document settles before the next one is streamed.
const settleDelay = 500 * time.Millisecond

// maxErrorMessageLen bounds the failure reason recorded on a document.
const maxErrorMessageLen = 500

// Job is an in-memory queue entry. Jobs are never persisted; on restart
// they are rebuilt from documents still in pending/processing.
type Job struct {
	DocumentID string
	Open       core.PageSourceOpener
	Numbered   bool // page numbers are meaningful (PDF) vs unknown (flat text)
}

// QueueStatus is a snapshot of the processing queue.
type QueueStatus struct {
	QueueLength       int    `json:"queue_length"`
	IsProcessing      bool   `json:"is_processing"`
	CurrentDocumentID string `json:"current_document_id,omitempty"`
}

// Start runs the single worker goroutine. One document is streamed,
// chunked and embedded at a time, so at most one document's page and
// chunk data is live in the process regardless of queue depth. The loop
// survives any job failure, including panics.
func (i *DocumentIngestor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-i.jobs:
				i.setCurrent(job.DocumentID)
				i.runJob(ctx, job)
				i.clearCurrent()
				time.Sleep(settleDelay)
			}
		}
	}()
}

// Enqueue schedules a job without blocking. Returns ErrQueueFull when
// every slot is taken; the document stays in its current status and can
// be retried or picked up by a recovery sweep.
func (i *DocumentIngestor) Enqueue(job Job) error {
	select {
	case i.jobs <- job:
		log.Printf("document %s added to queue (length %d)", job.DocumentID, len(i.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueStatus reports queue length and the active document, if any.
func (i *DocumentIngestor) QueueStatus() QueueStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return QueueStatus{
		QueueLength:       len(i.jobs),
		IsProcessing:      i.current != "",
		CurrentDocumentID: i.current,
	}
}

func (i *DocumentIngestor) setCurrent(id string) {
	i.mu.Lock()
	i.current = id
	i.mu.Unlock()
}

func (i *DocumentIngestor) clearCurrent() {
	i.mu.Lock()
	i.current = ""
	i.mu.Unlock()
}

// runJob executes one job to completion or failure. Failures are recorded
// on the document and must never terminate the worker loop.
func (i *DocumentIngestor) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic processing document %s: %v", job.DocumentID, r)
			_ = i.db.MarkDocumentFailed(ctx, job.DocumentID, truncateError(fmt.Sprintf("panic: %v", r)))
		}
	}()

	log.Printf("starting processing for document %s", job.DocumentID)
	if err := i.ProcessOne(ctx, job); err != nil {
		log.Printf("document %s failed: %v", job.DocumentID, err)
		return
	}
	log.Printf("document %s processing completed", job.DocumentID)
}

// RecoverPending re-enqueues documents left in pending or processing by a
// previous process. Queue entries do not survive restarts, so this sweep
// runs once at startup before the worker accepts new uploads.
func (i *DocumentIngestor) RecoverPending(ctx context.Context) error {
	ids, err := i.db.ListDocumentIDsByStatus(ctx, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list unfinished documents: %w", err)
	}
	for _, id := range ids {
		doc, err := i.db.GetDocumentByID(ctx, id)
		if err != nil || doc == nil {
			continue
		}
		if err := i.db.ResetDocumentToPending(ctx, id); err != nil {
			log.Printf("reset document %s to pending: %v", id, err)
			continue
		}
		if err := i.Enqueue(i.jobForDocument(doc)); err != nil {
			// Left in pending; the next recovery pass will pick it up.
			log.Printf("requeue document %s at startup: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("requeued %d unfinished documents at startup", len(ids))
	}
	return nil
}

// StartStuckSweeper periodically requeues documents stuck in processing
// longer than age. There is no mid-job cancellation; this sweep is the
// only way a wedged job gets a fresh attempt.
func (i *DocumentIngestor) StartStuckSweeper(ctx context.Context, age, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.sweepStuck(ctx, age)
			}
		}
	}()
}

func (i *DocumentIngestor) sweepStuck(ctx context.Context, age time.Duration) {
	ids, err := i.db.ListStuckProcessing(ctx, age)
	if err != nil {
		log.Printf("stuck-job sweep: %v", err)
		return
	}
	active := i.QueueStatus().CurrentDocumentID
	for _, id := range ids {
		if id == active {
			continue
		}
		doc, err := i.db.GetDocumentByID(ctx, id)
		if err != nil || doc == nil {
			continue
		}
		_ = i.db.MarkDocumentFailed(ctx, id, "processing timed out; requeued")
		if err := i.db.ResetDocumentToPending(ctx, id); err != nil {
			log.Printf("requeue stuck document %s: %v", id, err)
			continue
		}
		if err := i.Enqueue(i.jobForDocument(doc)); err != nil {
			log.Printf("requeue stuck document %s: %v", id, err)
			continue
		}
		log.Printf("document %s stuck in processing for over %s, requeued", id, age)
	}
}

func truncateError(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}
