package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound is returned by query-time lookups for an unknown document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrNoChunksAvailable means a document exists but carries no embedded chunks,
	// e.g. it has not finished processing. A valid not-found condition, never retried.
	ErrNoChunksAvailable = errors.New("no embedded chunks available for document")

	// ErrEmptyGeneration means the generation capability returned no content.
	// Treated as transient and retried like any transient generation failure.
	ErrEmptyGeneration = errors.New("generation returned empty output")
)

// DocumentTooLargeError is raised before any page is streamed when a
// document's page count exceeds the configured ceiling.
type DocumentTooLargeError struct {
	Pages    int
	MaxPages int
}

func (e *DocumentTooLargeError) Error() string {
	return fmt.Sprintf("document has %d pages, exceeding limit of %d", e.Pages, e.MaxPages)
}

// EmbeddingBatchError wraps a failed embedding batch. The failure is fatal
// for the ingestion job; batches persisted before it keep their chunk rows.
type EmbeddingBatchError struct {
	Batch int
	Err   error
}

func (e *EmbeddingBatchError) Error() string {
	return fmt.Sprintf("embedding batch %d failed: %v", e.Batch, e.Err)
}

func (e *EmbeddingBatchError) Unwrap() error { return e.Err }

// GenerationError distinguishes transient generation failures (retryable
// with backoff) from fatal ones (surfaced to the caller).
type GenerationError struct {
	Transient bool
	Err       error
}

func (e *GenerationError) Error() string {
	if e.Transient {
		return fmt.Sprintf("generation failed (transient): %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsTransientGeneration reports whether err should be retried with backoff.
func IsTransientGeneration(err error) bool {
	if errors.Is(err, ErrEmptyGeneration) {
		return true
	}
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Transient
}
