package ingestion_engine

// IngestConfig tunes the streaming ingestion pipeline.
//
// ChunkSize:    character budget per chunk (e.g., 1000).
// ChunkOverlap: trailing characters carried from one chunk into the next (e.g., 200).
// MaxPages:     page-count ceiling enforced before any page is streamed.
// BatchSize:    chunks embedded/persisted per batch.
// Concurrency:  maximum embedding batches in flight at once.
// EmbedDim:     expected embedding width; other widths are rejected before storage (0 disables the check).
type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MaxPages     int
	BatchSize    int
	Concurrency  int
	EmbedDim     int
}

// page is one extracted page flowing through the pipeline.
type page struct {
	Number int // 1-based; 0 when the source has no page structure
	Text   string
}

// chunkDraft is a chunk before it has an ID or embedding.
//
// Index is the stable, zero-based position of the chunk inside the
// document. Page is the page on which the chunk's buffer closed.
type chunkDraft struct {
	Index   int
	Page    int
	Content string
	Meta    map[string]any
}
