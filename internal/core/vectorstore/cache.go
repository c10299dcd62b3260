package vectorstore

import (
	"context"
	"log"
	"sync"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// Entry is one document's cached retrieval state: its embedded chunks in
// storage order plus their vectors stacked row-wise.
type Entry struct {
	DocumentID string
	Chunks     []models.DocumentChunk
	Matrix     [][]float32 // Matrix[k] == Chunks[k].Embedding
}

// Store is the in-memory vector index, keyed by document ID. Entries are
// built lazily on first query (or eagerly via Preload) from persisted
// chunks and live for the process lifetime; the only eviction is the
// explicit one performed on reprocess.
//
// Concurrent builds of the same uncached document are tolerated as
// duplicated work: both goroutines load the same rows and the second
// store wins, which is idempotent.
type Store struct {
	db       core.DbClient
	embedder core.EmbeddingProvider

	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewStore(db core.DbClient, embedder core.EmbeddingProvider) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		entries:  make(map[string]*Entry),
	}
}

// GetOrBuild returns the cached entry for a document, loading it from
// persisted chunks on a miss.
func (s *Store) GetOrBuild(ctx context.Context, documentID string) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[documentID]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}
	return s.build(ctx, documentID)
}

// Preload builds a document's entry eagerly so a later query pays no
// build latency. Reports false when the entry was already cached.
func (s *Store) Preload(ctx context.Context, documentID string) (bool, error) {
	if s.IsCached(documentID) {
		return false, nil
	}
	if _, err := s.build(ctx, documentID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) IsCached(documentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[documentID]
	return ok
}

// Evict drops a document's entry, reporting whether one existed.
func (s *Store) Evict(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[documentID]
	delete(s.entries, documentID)
	return ok
}

func (s *Store) build(ctx context.Context, documentID string) (*Entry, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, core.ErrDocumentNotFound
	}

	chunks, err := s.db.GetEmbeddedChunksByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, core.ErrNoChunksAvailable
	}

	matrix := make([][]float32, len(chunks))
	for k := range chunks {
		matrix[k] = chunks[k].Embedding
	}
	entry := &Entry{DocumentID: documentID, Chunks: chunks, Matrix: matrix}

	s.mu.Lock()
	s.entries[documentID] = entry
	s.mu.Unlock()

	log.Printf("vector index built for document %s (%d chunks)", documentID, len(chunks))
	return entry, nil
}
