package ingestion_engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// fakeDB implements the subset of core.DbClient the ingestion pipeline
// touches. Unimplemented methods panic via the embedded nil interface.
type fakeDB struct {
	core.DbClient

	mu     sync.Mutex
	docs   map[string]*models.Document
	chunks []models.DocumentChunk
	stuck  []string // returned by ListStuckProcessing regardless of age
}

func newFakeDB(docs ...*models.Document) *fakeDB {
	db := &fakeDB{docs: make(map[string]*models.Document)}
	for _, d := range docs {
		db.docs[d.ID] = d
	}
	return db
}

func (f *fakeDB) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDB) UpdateDocumentStatus(_ context.Context, id string, status string) error {
	return f.mutate(id, func(d *models.Document) { d.Status = status })
}

func (f *fakeDB) SetDocumentPageCount(_ context.Context, id string, pages int) error {
	return f.mutate(id, func(d *models.Document) { d.PageCount = pages })
}

func (f *fakeDB) MarkDocumentCompleted(_ context.Context, id string) error {
	return f.mutate(id, func(d *models.Document) {
		d.Status = models.StatusCompleted
		d.ErrorMessage = ""
	})
}

func (f *fakeDB) MarkDocumentFailed(_ context.Context, id string, errMsg string) error {
	return f.mutate(id, func(d *models.Document) {
		d.Status = models.StatusFailed
		d.ErrorMessage = errMsg
	})
}

func (f *fakeDB) ResetDocumentToPending(_ context.Context, id string) error {
	return f.mutate(id, func(d *models.Document) {
		d.Status = models.StatusPending
		d.ErrorMessage = ""
	})
}

func (f *fakeDB) ListDocumentIDsByStatus(_ context.Context, statuses ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, d := range f.docs {
		for _, s := range statuses {
			if d.Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeDB) ListStuckProcessing(_ context.Context, _ time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stuck...), nil
}

func (f *fakeDB) InsertDocumentChunks(_ context.Context, chunks []models.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeDB) GetEmbeddedChunksByDocument(_ context.Context, documentID string) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DocumentChunk
	for _, ch := range f.chunks {
		if ch.DocumentID == documentID && ch.Embedding != nil {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChunkIndex < out[b].ChunkIndex })
	return out, nil
}

func (f *fakeDB) DeleteDocumentChunks(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.chunks[:0]
	for _, ch := range f.chunks {
		if ch.DocumentID != documentID {
			kept = append(kept, ch)
		}
	}
	f.chunks = kept
	return nil
}

func (f *fakeDB) mutate(id string, fn func(*models.Document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return core.ErrDocumentNotFound
	}
	fn(doc)
	return nil
}

func (f *fakeDB) documentChunks(documentID string) []models.DocumentChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DocumentChunk
	for _, ch := range f.chunks {
		if ch.DocumentID == documentID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChunkIndex < out[b].ChunkIndex })
	return out
}

func (f *fakeDB) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Status
}

// keywordEmbedder embeds a text as keyword occurrence counts, so cosine
// similarity behaves predictably in tests. failOn makes any batch
// containing the marker fail wholesale.
type keywordEmbedder struct {
	keywords []string
	failOn   string

	mu      sync.Mutex
	batches [][]string
}

func (e *keywordEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, append([]string(nil), texts...))
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, fmt.Errorf("embedding rejected")
		}
		vec := make([]float32, len(e.keywords))
		lower := strings.ToLower(t)
		for k, kw := range e.keywords {
			vec[k] = float32(strings.Count(lower, kw))
		}
		out[i] = vec
	}
	return out, nil
}

// stubSource serves pages from a string slice, 1-based.
type stubSource struct {
	pages  []string
	closed bool
}

func (s *stubSource) PageCount() int { return len(s.pages) }

func (s *stubSource) PageText(n int) (string, error) {
	if n < 1 || n > len(s.pages) {
		return "", fmt.Errorf("page %d out of range", n)
	}
	return s.pages[n-1], nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func jobFor(docID string, src *stubSource) Job {
	return Job{
		DocumentID: docID,
		Numbered:   true,
		Open: func(context.Context) (core.PageSource, error) {
			return src, nil
		},
	}
}

func pendingDoc(id string) *models.Document {
	return &models.Document{ID: id, FileName: id + ".pdf", ContentType: "application/pdf", Status: models.StatusPending}
}
