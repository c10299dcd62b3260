package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// Result pairs a retrieved chunk with its cosine similarity to the query.
type Result struct {
	Chunk models.DocumentChunk
	Score float64
}

// multiBuildConcurrency bounds how many uncached documents a single
// multi-document query may load at once.
const multiBuildConcurrency = 4

// Search ranks one document's chunks against the query by cosine
// similarity and returns the topK best, ties broken by chunk order.
// Read-only apart from populating the cache on a miss.
func (s *Store) Search(ctx context.Context, query, documentID string, topK int) ([]Result, error) {
	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	entry, err := s.GetOrBuild(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return rank(queryVec, entry.Chunks, topK), nil
}

// SearchMulti ranks the union of several documents' chunks globally, so
// the topK may draw unevenly across documents. Uncached documents are
// built independently and concurrently before ranking. Documents without
// embedded chunks are skipped; if none of the requested documents has
// any, ErrNoChunksAvailable is returned.
func (s *Store) SearchMulti(ctx context.Context, query string, documentIDs []string, topK int) ([]Result, error) {
	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, len(documentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multiBuildConcurrency)
	for k, id := range documentIDs {
		g.Go(func() error {
			entry, err := s.GetOrBuild(gctx, id)
			if errors.Is(err, core.ErrNoChunksAvailable) {
				return nil
			}
			if err != nil {
				return err
			}
			entries[k] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Concatenate preserving the requested document grouping.
	var chunks []models.DocumentChunk
	for _, entry := range entries {
		if entry != nil {
			chunks = append(chunks, entry.Chunks...)
		}
	}
	if len(chunks) == 0 {
		return nil, core.ErrNoChunksAvailable
	}
	return rank(queryVec, chunks, topK), nil
}

func (s *Store) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

// rank scores every chunk against the query vector in one pass and
// returns the topK by descending cosine similarity. A zero-norm chunk
// scores 0; if every chunk's norm is zero the result is empty. The sort
// is stable, so ties keep their original chunk order.
func rank(queryVec []float32, chunks []models.DocumentChunk, topK int) []Result {
	queryNorm := l2norm(queryVec)

	results := make([]Result, 0, len(chunks))
	anyNonZero := false
	for _, ch := range chunks {
		chunkNorm := l2norm(ch.Embedding)
		if chunkNorm > 0 {
			anyNonZero = true
		}
		score := 0.0
		if queryNorm > 0 && chunkNorm > 0 {
			score = dot(queryVec, ch.Embedding) / (queryNorm * chunkNorm)
		}
		results = append(results, Result{Chunk: ch, Score: score})
	}
	if !anyNonZero {
		return nil
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
