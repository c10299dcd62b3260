package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
)

type SearchHandler struct {
	store *vectorstore.Store
	topK  int
}

func NewSearchHandler(store *vectorstore.Store, topK int) *SearchHandler {
	return &SearchHandler{store: store, topK: topK}
}

type searchRequest struct {
	DocumentID  string   `json:"document_id"`
	DocumentIDs []string `json:"document_ids"`
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
}

type searchHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	PageNumber int     `json:"page_number"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Search runs a similarity query over one document or several. The two
// request shapes share an endpoint: document_id for single-document
// search, document_ids for cross-document.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = h.topK
	}

	var (
		results []vectorstore.Result
		err     error
	)
	switch {
	case req.DocumentID != "":
		results, err = h.store.Search(r.Context(), req.Query, req.DocumentID, topK)
	case len(req.DocumentIDs) > 0:
		results, err = h.store.SearchMulti(r.Context(), req.Query, req.DocumentIDs, topK)
	default:
		writeError(w, http.StatusBadRequest, "document_id or document_ids is required")
		return
	}
	if err != nil {
		writeSearchError(w, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ChunkID:    res.Chunk.ID,
			DocumentID: res.Chunk.DocumentID,
			PageNumber: res.Chunk.PageNumber,
			ChunkIndex: res.Chunk.ChunkIndex,
			Content:    res.Chunk.Content,
			Score:      res.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// Preload warms the vector index for a document ahead of its first query.
func (h *SearchHandler) Preload(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")

	built, err := h.store.Preload(r.Context(), documentID)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"built":       built,
		"cached":      true,
	})
}

func (h *SearchHandler) IsCached(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"cached":      h.store.IsCached(documentID),
	})
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, core.ErrNoChunksAvailable):
		writeError(w, http.StatusConflict, "document has no searchable content")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
