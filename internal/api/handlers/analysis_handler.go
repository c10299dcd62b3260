package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
	"github.com/equitylens/equitylens/internal/services"
)

type AnalysisHandler struct {
	analyses *services.AnalysisService
}

func NewAnalysisHandler(analyses *services.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{analyses: analyses}
}

type analysisResponse struct {
	*models.Analysis
	POIs []models.PointOfInterest `json:"pois"`
}

// AnalyzeDocument runs POI extraction for a processed document and
// returns the finished analysis with its POIs.
func (h *AnalysisHandler) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")

	analysis, pois, err := h.analyses.Extract(r.Context(), documentID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDocumentNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, services.ErrAnalysisInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, core.ErrNoChunksAvailable):
			writeError(w, http.StatusConflict, "document has no searchable content")
		case strings.Contains(err.Error(), "not processed yet"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, analysisResponse{Analysis: analysis, POIs: pois})
}

// GetLatestAnalysis returns the most recent analysis of a document.
func (h *AnalysisHandler) GetLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")

	analysis, pois, err := h.analyses.LatestForDocument(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, services.ErrAnalysisNotFound) {
			writeError(w, http.StatusNotFound, "no analysis found for this document")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{Analysis: analysis, POIs: pois})
}

// GetDocumentPOIs returns the latest analysis's POIs grouped by category.
func (h *AnalysisHandler) GetDocumentPOIs(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")

	analysis, pois, err := h.analyses.LatestForDocument(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, services.ErrAnalysisNotFound) {
			writeError(w, http.StatusNotFound, "no analysis found for this document")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": analysis.ID,
		"status":      analysis.Status,
		"categories":  services.GroupByCategory(pois),
	})
}

// GetAnalysis returns one analysis by ID.
func (h *AnalysisHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysis_id")

	analysis, pois, err := h.analyses.Get(r.Context(), analysisID)
	if err != nil {
		if errors.Is(err, services.ErrAnalysisNotFound) {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{Analysis: analysis, POIs: pois})
}
