package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

// ErrAnalysisInProgress rejects a second extraction while one is still
// pending or processing for the same document.
var ErrAnalysisInProgress = errors.New("analysis already in progress for this document")

var ErrAnalysisNotFound = errors.New("analysis not found")

// maxAnalysisContextChars caps the document context handed to the
// extraction prompt so very large documents stay within the model's
// input window.
const maxAnalysisContextChars = 50000

// poiSummaryLimit bounds how many extracted POIs feed the executive
// summary prompt.
const poiSummaryLimit = 20

const poiExtractionPrompt = `You are EquityLens, an expert equity analyst assistant. Extract the key Points of Interest (POIs) from the earnings report extracts you are given.

For each POI provide the exact figures from the document, page number citations, and a confidence level (high/medium/low) based on how clearly the source states it.

Extract these categories:

## Financial Metrics
Revenue and growth, profitability (EBITDA, EBIT, NPAT statutory and underlying), margins with YoY changes, balance sheet items (net debt, cash, total assets, equity), key ratios (ROE, ROA, interest coverage), per-share metrics (EPS, DPS), and any guidance.

## Segment Analysis
Business segments with revenue and EBITDA, geographic breakdown, product category performance.

## Cash Flow
Operating cash flow, free cash flow, capital expenditure, dividend payments.

## Management Commentary
Strategy changes, outlook and guidance, highlighted risk factors, market conditions.

## Earnings Quality
Non-recurring adjustments, capitalised cost changes, provision movements, working capital signals, cash versus accrual comparison, revenue recognition notes.

Respond with a JSON object containing a "pois" array. Each POI has:
- category: one of [financial_metrics, segment_analysis, cash_flow, management_commentary, earnings_quality]
- name: specific metric name
- description: brief description of what this represents
- output_type: one of [value, multi_value, value_delta, commentary, array]
- value: the extracted value(s), structured to match the output_type
- citations: array of {"page_number": N, "text": "..."} objects
- confidence: "high", "medium" or "low"

Example:
{
  "pois": [
    {
      "category": "financial_metrics",
      "name": "Total Revenue",
      "description": "Total revenue for the reporting period",
      "output_type": "value_delta",
      "value": {"current": 5200000000, "prior": 4800000000, "change_percent": 8.3, "unit": "AUD"},
      "citations": [{"page_number": 2, "text": "Revenue of $5.2 billion, up 8.3%"}],
      "confidence": "high"
    }
  ]
}`

// AnalysisService extracts structured points of interest from a
// processed document with one large extraction generation, then drives a
// second generation for the executive summary.
type AnalysisService struct {
	db        core.DbClient
	llm       core.LLMProvider
	modelName string
}

func NewAnalysisService(db core.DbClient, llm core.LLMProvider, modelName string) *AnalysisService {
	return &AnalysisService{db: db, llm: llm, modelName: modelName}
}

// Extract runs POI extraction for a completed document. The analysis row
// is created up front in processing state and finalized on success or
// failure, so callers can poll its status. Only one unfinished analysis
// may exist per document at a time.
func (s *AnalysisService) Extract(ctx context.Context, documentID string) (*models.Analysis, []models.PointOfInterest, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, core.ErrDocumentNotFound
	}
	if doc.Status != models.StatusCompleted {
		return nil, nil, fmt.Errorf("document %s is not processed yet", documentID)
	}

	busy, err := s.db.HasUnfinishedAnalysis(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if busy {
		return nil, nil, ErrAnalysisInProgress
	}

	chunks, err := s.db.GetEmbeddedChunksByDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) == 0 {
		return nil, nil, core.ErrNoChunksAvailable
	}

	analysis := &models.Analysis{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     models.StatusProcessing,
		ModelUsed:  s.modelName,
		CreatedAt:  time.Now(),
	}
	if err := s.db.CreateAnalysis(ctx, analysis); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	pois, err := s.runExtraction(ctx, doc, analysis, chunks)
	analysis.DurationSecs = time.Since(start).Seconds()

	if err != nil {
		analysis.Status = models.StatusFailed
		analysis.Summary = truncate(err.Error(), 500)
		_ = s.db.UpdateAnalysis(ctx, analysis)
		return nil, nil, err
	}

	now := time.Now()
	analysis.Status = models.StatusCompleted
	analysis.CompletedAt = &now
	if err := s.db.UpdateAnalysis(ctx, analysis); err != nil {
		return nil, nil, err
	}
	log.Printf("analysis %s for document %s extracted %d POIs in %.1fs",
		analysis.ID, documentID, len(pois), analysis.DurationSecs)
	return analysis, pois, nil
}

// Get returns one analysis with its POIs.
func (s *AnalysisService) Get(ctx context.Context, analysisID string) (*models.Analysis, []models.PointOfInterest, error) {
	analysis, err := s.db.GetAnalysisByID(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	if analysis == nil {
		return nil, nil, ErrAnalysisNotFound
	}
	pois, err := s.db.ListAnalysisPOIs(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	return analysis, pois, nil
}

// LatestForDocument returns the most recent analysis of a document with
// its POIs.
func (s *AnalysisService) LatestForDocument(ctx context.Context, documentID string) (*models.Analysis, []models.PointOfInterest, error) {
	analysis, err := s.db.GetLatestAnalysisByDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if analysis == nil {
		return nil, nil, ErrAnalysisNotFound
	}
	pois, err := s.db.ListAnalysisPOIs(ctx, analysis.ID)
	if err != nil {
		return nil, nil, err
	}
	return analysis, pois, nil
}

// GroupByCategory buckets POIs by category, preserving extraction order
// within each bucket.
func GroupByCategory(pois []models.PointOfInterest) map[string][]models.PointOfInterest {
	out := make(map[string][]models.PointOfInterest)
	for _, p := range pois {
		out[p.Category] = append(out[p.Category], p)
	}
	return out
}

func (s *AnalysisService) runExtraction(
	ctx context.Context,
	doc *models.Document,
	analysis *models.Analysis,
	chunks []models.DocumentChunk,
) ([]models.PointOfInterest, error) {
	userPrompt := fmt.Sprintf(
		"Analyze this earnings report and extract all Points of Interest.\n\nCompany: %s\n\nDocument Content:\n%s\n\nPlease extract all relevant POIs following the specified format.",
		documentLabel(doc), analysisContext(chunks),
	)

	response, err := s.generate(ctx, poiExtractionPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("poi extraction: %w", err)
	}

	drafts := parsePOIResponse(response)
	pois := make([]models.PointOfInterest, 0, len(drafts))
	now := time.Now()
	for _, d := range drafts {
		pois = append(pois, models.PointOfInterest{
			ID:          uuid.NewString(),
			AnalysisID:  analysis.ID,
			Category:    d.category(),
			Name:        d.name(),
			Description: d.Description,
			OutputType:  d.outputType(),
			Value:       d.Value,
			Citations:   d.citations(doc),
			Confidence:  confidenceScore(d.Confidence),
			CreatedAt:   now,
		})
	}
	if err := s.db.InsertPointsOfInterest(ctx, pois); err != nil {
		return nil, fmt.Errorf("store pois: %w", err)
	}

	summary, err := s.generateSummary(ctx, doc, pois)
	if err != nil {
		return nil, fmt.Errorf("summary generation: %w", err)
	}
	analysis.Summary = summary
	return pois, nil
}

func (s *AnalysisService) generateSummary(ctx context.Context, doc *models.Document, pois []models.PointOfInterest) (string, error) {
	lines := make([]string, 0, poiSummaryLimit)
	for _, p := range pois {
		if len(lines) == poiSummaryLimit {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s: %v", p.Name, p.Value))
	}
	poiText := "No POIs extracted"
	if len(lines) > 0 {
		poiText = strings.Join(lines, "\n")
	}

	userPrompt := fmt.Sprintf(
		`Based on these extracted Points of Interest from %s's earnings report, write a concise executive summary (3-5 paragraphs) highlighting:
1. Key financial performance
2. Notable changes from prior period
3. Management outlook and guidance
4. Any red flags or areas of concern

Extracted POIs:
%s

Write the summary in a professional analyst tone.`,
		documentLabel(doc), poiText,
	)

	return s.generate(ctx, "You are EquityLens, an expert equity analyst.", userPrompt)
}

// generate runs one generation with the shared transient-retry policy.
func (s *AnalysisService) generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(generationBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		content, err := s.llm.Generate(ctx, systemPrompt, userPrompt)
		if err == nil && strings.TrimSpace(content) == "" {
			err = core.ErrEmptyGeneration
		}
		if err == nil {
			return content, nil
		}
		if !core.IsTransientGeneration(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// analysisContext groups chunk text by page, orders the pages, and caps
// the total size. Page 0 (unpaged extractions) sorts first.
func analysisContext(chunks []models.DocumentChunk) string {
	byPage := make(map[int][]string)
	for _, ch := range chunks {
		byPage[ch.PageNumber] = append(byPage[ch.PageNumber], ch.Content)
	}

	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("[Page %d]\n%s", p, strings.Join(byPage[p], "\n")))
	}
	return truncate(strings.Join(parts, "\n\n"), maxAnalysisContextChars)
}

// poiDraft is one POI as the model emits it, before validation.
type poiDraft struct {
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OutputType  string    `json:"output_type"`
	Value       any       `json:"value"`
	Citations   []poiCite `json:"citations"`
	Confidence  string    `json:"confidence"`
}

type poiCite struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

func (d poiDraft) category() string {
	switch d.Category {
	case models.POICategoryFinancialMetrics, models.POICategorySegmentAnalysis,
		models.POICategoryCashFlow, models.POICategoryManagementCommentary,
		models.POICategoryEarningsQuality:
		return d.Category
	}
	return models.POICategoryFinancialMetrics
}

func (d poiDraft) name() string {
	if strings.TrimSpace(d.Name) == "" {
		return "Unknown"
	}
	return d.Name
}

func (d poiDraft) outputType() string {
	if strings.TrimSpace(d.OutputType) == "" {
		return "value"
	}
	return d.OutputType
}

func (d poiDraft) citations(doc *models.Document) []models.Citation {
	if len(d.Citations) == 0 {
		return nil
	}
	out := make([]models.Citation, 0, len(d.Citations))
	for _, c := range d.Citations {
		out = append(out, models.Citation{
			DocumentID: doc.ID,
			Label:      documentLabel(doc),
			PageNumber: c.PageNumber,
			Text:       c.Text,
		})
	}
	return out
}

// parsePOIResponse pulls the POI array out of a model response that may
// wrap its JSON in a fenced block or surrounding prose. Unparseable
// responses yield no POIs rather than an error.
func parsePOIResponse(response string) []poiDraft {
	var jsonStr string
	if idx := strings.Index(response, "```json"); idx >= 0 {
		rest := response[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			jsonStr = strings.TrimSpace(rest[:end])
		}
	} else if start := strings.Index(response, "{"); start >= 0 {
		if end := strings.LastIndex(response, "}"); end > start {
			jsonStr = response[start : end+1]
		}
	}
	if jsonStr == "" {
		return nil
	}

	var envelope struct {
		POIs []poiDraft `json:"pois"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err == nil && len(envelope.POIs) > 0 {
		return envelope.POIs
	}

	var list []poiDraft
	if err := json.Unmarshal([]byte(jsonStr), &list); err == nil {
		return list
	}

	log.Printf("could not parse POI response as JSON")
	return nil
}

// confidenceScore maps the model's qualitative confidence to a number.
// Unknown values get the middle score.
func confidenceScore(confidence string) float64 {
	switch strings.ToLower(strings.TrimSpace(confidence)) {
	case "high":
		return 0.9
	case "medium":
		return 0.7
	case "low":
		return 0.5
	}
	return 0.7
}
