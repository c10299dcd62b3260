package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/models"
)

// Fixed retrieval queries used to pull a focused, representative context
// for a full-analysis report, balancing coverage against prompt size.
var reportRetrievalQueries = []string{
	"financial metrics revenue EBITDA NPAT balance sheet total assets shareholders equity margins ROE ratios segment analysis",
	"cash flow operating free capital expenditure dividend payments working capital earnings quality provisions",
	"management commentary outlook guidance strategic initiatives market conditions exceptional items non-recurring",
}

const reportTopKPerQuery = 10

const reportSystemPrompt = `You are EquityLens, an expert equity analyst. Write a structured full-analysis report of the company's results based strictly on the provided document extracts.

Cover: headline financials, segment performance, cash flow and balance sheet, earnings quality, and management outlook. Cite page numbers in the format [Label - Page X] for every figure you quote.`

// ReportService generates full-analysis reports by running several
// retrieval queries over a document and driving one large generation.
type ReportService struct {
	db    core.DbClient
	llm   core.LLMProvider
	store *vectorstore.Store
}

func NewReportService(db core.DbClient, llm core.LLMProvider, store *vectorstore.Store) *ReportService {
	return &ReportService{db: db, llm: llm, store: store}
}

// Generate builds a report for a completed document. The report row is
// created up front in processing state and finalized on success or
// failure, so callers can poll its status.
func (s *ReportService) Generate(ctx context.Context, documentID string) (*models.Report, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, core.ErrDocumentNotFound
	}
	if doc.Status != models.StatusCompleted {
		return nil, fmt.Errorf("document %s is not processed yet", documentID)
	}

	report := &models.Report{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		CompanyName: doc.CompanyName,
		Status:      models.StatusProcessing,
		CreatedAt:   time.Now(),
	}
	if err := s.db.CreateReport(ctx, report); err != nil {
		return nil, err
	}

	start := time.Now()
	content, err := s.generateContent(ctx, doc)
	report.DurationSecs = time.Since(start).Seconds()

	if err != nil {
		report.Status = models.StatusFailed
		report.ErrorMessage = truncate(err.Error(), 500)
		_ = s.db.UpdateReport(ctx, report)
		return nil, err
	}

	now := time.Now()
	report.Status = models.StatusCompleted
	report.Content = content
	report.CompletedAt = &now
	if err := s.db.UpdateReport(ctx, report); err != nil {
		return nil, err
	}
	log.Printf("report %s for document %s generated in %.1fs", report.ID, documentID, report.DurationSecs)
	return report, nil
}

func (s *ReportService) GetReport(ctx context.Context, id string) (*models.Report, error) {
	return s.db.GetReportByID(ctx, id)
}

func (s *ReportService) generateContent(ctx context.Context, doc *models.Document) (string, error) {
	chunks, err := s.collectContext(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	label := documentLabel(doc)
	parts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		parts = append(parts, fmt.Sprintf("[%s - Page %d]\n%s", label, ch.PageNumber, ch.Content))
	}

	userPrompt := fmt.Sprintf(
		"Document extracts for %s:\n\n%s\n\n---\n\nWrite the full analysis report.",
		label, strings.Join(parts, "\n\n---\n\n"),
	)

	var lastErr error
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(generationBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		content, err := s.llm.Generate(ctx, reportSystemPrompt, userPrompt)
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

// collectContext runs the fixed report queries, deduplicates the
// retrieved chunks, and orders them by document reading order.
func (s *ReportService) collectContext(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	seen := make(map[string]bool)
	var chunks []models.DocumentChunk

	for _, q := range reportRetrievalQueries {
		results, err := s.store.Search(ctx, q, documentID, reportTopKPerQuery)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if seen[r.Chunk.ID] {
				continue
			}
			seen[r.Chunk.ID] = true
			chunks = append(chunks, r.Chunk)
		}
	}

	sort.Slice(chunks, func(a, b int) bool {
		return chunks[a].ChunkIndex < chunks[b].ChunkIndex
	})
	return chunks, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
