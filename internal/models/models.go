package models

import (
	"time"
)

// Document processing lifecycle.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document represents an uploaded earnings report or similar PDF.
type Document struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	FileName      string     `db:"file_name" json:"file_name"`
	CompanyName   string     `db:"company_name" json:"company_name"`
	StorageURL    string     `db:"storage_url" json:"storage_url"`
	ContentHash   string     `db:"content_hash" json:"content_hash"` // sha256 of raw bytes, dedup key
	ContentType   string     `db:"content_type" json:"content_type"`
	FileSizeBytes int64      `db:"file_size_bytes" json:"file_size_bytes"`
	PageCount     int        `db:"page_count" json:"page_count"`
	Status        string     `db:"status" json:"status"` // pending | processing | completed | failed
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// DocumentChunk is one embedded text span of a document.
//
// ChunkIndex is strictly increasing within a document and defines
// reading order. PageNumber is 1-based; 0 means the source had no page
// structure (e.g. plain-text extraction fallback).
type DocumentChunk struct {
	ID         string         `db:"id" json:"id"`
	DocumentID string         `db:"document_id" json:"document_id"`
	Content    string         `db:"content" json:"content"`
	PageNumber int            `db:"page_number" json:"page_number"`
	ChunkIndex int            `db:"chunk_index" json:"chunk_index"`
	Embedding  []float32      `db:"embedding" json:"-"` // pgvector column, nil until embedded
	Metadata   map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// ChatSession groups the messages of one conversation over a document.
type ChatSession struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Title      string    `db:"title" json:"title"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ChatMessage is a single user or assistant turn.
type ChatMessage struct {
	ID        string     `db:"id" json:"id"`
	SessionID string     `db:"session_id" json:"session_id"`
	Role      string     `db:"role" json:"role"` // "user" or "assistant"
	Content   string     `db:"content" json:"content"`
	Citations []Citation `db:"citations" json:"citations,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Citation points an answer back to a retrieved chunk's page.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Label      string  `json:"label"`
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	Score      float64 `json:"relevance_score"`
}

// Categories a point of interest can belong to.
const (
	POICategoryFinancialMetrics     = "financial_metrics"
	POICategorySegmentAnalysis      = "segment_analysis"
	POICategoryCashFlow             = "cash_flow"
	POICategoryEarningsQuality      = "earnings_quality"
	POICategoryManagementCommentary = "management_commentary"
)

// Analysis is one POI-extraction run over a document. Summary carries
// the executive summary on success and the failure reason otherwise.
type Analysis struct {
	ID           string     `db:"id" json:"id"`
	DocumentID   string     `db:"document_id" json:"document_id"`
	Status       string     `db:"status" json:"status"`
	Summary      string     `db:"summary" json:"summary,omitempty"`
	ModelUsed    string     `db:"model_used" json:"model_used,omitempty"`
	DurationSecs float64    `db:"duration_secs" json:"duration_secs"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// PointOfInterest is one extracted metric or observation. Value is
// JSON-shaped and varies by OutputType (a single figure, a
// current/prior delta, a list, or free commentary), so it is kept
// schema-less and validated only where a specific shape is needed.
type PointOfInterest struct {
	ID          string     `db:"id" json:"id"`
	AnalysisID  string     `db:"analysis_id" json:"analysis_id"`
	Category    string     `db:"category" json:"category"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description,omitempty"`
	OutputType  string     `db:"output_type" json:"output_type"`
	Value       any        `db:"value" json:"value,omitempty"`
	Citations   []Citation `db:"citations" json:"citations,omitempty"`
	Confidence  float64    `db:"confidence" json:"confidence,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Report is a generated full-analysis report for one document.
type Report struct {
	ID           string     `db:"id" json:"id"`
	DocumentID   string     `db:"document_id" json:"document_id"`
	CompanyName  string     `db:"company_name" json:"company_name"`
	Status       string     `db:"status" json:"status"`
	Content      string     `db:"content" json:"content,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	DurationSecs float64    `db:"duration_secs" json:"duration_secs"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
