package core

import (
	"context"
	"io"
	"time"

	"github.com/equitylens/equitylens/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string, limit, offset int) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// Lifecycle transitions. UpdateDocumentStatus is the generic move;
	// the named variants carry the extra fields each transition sets.
	UpdateDocumentStatus(ctx context.Context, id string, status string) error
	SetDocumentPageCount(ctx context.Context, id string, pages int) error
	MarkDocumentCompleted(ctx context.Context, id string) error
	MarkDocumentFailed(ctx context.Context, id string, errMsg string) error
	ResetDocumentToPending(ctx context.Context, id string) error

	// ListDocumentIDsByStatus feeds the startup reconciliation sweep.
	ListDocumentIDsByStatus(ctx context.Context, statuses ...string) ([]string, error)
	// ListStuckProcessing returns documents that have sat in "processing"
	// longer than age, for the timeout-driven requeue sweep.
	ListStuckProcessing(ctx context.Context, age time.Duration) ([]string, error)

	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	GetEmbeddedChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	DeleteDocumentChunks(ctx context.Context, documentID string) error

	CreateChatSession(ctx context.Context, session *models.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListSessionsByDocument(ctx context.Context, documentID string) ([]models.ChatSession, error)
	InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListSessionMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)

	CreateReport(ctx context.Context, report *models.Report) error
	UpdateReport(ctx context.Context, report *models.Report) error
	GetReportByID(ctx context.Context, id string) (*models.Report, error)

	CreateAnalysis(ctx context.Context, analysis *models.Analysis) error
	UpdateAnalysis(ctx context.Context, analysis *models.Analysis) error
	GetAnalysisByID(ctx context.Context, id string) (*models.Analysis, error)
	GetLatestAnalysisByDocument(ctx context.Context, documentID string) (*models.Analysis, error)
	// HasUnfinishedAnalysis reports whether a pending or processing
	// analysis already exists for the document.
	HasUnfinishedAnalysis(ctx context.Context, documentID string) (bool, error)
	InsertPointsOfInterest(ctx context.Context, pois []models.PointOfInterest) error
	ListAnalysisPOIs(ctx context.Context, analysisID string) ([]models.PointOfInterest, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// DownloadToFile copies an object to a local path. Page extraction needs
	// random access, so ingestion spools the object to a temp file first.
	DownloadToFile(ctx context.Context, bucket, key, path string) error
}
