package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/equitylens/equitylens/internal/config"
	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, first_name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q, user.ID, user.FirstName, user.Email, user.PasswordHash)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Documents

const documentColumns = `id, user_id, file_name, company_name, storage_url, content_hash,
	content_type, file_size_bytes, page_count, status, error_message,
	created_at, updated_at, processed_at`

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, company_name, storage_url, content_hash,
			 content_type, file_size_bytes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, nullIfEmpty(doc.UserID), doc.FileName, doc.CompanyName, doc.StorageURL,
		doc.ContentHash, doc.ContentType, doc.FileSizeBytes, doc.Status)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return c.scanDocument(c.db.QueryRowContext(ctx, q, id))
}

func (c *DatabaseClient) GetDocumentByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE content_hash = $1`
	return c.scanDocument(c.db.QueryRowContext(ctx, q, contentHash))
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string, limit, offset int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + documentColumns + `
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := c.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := c.scanDocumentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrDocumentNotFound
	}
	return nil
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	const q = `UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`
	return c.execOnDocument(ctx, q, id, status)
}

func (c *DatabaseClient) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	const q = `UPDATE documents SET page_count = $2, updated_at = now() WHERE id = $1`
	return c.execOnDocument(ctx, q, id, pages)
}

func (c *DatabaseClient) MarkDocumentCompleted(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = '', processed_at = now(), updated_at = now()
		WHERE id = $1
	`
	return c.execOnDocument(ctx, q, id, models.StatusCompleted)
}

func (c *DatabaseClient) MarkDocumentFailed(ctx context.Context, id string, errMsg string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`
	return c.execOnDocument(ctx, q, id, models.StatusFailed, errMsg)
}

func (c *DatabaseClient) ResetDocumentToPending(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = '', processed_at = NULL, updated_at = now()
		WHERE id = $1
	`
	return c.execOnDocument(ctx, q, id, models.StatusPending)
}

func (c *DatabaseClient) ListDocumentIDsByStatus(ctx context.Context, statuses ...string) ([]string, error) {
	const q = `SELECT id FROM documents WHERE status = ANY($1) ORDER BY created_at ASC`
	rows, err := c.db.QueryContext(ctx, q, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (c *DatabaseClient) ListStuckProcessing(ctx context.Context, age time.Duration) ([]string, error) {
	const q = `
		SELECT id FROM documents
		WHERE status = $1 AND updated_at < now() - $2::interval
		ORDER BY updated_at ASC
	`
	interval := fmt.Sprintf("%d seconds", int(age.Seconds()))
	rows, err := c.db.QueryContext(ctx, q, models.StatusProcessing, interval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Chunks

// InsertDocumentChunks inserts one embedding batch in a single transaction.
func (c *DatabaseClient) InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, content, page_number, chunk_index, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		var meta any
		if ch.Metadata != nil {
			raw, err := json.Marshal(ch.Metadata)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("marshal chunk metadata: %w", err)
			}
			meta = raw
		}
		vec := pgvector.NewVector(ch.Embedding)
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.Content, ch.PageNumber, ch.ChunkIndex, vec, meta,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetEmbeddedChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	const q = `
		SELECT id, document_id, content, page_number, chunk_index, embedding, metadata, created_at
		FROM document_chunks
		WHERE document_id = $1 AND embedding IS NOT NULL
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch   models.DocumentChunk
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.Content, &ch.PageNumber, &ch.ChunkIndex, &emb, &meta, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// Chat

func (c *DatabaseClient) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return errors.New("nil session")
	}
	const q = `
		INSERT INTO chat_sessions (id, user_id, document_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q, session.ID, nullIfEmpty(session.UserID), session.DocumentID, session.Title)
	return err
}

func (c *DatabaseClient) GetChatSession(ctx context.Context, id string) (*models.ChatSession, error) {
	const q = `
		SELECT id, COALESCE(user_id::text, ''), document_id, title, created_at, updated_at
		FROM chat_sessions WHERE id = $1
	`
	var s models.ChatSession
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.UserID, &s.DocumentID, &s.Title, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *DatabaseClient) ListSessionsByDocument(ctx context.Context, documentID string) ([]models.ChatSession, error) {
	const q = `
		SELECT id, COALESCE(user_id::text, ''), document_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE document_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		var s models.ChatSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.DocumentID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	var citations any
	if len(msg.Citations) > 0 {
		raw, err := json.Marshal(msg.Citations)
		if err != nil {
			return fmt.Errorf("marshal citations: %w", err)
		}
		citations = raw
	}
	const q = `
		INSERT INTO chat_messages (id, session_id, role, content, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	if _, err := c.db.ExecContext(ctx, q, msg.ID, msg.SessionID, msg.Role, msg.Content, citations); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, msg.SessionID)
	return err
}

func (c *DatabaseClient) ListSessionMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	const q = `
		SELECT id, session_id, role, content, citations, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var (
			m         models.ChatMessage
			citations []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &citations, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reports

func (c *DatabaseClient) CreateReport(ctx context.Context, report *models.Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	const q = `
		INSERT INTO reports (id, document_id, company_name, status, created_at)
		VALUES ($1, $2, $3, $4, now())
	`
	_, err := c.db.ExecContext(ctx, q, report.ID, report.DocumentID, report.CompanyName, report.Status)
	return err
}

func (c *DatabaseClient) UpdateReport(ctx context.Context, report *models.Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	const q = `
		UPDATE reports
		SET status = $2, content = $3, error_message = $4, duration_secs = $5, completed_at = $6
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q,
		report.ID, report.Status, report.Content, report.ErrorMessage, report.DurationSecs, report.CompletedAt)
	return err
}

func (c *DatabaseClient) GetReportByID(ctx context.Context, id string) (*models.Report, error) {
	const q = `
		SELECT id, document_id, company_name, status, content, error_message, duration_secs, created_at, completed_at
		FROM reports WHERE id = $1
	`
	var (
		r         models.Report
		completed sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&r.ID, &r.DocumentID, &r.CompanyName, &r.Status, &r.Content, &r.ErrorMessage,
		&r.DurationSecs, &r.CreatedAt, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

// Analyses

func (c *DatabaseClient) CreateAnalysis(ctx context.Context, analysis *models.Analysis) error {
	if analysis == nil {
		return errors.New("nil analysis")
	}
	const q = `
		INSERT INTO analyses (id, document_id, status, model_used, created_at)
		VALUES ($1, $2, $3, $4, now())
	`
	_, err := c.db.ExecContext(ctx, q, analysis.ID, analysis.DocumentID, analysis.Status, analysis.ModelUsed)
	return err
}

func (c *DatabaseClient) UpdateAnalysis(ctx context.Context, analysis *models.Analysis) error {
	if analysis == nil {
		return errors.New("nil analysis")
	}
	const q = `
		UPDATE analyses
		SET status = $2, summary = $3, duration_secs = $4, completed_at = $5
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q,
		analysis.ID, analysis.Status, analysis.Summary, analysis.DurationSecs, analysis.CompletedAt)
	return err
}

const analysisColumns = `id, document_id, status, summary, model_used, duration_secs, created_at, completed_at`

func (c *DatabaseClient) GetAnalysisByID(ctx context.Context, id string) (*models.Analysis, error) {
	q := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = $1`
	return c.scanAnalysis(c.db.QueryRowContext(ctx, q, id))
}

func (c *DatabaseClient) GetLatestAnalysisByDocument(ctx context.Context, documentID string) (*models.Analysis, error) {
	q := `SELECT ` + analysisColumns + `
		FROM analyses
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return c.scanAnalysis(c.db.QueryRowContext(ctx, q, documentID))
}

func (c *DatabaseClient) HasUnfinishedAnalysis(ctx context.Context, documentID string) (bool, error) {
	const q = `
		SELECT EXISTS (
		  SELECT 1 FROM analyses
		  WHERE document_id = $1 AND status IN ($2, $3)
		)`
	var exists bool
	err := c.db.QueryRowContext(ctx, q, documentID, models.StatusPending, models.StatusProcessing).Scan(&exists)
	return exists, err
}

func (c *DatabaseClient) InsertPointsOfInterest(ctx context.Context, pois []models.PointOfInterest) error {
	if len(pois) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO points_of_interest
			(id, analysis_id, category, name, description, output_type, value, citations, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range pois {
		p := &pois[i]
		value, err := marshalNullable(p.Value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal poi value: %w", err)
		}
		var citations any
		if len(p.Citations) > 0 {
			raw, err := json.Marshal(p.Citations)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("marshal poi citations: %w", err)
			}
			citations = raw
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.AnalysisID, p.Category, p.Name, p.Description, p.OutputType, value, citations, p.Confidence,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) ListAnalysisPOIs(ctx context.Context, analysisID string) ([]models.PointOfInterest, error) {
	const q = `
		SELECT id, analysis_id, category, name, description, output_type, value, citations, confidence, created_at
		FROM points_of_interest
		WHERE analysis_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := c.db.QueryContext(ctx, q, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PointOfInterest
	for rows.Next() {
		var (
			p         models.PointOfInterest
			value     []byte
			citations []byte
		)
		if err := rows.Scan(
			&p.ID, &p.AnalysisID, &p.Category, &p.Name, &p.Description, &p.OutputType,
			&value, &citations, &p.Confidence, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &p.Value); err != nil {
				return nil, fmt.Errorf("unmarshal poi value: %w", err)
			}
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &p.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal poi citations: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func (c *DatabaseClient) scanDocument(row rowScanner) (*models.Document, error) {
	d, err := c.scanDocumentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (c *DatabaseClient) scanDocumentRow(row rowScanner) (*models.Document, error) {
	var (
		d         models.Document
		userID    sql.NullString
		processed sql.NullTime
	)
	err := row.Scan(
		&d.ID, &userID, &d.FileName, &d.CompanyName, &d.StorageURL, &d.ContentHash,
		&d.ContentType, &d.FileSizeBytes, &d.PageCount, &d.Status, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt, &processed,
	)
	if err != nil {
		return nil, err
	}
	d.UserID = userID.String
	if processed.Valid {
		d.ProcessedAt = &processed.Time
	}
	return &d, nil
}

func (c *DatabaseClient) execOnDocument(ctx context.Context, query, id string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrDocumentNotFound
	}
	return nil
}

func (c *DatabaseClient) scanAnalysis(row rowScanner) (*models.Analysis, error) {
	var (
		a         models.Analysis
		completed sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.DocumentID, &a.Status, &a.Summary, &a.ModelUsed,
		&a.DurationSecs, &a.CreatedAt, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		a.CompletedAt = &completed.Time
	}
	return &a, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
