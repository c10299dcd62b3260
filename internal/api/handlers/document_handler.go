package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/equitylens/equitylens/internal/config"
	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/ingestion_engine"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/models"
)

type DocumentHandler struct {
	dbclient     core.DbClient
	objectclient core.ObjectClient
	ingestor     *ingestion_engine.DocumentIngestor
	store        *vectorstore.Store
	cfg          *config.Config
}

func NewDocumentHandler(dbclient core.DbClient, objectclient core.ObjectClient, ing *ingestion_engine.DocumentIngestor, store *vectorstore.Store, cfg *config.Config) *DocumentHandler {
	return &DocumentHandler{dbclient: dbclient, objectclient: objectclient, ingestor: ing, store: store, cfg: cfg}
}

// UploadDocument handles file upload, duplicate detection, DB insert, and
// queuing for background processing. The whole file is buffered so the
// content hash is known before anything is stored; uploads are capped by
// MAX_FILE_SIZE_MB so this stays bounded.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_id not found in context")
		return
	}

	maxBytes := int64(h.cfg.MaxFileSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20)) // headroom for the multipart envelope
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d MB limit", h.cfg.MaxFileSizeMB))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d MB limit", h.cfg.MaxFileSizeMB))
		return
	}

	var buf bytes.Buffer
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(&buf, hasher), file); err != nil {
		writeError(w, http.StatusInternalServerError, "could not read file")
		return
	}
	contentHash := hex.EncodeToString(hasher.Sum(nil))

	// Identical bytes are never processed twice.
	existing, err := h.dbclient.GetDocumentByHash(r.Context(), contentHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "this file has already been uploaded",
			"document": existing,
		})
		return
	}

	// Sanitize filename to prevent path traversal or invalid characters
	cleanFilename := filepath.Base(header.Filename)
	docID := uuid.NewString()
	s3Key := fmt.Sprintf("%s/%s/%s", userID, docID, cleanFilename)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	url, err := h.objectclient.UploadFile(uploadctx, h.cfg.BucketName, s3Key, &buf, contentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("upload failed: %v", err))
		return
	}

	doc := &models.Document{
		ID:            docID,
		UserID:        userID,
		FileName:      cleanFilename,
		CompanyName:   r.FormValue("company_name"),
		StorageURL:    url,
		ContentHash:   contentHash,
		ContentType:   contentType,
		FileSizeBytes: header.Size,
		Status:        models.StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := h.dbclient.CreateDocument(uploadctx, doc); err != nil {
		log.Printf("DB insert failed for doc %s: %v", docID, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store document metadata: %v", err))
		return
	}

	if err := h.ingestor.EnqueueDocument(doc); err != nil {
		// The document stays pending; the startup recovery sweep or a
		// reprocess request can queue it once there is room.
		log.Printf("enqueue document %s: %v", docID, err)
		writeError(w, http.StatusServiceUnavailable, "processing queue is full, try again later")
		return
	}

	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_id not found in context")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	documents, err := h.dbclient.ListDocumentsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if documents == nil {
		documents = []models.Document{}
	}

	writeJSON(w, http.StatusOK, documents)
}

// GetDocumentStatus reports the processing state of one document, the
// piece of the record that upload clients poll.
func (h *DocumentHandler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadOwnedDocument(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            doc.ID,
		"status":        doc.Status,
		"page_count":    doc.PageCount,
		"error_message": doc.ErrorMessage,
		"processed_at":  doc.ProcessedAt,
	})
}

// ReprocessDocument clears a failed document's chunks and queues a fresh
// ingestion attempt.
func (h *DocumentHandler) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadOwnedDocument(w, r)
	if !ok {
		return
	}

	if err := h.ingestor.Reprocess(r.Context(), doc.ID); err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		if errors.Is(err, ingestion_engine.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "processing queue is full, try again later")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     doc.ID,
		"status": models.StatusPending,
	})
}

// DeleteDocument removes the stored object, the document row (chunks and
// sessions cascade), and any cached vector index.
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadOwnedDocument(w, r)
	if !ok {
		return
	}

	bucket, key := objectLocation(doc.StorageURL)
	if bucket != "" && key != "" {
		if err := h.objectclient.DeleteFile(r.Context(), bucket, key); err != nil {
			log.Printf("delete stored object for document %s: %v", doc.ID, err)
		}
	}

	if err := h.dbclient.DeleteDocument(r.Context(), doc.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.store.Evict(doc.ID)

	w.WriteHeader(http.StatusNoContent)
}

// GetQueueStatus exposes the ingestion queue snapshot.
func (h *DocumentHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ingestor.QueueStatus())
}

// loadOwnedDocument resolves {document_id} and enforces ownership.
func (h *DocumentHandler) loadOwnedDocument(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_id not found in context")
		return nil, false
	}

	docID := chi.URLParam(r, "document_id")
	doc, err := h.dbclient.GetDocumentByID(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return nil, false
	}
	if doc.UserID != "" && doc.UserID != userID {
		writeError(w, http.StatusForbidden, "you do not own this document")
		return nil, false
	}
	return doc, true
}

// objectLocation extracts bucket and key from a virtual-hosted-style S3 URL.
func objectLocation(storageURL string) (bucket, key string) {
	hostPath := strings.SplitN(strings.TrimPrefix(storageURL, "https://"), "/", 2)
	host := hostPath[0]
	if len(hostPath) == 2 {
		key = hostPath[1]
	}
	if idx := strings.Index(host, "."); idx > 0 {
		bucket = host[:idx]
	}
	return bucket, key
}
