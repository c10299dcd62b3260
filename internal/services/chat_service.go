package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/models"
)

// chatSystemPrompt instructs the model to ground every claim in the
// retrieved context and cite it in the [Label - Page N] format that
// citation extraction recognizes.
const chatSystemPrompt = `You are EquityLens, an AI assistant specialized in analyzing earnings reports and financial documents.

You have access to the source documents through the provided context. Base your answers on that context, not on prior knowledge.

Guidelines:
1. Answer thoroughly using information from the provided document chunks
2. ALWAYS cite your sources exactly as they are tagged in the context, in this format: [Label - Page X]
3. If information appears in multiple places, cite all relevant pages
4. If you are uncertain about something, say so rather than guessing
5. For numerical data, quote the exact figures from the document
6. If the question cannot be answered from the provided context, say so clearly

Users trust you for accurate, well-cited analysis. Quality and traceability are paramount.`

// generation retry policy: transient failures and empty outputs are
// retried with exponential backoff, fatal failures surface immediately.
const (
	maxGenerationAttempts = 3
	generationBackoffBase = time.Second
)

// ChatService answers questions over one or more documents with
// retrieval-augmented generation and page-cited responses.
type ChatService struct {
	db    core.DbClient
	llm   core.LLMProvider
	store *vectorstore.Store

	topK          int
	historyWindow int
}

func NewChatService(db core.DbClient, llm core.LLMProvider, store *vectorstore.Store, topK, historyWindow int) *ChatService {
	if topK <= 0 {
		topK = 10
	}
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &ChatService{db: db, llm: llm, store: store, topK: topK, historyWindow: historyWindow}
}

// CreateSession starts a conversation over a processed document.
func (s *ChatService) CreateSession(ctx context.Context, userID, documentID, title string) (*models.ChatSession, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, core.ErrDocumentNotFound
	}
	if doc.Status != models.StatusCompleted {
		return nil, fmt.Errorf("document %s must be processed before starting a chat", documentID)
	}

	if title == "" {
		title = "Chat: " + documentLabel(doc)
	}
	session := &models.ChatSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		DocumentID: documentID,
		Title:      title,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.CreateChatSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *ChatService) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	return s.db.GetChatSession(ctx, sessionID)
}

func (s *ChatService) ListSessionMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	return s.db.ListSessionMessages(ctx, sessionID)
}

func (s *ChatService) ListSessionsByDocument(ctx context.Context, documentID string) ([]models.ChatSession, error) {
	return s.db.ListSessionsByDocument(ctx, documentID)
}

// Answer runs the full RAG loop in batch mode: retrieve grounding chunks
// from the given documents, generate, and return the answer together with
// the citations it actually referenced. Nothing is persisted.
func (s *ChatService) Answer(ctx context.Context, query string, documentIDs []string, history []models.ChatMessage) (string, []models.Citation, error) {
	grounding, candidates, err := s.retrieve(ctx, query, documentIDs)
	if err != nil {
		return "", nil, err
	}

	userPrompt := s.buildPrompt(grounding, history, query)
	answer, err := s.generateWithRetry(ctx, userPrompt)
	if err != nil {
		return "", nil, err
	}
	return answer, extractCitations(answer, candidates), nil
}

// SendMessage persists the user turn, generates a grounded answer for a
// session's document, and persists the assistant turn with its citations.
func (s *ChatService) SendMessage(ctx context.Context, sessionID, content string) (*models.ChatMessage, error) {
	session, history, err := s.beginTurn(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	answer, citations, err := s.Answer(ctx, content, []string{session.DocumentID}, history)
	if err != nil {
		return nil, err
	}
	return s.finishTurn(ctx, sessionID, answer, citations)
}

// StreamMessage is the streaming variant of SendMessage. Filtered answer
// fragments are sent to out as they arrive; out is closed when the stream
// ends. The user message is persisted before generation starts and the
// assistant message after it completes, so a crash mid-stream leaves the
// user turn recorded but no answer.
func (s *ChatService) StreamMessage(ctx context.Context, sessionID, content string, out chan<- string) (*models.ChatMessage, error) {
	defer close(out)

	session, history, err := s.beginTurn(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	grounding, candidates, err := s.retrieve(ctx, content, []string{session.DocumentID})
	if err != nil {
		return nil, err
	}
	userPrompt := s.buildPrompt(grounding, history, content)

	answer, err := s.streamWithRetry(ctx, userPrompt, out)
	if err != nil {
		return nil, err
	}
	return s.finishTurn(ctx, sessionID, answer, extractCitations(answer, candidates))
}

// beginTurn loads the session and its history window, then records the
// user message before any generation work begins.
func (s *ChatService) beginTurn(ctx context.Context, sessionID, content string) (*models.ChatSession, []models.ChatMessage, error) {
	session, err := s.db.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, ErrSessionNotFound
	}

	history, err := s.db.ListSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}

	userMsg := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.db.InsertChatMessage(ctx, userMsg); err != nil {
		return nil, nil, err
	}
	return session, history, nil
}

func (s *ChatService) finishTurn(ctx context.Context, sessionID, answer string, citations []models.Citation) (*models.ChatMessage, error) {
	assistantMsg := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      "assistant",
		Content:   answer,
		Citations: citations,
		CreatedAt: time.Now(),
	}
	if err := s.db.InsertChatMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

// retrieve runs single- or multi-document search and assembles the
// grounding context, tagging each chunk so the model can cite it.
func (s *ChatService) retrieve(ctx context.Context, query string, documentIDs []string) (string, []models.Citation, error) {
	var (
		results []vectorstore.Result
		err     error
	)
	if len(documentIDs) == 1 {
		results, err = s.store.Search(ctx, query, documentIDs[0], s.topK)
	} else {
		results, err = s.store.SearchMulti(ctx, query, documentIDs, s.topK)
	}
	if err != nil {
		return "", nil, err
	}

	labels := make(map[string]string, len(documentIDs))
	for _, id := range documentIDs {
		doc, err := s.db.GetDocumentByID(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if doc != nil {
			labels[id] = documentLabel(doc)
		}
	}

	parts := make([]string, 0, len(results))
	candidates := make([]models.Citation, 0, len(results))
	for _, r := range results {
		label := labels[r.Chunk.DocumentID]
		parts = append(parts, fmt.Sprintf("[%s - Page %d]\n%s", label, r.Chunk.PageNumber, r.Chunk.Content))
		candidates = append(candidates, models.Citation{
			DocumentID: r.Chunk.DocumentID,
			Label:      label,
			PageNumber: r.Chunk.PageNumber,
			Text:       snippet(r.Chunk.Content, 200),
			Score:      r.Score,
		})
	}
	return strings.Join(parts, "\n\n---\n\n"), candidates, nil
}

// buildPrompt renders the bounded conversation window and the grounded
// question into a single user prompt.
func (s *ChatService) buildPrompt(grounding string, history []models.ChatMessage, query string) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, msg := range history {
			role := "User"
			if msg.Role == "assistant" {
				role = "Assistant"
			}
			b.WriteString(role)
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Context from the documents:\n\n")
	b.WriteString(grounding)
	b.WriteString("\n\n---\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nPlease provide a thorough answer with page citations.")
	return b.String()
}

func (s *ChatService) generateWithRetry(ctx context.Context, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(generationBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		answer, err := s.llm.Generate(ctx, chatSystemPrompt, userPrompt)
		if err == nil && strings.TrimSpace(answer) == "" {
			err = core.ErrEmptyGeneration
		}
		if err == nil {
			return answer, nil
		}
		if !core.IsTransientGeneration(err) {
			return "", err
		}
		lastErr = err
		log.Printf("generation attempt %d/%d failed: %v", attempt+1, maxGenerationAttempts, err)
	}
	return "", lastErr
}

// streamWithRetry drives one streaming generation, filtering the
// reasoning block before anything reaches out. Retries only while no
// output has been emitted yet; once the caller has seen bytes, a failure
// is final.
func (s *ChatService) streamWithRetry(ctx context.Context, userPrompt string, out chan<- string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(generationBackoffBase << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		answer, emitted, err := s.streamOnce(ctx, userPrompt, out)
		if err == nil && strings.TrimSpace(answer) == "" {
			err = core.ErrEmptyGeneration
		}
		if err == nil {
			return answer, nil
		}
		if emitted || !core.IsTransientGeneration(err) {
			return "", err
		}
		lastErr = err
		log.Printf("streaming generation attempt %d/%d failed: %v", attempt+1, maxGenerationAttempts, err)
	}
	return "", lastErr
}

func (s *ChatService) streamOnce(ctx context.Context, userPrompt string, out chan<- string) (string, bool, error) {
	deltas := make(chan string, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.llm.GenerateStream(ctx, chatSystemPrompt, userPrompt, deltas)
	}()

	var (
		filter  ReasoningFilter
		full    strings.Builder
		emitted bool
	)
	emit := func(text string) {
		if text == "" {
			return
		}
		full.WriteString(text)
		emitted = true
		select {
		case out <- text:
		case <-ctx.Done():
		}
	}

	for delta := range deltas {
		emit(filter.Feed(delta))
	}
	emit(filter.Flush())

	if err := <-errCh; err != nil {
		return "", emitted, err
	}
	return full.String(), emitted, nil
}

func documentLabel(doc *models.Document) string {
	if doc.CompanyName != "" {
		return doc.CompanyName
	}
	return doc.FileName
}

func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

// ErrSessionNotFound is returned when a chat session id is unknown.
var ErrSessionNotFound = errors.New("chat session not found")
