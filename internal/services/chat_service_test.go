package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/models"
)

// fakeDB covers the persistence surface the chat flow touches.
type fakeDB struct {
	core.DbClient

	mu       sync.Mutex
	docs     map[string]*models.Document
	chunks   map[string][]models.DocumentChunk
	sessions map[string]*models.ChatSession
	messages map[string][]models.ChatMessage
	reports  map[string]*models.Report
	analyses map[string]*models.Analysis
	pois     []models.PointOfInterest
	users    map[string]*models.User
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		docs:     make(map[string]*models.Document),
		chunks:   make(map[string][]models.DocumentChunk),
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (f *fakeDB) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDB) GetEmbeddedChunksByDocument(_ context.Context, documentID string) ([]models.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[documentID], nil
}

func (f *fakeDB) CreateChatSession(_ context.Context, session *models.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeDB) GetChatSession(_ context.Context, id string) (*models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDB) ListSessionsByDocument(_ context.Context, documentID string) ([]models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChatSession
	for _, s := range f.sessions {
		if s.DocumentID == documentID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeDB) InsertChatMessage(_ context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], *msg)
	return nil
}

func (f *fakeDB) ListSessionMessages(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.messages[sessionID]...), nil
}

func (f *fakeDB) addCompletedDocument(id, company string, chunks ...models.DocumentChunk) {
	f.docs[id] = &models.Document{
		ID: id, CompanyName: company, FileName: id + ".pdf", Status: models.StatusCompleted,
	}
	f.chunks[id] = chunks
}

// constEmbedder gives every text the same unit vector, making every chunk
// an equally good match; retrieval order then follows chunk order.
type constEmbedder struct{}

func (constEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// scriptedLLM replays queued outcomes, one per generation attempt.
type scriptedLLM struct {
	mu       sync.Mutex
	attempts int
	outcomes []llmOutcome
}

type llmOutcome struct {
	text      string
	fragments []string
	err       error
}

func (l *scriptedLLM) next() llmOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.outcomes[0]
	if len(l.outcomes) > 1 {
		l.outcomes = l.outcomes[1:]
	}
	l.attempts++
	return o
}

func (l *scriptedLLM) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *scriptedLLM) Generate(_ context.Context, _, _ string) (string, error) {
	o := l.next()
	return o.text, o.err
}

func (l *scriptedLLM) GenerateStream(ctx context.Context, _, _ string, out chan<- string) error {
	defer close(out)
	o := l.next()
	for _, frag := range o.fragments {
		select {
		case out <- frag:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.err
}

func chatFixture(llm *scriptedLLM) (*ChatService, *fakeDB) {
	db := newFakeDB()
	db.addCompletedDocument("doc-1", "Acme",
		models.DocumentChunk{ID: "c1", DocumentID: "doc-1", ChunkIndex: 0, PageNumber: 1, Content: "Revenue was $10M.", Embedding: []float32{1, 0}},
		models.DocumentChunk{ID: "c2", DocumentID: "doc-1", ChunkIndex: 1, PageNumber: 2, Content: "Margins expanded.", Embedding: []float32{1, 0}},
	)
	store := vectorstore.NewStore(db, constEmbedder{})
	return NewChatService(db, llm, store, 10, 10), db
}

func TestCreateSessionRequiresProcessedDocument(t *testing.T) {
	db := newFakeDB()
	db.docs["doc-1"] = &models.Document{ID: "doc-1", Status: models.StatusProcessing}
	svc := NewChatService(db, &scriptedLLM{}, vectorstore.NewStore(db, constEmbedder{}), 10, 10)

	_, err := svc.CreateSession(context.Background(), "user", "doc-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be processed")

	_, err = svc.CreateSession(context.Background(), "user", "missing", "")
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)
}

func TestCreateSessionDefaultsTitleToLabel(t *testing.T) {
	llm := &scriptedLLM{}
	svc, db := chatFixture(llm)

	session, err := svc.CreateSession(context.Background(), "user", "doc-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Chat: Acme", session.Title)
	assert.NotNil(t, db.sessions[session.ID])
}

func TestAnswerReturnsOnlyCitedPages(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{text: "Revenue was $10M [Acme - Page 1]."},
	}}
	svc, _ := chatFixture(llm)

	answer, citations, err := svc.Answer(context.Background(), "what was revenue?", []string{"doc-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, answer, "$10M")

	require.Len(t, citations, 1)
	assert.Equal(t, 1, citations[0].PageNumber)
	assert.Equal(t, "Acme", citations[0].Label)
	assert.Equal(t, "doc-1", citations[0].DocumentID)
}

func TestSendMessagePersistsBothTurns(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{text: "Margins expanded [Acme - Page 2]."},
	}}
	svc, db := chatFixture(llm)

	session, err := svc.CreateSession(context.Background(), "user", "doc-1", "Q2 review")
	require.NoError(t, err)

	msg, err := svc.SendMessage(context.Background(), session.ID, "how did margins do?")
	require.NoError(t, err)
	assert.Equal(t, "assistant", msg.Role)
	require.Len(t, msg.Citations, 1)
	assert.Equal(t, 2, msg.Citations[0].PageNumber)

	history, _ := db.ListSessionMessages(context.Background(), session.ID)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "how did margins do?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestSendMessageUnknownSession(t *testing.T) {
	svc, _ := chatFixture(&scriptedLLM{})
	_, err := svc.SendMessage(context.Background(), "nope", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{err: &core.GenerationError{Transient: true, Err: core.ErrEmptyGeneration}},
		{text: "Second try worked [Acme - Page 1]."},
	}}
	svc, _ := chatFixture(llm)

	answer, _, err := svc.Answer(context.Background(), "q", []string{"doc-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, answer, "Second try")
	assert.Equal(t, 2, llm.attemptCount())
}

func TestGenerateDoesNotRetryFatalFailure(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{err: &core.GenerationError{Transient: false, Err: assert.AnError}},
	}}
	svc, _ := chatFixture(llm)

	_, _, err := svc.Answer(context.Background(), "q", []string{"doc-1"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, llm.attemptCount())
}

func TestStreamMessageFiltersReasoningAndPersists(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{fragments: []string{"<thi", "nk>private planning</th", "ink>Margins expanded", " [Acme - Page 2]."}},
	}}
	svc, db := chatFixture(llm)

	session, err := svc.CreateSession(context.Background(), "user", "doc-1", "")
	require.NoError(t, err)

	out := make(chan string, 16)
	msg, err := svc.StreamMessage(context.Background(), session.ID, "margins?", out)
	require.NoError(t, err)

	var streamed string
	for frag := range out {
		streamed += frag
	}
	assert.Equal(t, "Margins expanded [Acme - Page 2].", streamed)
	assert.Equal(t, streamed, msg.Content)
	require.Len(t, msg.Citations, 1)
	assert.Equal(t, 2, msg.Citations[0].PageNumber)

	history, _ := db.ListSessionMessages(context.Background(), session.ID)
	require.Len(t, history, 2)
}

func TestStreamDoesNotRetryAfterOutputEmitted(t *testing.T) {
	llm := &scriptedLLM{outcomes: []llmOutcome{
		{
			fragments: []string{"partial answer that already reached the client"},
			err:       &core.GenerationError{Transient: true, Err: assert.AnError},
		},
		{fragments: []string{"never used"}},
	}}
	svc, db := chatFixture(llm)

	session, err := svc.CreateSession(context.Background(), "user", "doc-1", "")
	require.NoError(t, err)

	out := make(chan string, 16)
	_, err = svc.StreamMessage(context.Background(), session.ID, "q", out)
	require.Error(t, err)
	assert.Equal(t, 1, llm.attemptCount())

	// The user turn is recorded even though the answer failed mid-stream.
	history, _ := db.ListSessionMessages(context.Background(), session.ID)
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)
}
