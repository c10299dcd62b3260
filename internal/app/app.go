package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/equitylens/equitylens/internal/config"
	"github.com/equitylens/equitylens/internal/core"
	db "github.com/equitylens/equitylens/internal/core/database"
	"github.com/equitylens/equitylens/internal/core/ingestion_engine"
	"github.com/equitylens/equitylens/internal/core/llm"
	objectclient "github.com/equitylens/equitylens/internal/core/object-client"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/services"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Ingestor     *ingestion_engine.DocumentIngestor
	Store        *vectorstore.Store
	Server       *Server

	cfg      *config.Config
	embedder *llm.GeminiEmbedder
	llm      *llm.GeminiLLM
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object client initialized and ready.")

	geminiEmbedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the LLM provider, %w", err)
	}

	store := vectorstore.NewStore(dbClient, geminiEmbedder)

	ingCfg := &ingestion_engine.IngestConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MaxPages:     cfg.MaxPages,
		BatchSize:    cfg.EmbedBatchSize,
		Concurrency:  cfg.EmbedConcurrency,
		EmbedDim:     cfg.EmbedDim,
	}
	docIngestor := ingestion_engine.NewDocumentIngestor(dbClient, objClient, geminiEmbedder, store, ingCfg)

	userService := services.NewUserService(dbClient)
	chatService := services.NewChatService(dbClient, llmProvider, store, cfg.TopK, cfg.HistoryWindow)
	reportService := services.NewReportService(dbClient, llmProvider, store)
	analysisService := services.NewAnalysisService(dbClient, llmProvider, cfg.GenModel)

	server := NewServer(cfg, &Services{
		Users:    userService,
		Chat:     chatService,
		Reports:  reportService,
		Analyses: analysisService,
		DB:       dbClient,
		Objects:  objClient,
		Ingestor: docIngestor,
		Store:    store,
	})

	return &App{
		DBClient:     dbClient,
		ObjectClient: objClient,
		Ingestor:     docIngestor,
		Store:        store,
		Server:       server,
		cfg:          cfg,
		embedder:     geminiEmbedder,
		llm:          llmProvider,
	}, nil
}

// Run recovers unfinished documents, starts the ingestion worker and the
// stuck-job sweeper, then serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	// The worker starts before recovery so a large backlog of unfinished
	// documents cannot block on the bounded job queue; HTTP comes up
	// last, so recovered jobs are queued ahead of any new upload.
	a.Ingestor.Start(ctx)
	if err := a.Ingestor.RecoverPending(ctx); err != nil {
		log.Printf("startup recovery: %v", err)
	}
	a.Ingestor.StartStuckSweeper(ctx, a.cfg.StuckJobAge, a.cfg.StuckJobAge/2)

	go a.Server.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Server.Shutdown(shutdownCtx)
}

func (a *App) Close() {
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.llm != nil {
		_ = a.llm.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
