package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/equitylens/equitylens/internal/api/handlers"
	appMiddleware "github.com/equitylens/equitylens/internal/api/middlewares"
	"github.com/equitylens/equitylens/internal/config"
	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/core/ingestion_engine"
	"github.com/equitylens/equitylens/internal/core/vectorstore"
	"github.com/equitylens/equitylens/internal/services"
)

// Services bundles everything the route table needs.
type Services struct {
	Users    *services.UserService
	Chat     *services.ChatService
	Reports  *services.ReportService
	Analyses *services.AnalysisService
	DB       core.DbClient
	Objects  core.ObjectClient
	Ingestor *ingestion_engine.DocumentIngestor
	Store    *vectorstore.Store
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, svc *Services) *Server {
	authHandler := handlers.NewAuthHandler(svc.Users, cfg.JWTSecret)
	docHandler := handlers.NewDocumentHandler(svc.DB, svc.Objects, svc.Ingestor, svc.Store, cfg)
	chatHandler := handlers.NewChatHandler(svc.Chat)
	searchHandler := handlers.NewSearchHandler(svc.Store, cfg.TopK)
	reportHandler := handlers.NewReportHandler(svc.Reports)
	analysisHandler := handlers.NewAnalysisHandler(svc.Analyses)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// Generation and report endpoints can legitimately run long; the
	// timeout has to cover a full retry cycle.
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/signup", authHandler.Signup)
		api.Post("/login", authHandler.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWT(cfg.JWTSecret))

			protected.Post("/documents/upload", docHandler.UploadDocument)
			protected.Get("/documents", docHandler.GetDocuments)
			protected.Get("/documents/queue/status", docHandler.GetQueueStatus)
			protected.Get("/documents/{document_id}/status", docHandler.GetDocumentStatus)
			protected.Post("/documents/{document_id}/reprocess", docHandler.ReprocessDocument)
			protected.Delete("/documents/{document_id}", docHandler.DeleteDocument)

			protected.Get("/documents/{document_id}/sessions", chatHandler.ListDocumentSessions)
			protected.Post("/chat/sessions", chatHandler.CreateSession)
			protected.Get("/chat/sessions/{session_id}", chatHandler.GetSessionMessages)
			protected.Post("/chat/sessions/{session_id}/messages", chatHandler.SendMessage)
			protected.Post("/chat/sessions/{session_id}/stream", chatHandler.StreamMessage)
			protected.Post("/chat/quick", chatHandler.QuickChat)

			protected.Post("/search", searchHandler.Search)
			protected.Post("/documents/{document_id}/preload", searchHandler.Preload)
			protected.Get("/documents/{document_id}/cached", searchHandler.IsCached)

			protected.Post("/reports", reportHandler.GenerateReport)
			protected.Get("/reports/{report_id}", reportHandler.GetReport)

			protected.Post("/documents/{document_id}/analyze", analysisHandler.AnalyzeDocument)
			protected.Get("/documents/{document_id}/analysis", analysisHandler.GetLatestAnalysis)
			protected.Get("/documents/{document_id}/pois", analysisHandler.GetDocumentPOIs)
			protected.Get("/analyses/{analysis_id}", analysisHandler.GetAnalysis)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
