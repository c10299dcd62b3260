package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	AIAPIKey     string
	EmbedModel   string
	// EmbedDim must match the dimensionality EmbedModel produces and the
	// width of the document_chunks embedding column (768 for
	// text-embedding-004).
	EmbedDim  int
	GenModel  string
	Port      string
	JWTSecret string

	// Ingestion pipeline tuning.
	MaxPages         int
	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedConcurrency int
	MaxFileSizeMB    int
	StuckJobAge      time.Duration

	// Retrieval / chat tuning.
	TopK          int
	HistoryWindow int
}

// LoadConfig loads the environment variables and returns config.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "equitylens-docs"),
		AIAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:     getEnvInt("EMBED_DIM", 768),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		GenModel:     getEnv("GEN_MODEL", "gemini-1.5-flash"),
		Port:         getEnv("PORT", "8080"),

		MaxPages:         getEnvInt("MAX_PAGES", 300),
		ChunkSize:        getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", 200),
		EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 20),
		EmbedConcurrency: getEnvInt("EMBED_CONCURRENCY", 4),
		MaxFileSizeMB:    getEnvInt("MAX_FILE_SIZE_MB", 50),
		StuckJobAge:      time.Duration(getEnvInt("STUCK_JOB_AGE_MINUTES", 30)) * time.Minute,

		TopK:          getEnvInt("RETRIEVAL_TOP_K", 10),
		HistoryWindow: getEnvInt("CHAT_HISTORY_WINDOW", 10),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}
