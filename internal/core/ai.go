package core

import "context"

// EmbeddingProvider turns texts into fixed-dimension vectors.
// Implementations must preserve order: one vector per input text.
// A batch either succeeds wholesale or fails wholesale.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLMProvider drives the text-generation capability.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// GenerateStream writes incremental text fragments to out and closes it
	// when the stream ends. Returns a *GenerationError on failure so callers
	// can distinguish transient from fatal.
	GenerateStream(ctx context.Context, systemPrompt, userPrompt string, out chan<- string) error
}
