package vector

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder produces embeddings through the OpenAI API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder returns nil when no API key is configured; callers
// treat a nil embedder as "vector subsystem disabled".
func NewOpenAIEmbedder(apiKey, model string, dimensions int) *OpenAIEmbedder {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed returns the vector for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response empty")
	}
	return resp.Data[0].Embedding, nil
}

// Dimensions returns the configured vector width.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }
