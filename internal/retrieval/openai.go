package retrieval

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultEmbeddingDimensions matches the index's vector size.
const DefaultEmbeddingDimensions = 1024

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder builds an embedder. An empty model selects text-embedding-3-large.
// A non-empty baseURL overrides the API endpoint.
func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	m := openai.LargeEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      m,
		dimensions: DefaultEmbeddingDimensions,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}
