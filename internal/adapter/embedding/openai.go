package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var _ port.Embedder = (*OpenAIEmbedder)(nil)

const defaultBatchSize = 100

// OpenAIEmbedder talks to any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	endpoint  string
	dimension int
	// sendDimensions asks the server to shorten vectors; Ollama rejects it.
	sendDimensions bool
	batchSize      int
	client         *http.Client
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StatusError is a non-200 answer from the embedding service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding service returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether retrying the same request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

func NewOpenAIEmbedder(apiKeyEnv, model string, dimension int) (*OpenAIEmbedder, error) {
	return NewOpenAICompatibleEmbedder(apiKeyEnv, model, "https://api.openai.com/v1", dimension)
}

// NewOllamaEmbedder needs no API key. dimension must match the model.
func NewOllamaEmbedder(model, baseURL string, dimension int) (*OpenAIEmbedder, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	e, err := newEmbedder("ollama", model, baseURL, dimension, 120*time.Second)
	if err != nil {
		return nil, err
	}
	e.sendDimensions = false
	return e, nil
}

// NewOpenAICompatibleEmbedder reads the API key from apiKeyEnv. dimension is
// the deployment's fixed vector size; responses of any other size fail.
func NewOpenAICompatibleEmbedder(apiKeyEnv, model, baseURL string, dimension int) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	return newEmbedder(apiKey, model, baseURL, dimension, 60*time.Second)
}

func newEmbedder(apiKey, model, baseURL string, dimension int, timeout time.Duration) (*OpenAIEmbedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if model == "" {
		return nil, fmt.Errorf("embedding model must be set")
	}
	return &OpenAIEmbedder{
		apiKey:         apiKey,
		model:          model,
		endpoint:       baseURL + "/embeddings",
		dimension:      dimension,
		sendDimensions: true,
		batchSize:      defaultBatchSize,
		client:         &http.Client{Timeout: timeout},
	}, nil
}

// WithBatchSize bounds the number of inputs per request.
func (e *OpenAIEmbedder) WithBatchSize(n int) *OpenAIEmbedder {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// Embed sends texts in batches and returns vectors in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		batch := texts[start:min(start+e.batchSize, len(texts))]
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch at %d: %w", start, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := embeddingRequest{Input: texts, Model: e.model}
	if e.sendDimensions {
		payload.Dimensions = e.dimension
	}
	body, err := e.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response (body: %s): %w", preview(body), err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("embedding service error: %s", resp.Error.Message)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		switch {
		case v == nil:
			return nil, fmt.Errorf("response is missing embedding %d of %d", i, len(texts))
		case len(v) != e.dimension:
			return nil, fmt.Errorf("%w: model %s returned %d, configured %d", domain.ErrDimensionMismatch, e.model, len(v), e.dimension)
		}
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) post(ctx context.Context, payload embeddingRequest) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: preview(body)}
	}
	return body, nil
}

func preview(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}
