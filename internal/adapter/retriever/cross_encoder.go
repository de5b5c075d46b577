package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"ragkb/internal/port"
)

var (
	_ port.Reranker = (*CohereReranker)(nil)
	_ port.Reranker = (*OverlapReranker)(nil)
)

const (
	defaultCohereURL = "https://api.cohere.ai/v1"
	cohereMaxDocs    = 1000
)

// CohereReranker calls a Cohere-compatible /rerank endpoint.
type CohereReranker struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type cohereRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

type cohereRerankResponse struct {
	Results []cohereRerankResult `json:"results"`
}

type cohereRerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

func NewCohereReranker(apiKeyEnv, model string, timeout time.Duration) (*CohereReranker, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	if model == "" {
		model = "rerank-english-v3.0"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CohereReranker{apiKey: apiKey, model: model, baseURL: defaultCohereURL, client: &http.Client{Timeout: timeout}}, nil
}

// WithBaseURL points the reranker at a compatible endpoint.
func (r *CohereReranker) WithBaseURL(url string) *CohereReranker {
	r.baseURL = url
	return r
}

// Rerank scores every document. Candidate sets larger than one request are
// sent in consecutive windows and merged; cross-encoder scores are per pair.
func (r *CohereReranker) Rerank(ctx context.Context, query string, documents []string) ([]port.RerankedResult, error) {
	results := make([]port.RerankedResult, 0, len(documents))
	for offset := 0; offset < len(documents); offset += cohereMaxDocs {
		window := documents[offset:min(offset+cohereMaxDocs, len(documents))]
		scored, err := r.rerankWindow(ctx, query, window)
		if err != nil {
			return nil, fmt.Errorf("rerank documents %d-%d: %w", offset, offset+len(window)-1, err)
		}
		for _, res := range scored {
			results = append(results, port.RerankedResult{Index: offset + res.Index, Score: res.RelevanceScore})
		}
	}
	sortReranked(results)
	return results, nil
}

func (r *CohereReranker) rerankWindow(ctx context.Context, query string, documents []string) ([]cohereRerankResult, error) {
	payload, err := json.Marshal(cohereRerankRequest{Query: query, Documents: documents, Model: r.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, msg)
	}
	var out cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	seen := make(map[int]bool, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(documents) || seen[res.Index] {
			return nil, fmt.Errorf("reranker returned invalid index %d", res.Index)
		}
		seen[res.Index] = true
	}
	return out.Results, nil
}

func (r *CohereReranker) ModelName() string {
	return r.model
}

// OverlapReranker scores each document by the share of distinct query terms
// it contains. It needs no model and is deterministic.
type OverlapReranker struct {
	tokenizer port.Tokenizer
}

func NewOverlapReranker(tokenizer port.Tokenizer) *OverlapReranker {
	return &OverlapReranker{tokenizer: tokenizer}
}

func (r *OverlapReranker) Rerank(ctx context.Context, query string, documents []string) ([]port.RerankedResult, error) {
	queryTerms := uniqueTokens(r.tokenizer.Tokenize(query))

	results := make([]port.RerankedResult, len(documents))
	for i, doc := range documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = port.RerankedResult{Index: i, Score: r.overlap(queryTerms, doc)}
	}
	sortReranked(results)
	return results, nil
}

func (r *OverlapReranker) overlap(queryTerms []string, doc string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := make(map[string]struct{})
	for _, t := range r.tokenizer.Tokenize(doc) {
		docTerms[t] = struct{}{}
	}
	matches := 0
	for _, term := range queryTerms {
		if _, ok := docTerms[term]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}

func (r *OverlapReranker) ModelName() string {
	return "term-overlap"
}

// sortReranked orders by score, keeping the incoming order on ties.
func sortReranked(results []port.RerankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
}
