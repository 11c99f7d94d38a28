package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions = 4096
	defaultTimeout    = time.Minute
)

// Embedder implements ai.Embedder against an OpenAI compatible embeddings
// endpoint.
//
// An Embedder should be created using NewEmbedder.
type Embedder struct {
	model   string
	dim     int
	timeout time.Duration

	reqLock *semaphore.Weighted
	metrics ai.MetricsTracker

	Client *openai.Client
}

var _ ai.Embedder = (*Embedder)(nil)

// Params configures an Embedder. BaseURL may be empty for the public API.
type Params struct {
	Model   string
	BaseURL string
	APIKey  string

	Dimensions            int
	MaxConcurrentRequests int64
	Timeout               time.Duration

	// RequestOptions are appended to the client options, e.g. retries.
	RequestOptions []option.RequestOption
}

// NewEmbedder creates an Embedder.
//
// Example:
//
//	emb, err := openai.NewEmbedder(openai.Params{
//		Model:  "text-embedding-3-small",
//		APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
func NewEmbedder(params Params) (*Embedder, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("openai: embedding model is required")
	}
	if params.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if params.Dimensions <= 0 {
		params.Dimensions = defaultDimensions
	}
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 4
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}

	options := []option.RequestOption{option.WithAPIKey(params.APIKey)}
	if params.BaseURL != "" {
		options = append(options, option.WithBaseURL(params.BaseURL))
	}
	options = append(options, params.RequestOptions...)
	client := openai.NewClient(options...)

	return &Embedder{
		model:   params.Model,
		dim:     params.Dimensions,
		timeout: params.Timeout,
		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),
		Client:  &client,
	}, nil
}

func (e *Embedder) Dimensions() int {
	return e.dim
}

// Metrics returns the accumulated usage since the last reset.
func (e *Embedder) Metrics() ai.ModelMetrics {
	return e.metrics.Get()
}

// Embed creates embeddings for multiple inputs in a single request.
func (e *Embedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	idx, texts, out := ai.SplitBlank(inputs, e.dim)
	if len(texts) == 0 {
		return out, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer e.reqLock.Release(1)

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.model,
	}

	start := time.Now()
	response, err := e.Client.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, err
	}
	e.metrics.Add(ai.ModelMetrics{
		Requests:    1,
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(texts))
	}
	for _, embedding := range response.Data {
		i := int(embedding.Index)
		if i < 0 || i >= len(texts) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		out[idx[i]] = ai.FitDimensions(embedding.Embedding, e.dim)
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
