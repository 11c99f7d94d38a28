package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions = 4096
	defaultTimeout    = time.Minute
)

// Embedder implements ai.Embedder using a (possibly remote) Ollama server.
type Embedder struct {
	model   string
	dim     int
	timeout time.Duration

	reqLock *semaphore.Weighted
	metrics ai.MetricsTracker

	Client *api.Client
}

var _ ai.Embedder = (*Embedder)(nil)

// Params contains configuration options for creating a new Embedder.
type Params struct {
	Model   string
	BaseURL string
	ApiKey  string

	Dimensions            int
	MaxConcurrentRequests int64
	Timeout               time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewEmbedder creates an Ollama backed embedder. It connects to the server
// at BaseURL, or the environment default (OLLAMA_HOST) if empty.
func NewEmbedder(params Params) (*Embedder, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("ollama: embedding model is required")
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

	var cli *api.Client
	if params.BaseURL != "" {
		u, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
		httpClient := http.DefaultClient
		if params.ApiKey != "" {
			httpClient = &http.Client{
				Transport: &headerTransport{
					headers: map[string]string{
						"Authorization": "Bearer " + params.ApiKey,
					},
					rt: http.DefaultTransport,
				},
			}
		}
		cli = api.NewClient(u, httpClient)
	} else {
		var err error
		cli, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	return &Embedder{
		model:   params.Model,
		dim:     params.Dimensions,
		timeout: params.Timeout,
		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),
		Client:  cli,
	}, nil
}

func (e *Embedder) Dimensions() int {
	return e.dim
}

// Metrics returns the accumulated usage since the last reset.
func (e *Embedder) Metrics() ai.ModelMetrics {
	return e.metrics.Get()
}

// Embed creates embeddings for all non-blank inputs with one embed request.
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

	res, err := e.Client.Embed(rCtx, &api.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Add(ai.ModelMetrics{
		Requests:    1,
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(texts))
	}
	for i, vec := range res.Embeddings {
		out[idx[i]] = ai.FitDimensions(vec, e.dim)
	}
	return out, nil
}
