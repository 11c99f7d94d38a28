package ai

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
)

// Embedder turns texts into fixed size vectors. Implementations return one
// vector of Dimensions() values per input, in input order. Blank inputs map
// to the zero vector without a request.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dimensions() int
}

// ModelMetrics contains performance metrics from embedding requests.
type ModelMetrics struct {
	Requests       int     `json:"requests"`
	InputTokens    int     `json:"input_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// MetricsTracker accumulates ModelMetrics. The zero value is ready to use.
type MetricsTracker struct {
	mu      sync.Mutex
	metrics ModelMetrics
}

// Add folds m into the accumulated metrics.
func (t *MetricsTracker) Add(m ModelMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.Requests += m.Requests
	t.metrics.InputTokens += m.InputTokens
	t.metrics.TotalTokens += m.TotalTokens
	t.metrics.DurationMs += m.DurationMs

	if t.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(t.metrics.TotalTokens) * 1000.0) / float64(t.metrics.DurationMs)
		t.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}

// Get returns the accumulated metrics since the last reset.
func (t *MetricsTracker) Get() ModelMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// Reset clears all accumulated metrics.
func (t *MetricsTracker) Reset() {
	t.mu.Lock()
	t.metrics = ModelMetrics{}
	t.mu.Unlock()
}

// EmbeddingText is the text embedded for a node: its name, type and
// description, one per line.
func EmbeddingText(n common.Node) string {
	parts := make([]string, 0, 3)
	if n.Name != "" {
		parts = append(parts, n.Name)
	}
	if !common.IsUnknownType(n.Type) {
		parts = append(parts, n.Type)
	}
	if n.Description != "" {
		parts = append(parts, n.Description)
	}
	return strings.Join(parts, "\n")
}

// SplitBlank separates blank inputs from the ones that need a request. out
// has one entry per input; blank entries are already set to the zero vector
// and idx maps each element of texts to its position in out.
func SplitBlank(inputs []string, dim int) (idx []int, texts []string, out [][]float32) {
	idx = make([]int, 0, len(inputs))
	texts = make([]string, 0, len(inputs))
	out = make([][]float32, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idx = append(idx, i)
		texts = append(texts, in)
	}
	return idx, texts, out
}

// FitDimensions truncates or zero pads vec to dim values.
func FitDimensions[T float32 | float64](vec []T, dim int) []float32 {
	out := make([]float32, dim)
	for i := 0; i < dim && i < len(vec); i++ {
		out[i] = float32(vec[i])
	}
	return out
}
