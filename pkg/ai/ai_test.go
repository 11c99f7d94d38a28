package ai

import (
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
)

func TestEmbeddingText(t *testing.T) {
	tests := []struct {
		name string
		node common.Node
		want string
	}{
		{name: "full", node: common.Node{Name: "Acme", Type: "ORG", Description: "a company"}, want: "Acme\nORG\na company"},
		{name: "unknown type", node: common.Node{Name: "Acme", Type: common.UnknownType}, want: "Acme"},
		{name: "empty", node: common.Node{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EmbeddingText(tt.node); got != tt.want {
				t.Fatalf("EmbeddingText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitBlank(t *testing.T) {
	idx, texts, out := SplitBlank([]string{"a", "  ", "b", ""}, 2)
	if !reflect.DeepEqual(idx, []int{0, 2}) {
		t.Fatalf("unexpected idx %v", idx)
	}
	if !reflect.DeepEqual(texts, []string{"a", "b"}) {
		t.Fatalf("unexpected texts %v", texts)
	}
	if len(out) != 4 || out[0] != nil || len(out[1]) != 2 || len(out[3]) != 2 {
		t.Fatalf("unexpected out %v", out)
	}
}

func TestFitDimensions(t *testing.T) {
	if got := FitDimensions([]float64{1, 2, 3}, 2); !reflect.DeepEqual(got, []float32{1, 2}) {
		t.Fatalf("expected truncation, got %v", got)
	}
	if got := FitDimensions([]float32{1}, 3); !reflect.DeepEqual(got, []float32{1, 0, 0}) {
		t.Fatalf("expected padding, got %v", got)
	}
}

func TestMetricsTracker(t *testing.T) {
	var m MetricsTracker
	m.Add(ModelMetrics{Requests: 1, InputTokens: 10, TotalTokens: 10, DurationMs: 500})
	m.Add(ModelMetrics{Requests: 1, InputTokens: 10, TotalTokens: 10, DurationMs: 500})
	got := m.Get()
	if got.Requests != 2 || got.TotalTokens != 20 || got.TokenPerSecond != 20 {
		t.Fatalf("unexpected metrics %+v", got)
	}
	m.Reset()
	if m.Get() != (ModelMetrics{}) {
		t.Fatalf("expected reset metrics, got %+v", m.Get())
	}
}
