package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/option"
)

func TestEmbed_MapsBlankInputsAndOrder(t *testing.T) {
	var gotInputs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInputs = req.Input
		w.Header().Set("Content-Type", "application/json")
		// Returned out of order on purpose.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "m",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1, 0]},
				{"object": "embedding", "index": 0, "embedding": [1, 0, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	e, err := NewEmbedder(Params{
		Model:          "m",
		APIKey:         "k",
		BaseURL:        srv.URL,
		Dimensions:     2,
		RequestOptions: []option.RequestOption{option.WithMaxRetries(0)},
	})
	if err != nil {
		t.Fatalf("NewEmbedder failed: %v", err)
	}

	out, err := e.Embed(context.Background(), []string{"a", " ", "b"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(gotInputs) != 2 || gotInputs[0] != "a" || gotInputs[1] != "b" {
		t.Fatalf("expected only non-blank inputs to be sent, got %v", gotInputs)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(out))
	}
	if out[0][0] != 1 || out[2][1] != 1 {
		t.Fatalf("vectors not mapped back to inputs: %v", out)
	}
	if len(out[1]) != 2 || out[1][0] != 0 || out[1][1] != 0 {
		t.Fatalf("expected zero vector for blank input, got %v", out[1])
	}
	if m := e.Metrics(); m.Requests != 1 || m.TotalTokens != 4 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNewEmbedder_RequiresModelAndKey(t *testing.T) {
	if _, err := NewEmbedder(Params{APIKey: "k"}); err == nil {
		t.Fatal("expected error without model")
	}
	if _, err := NewEmbedder(Params{Model: "m"}); err == nil {
		t.Fatal("expected error without key")
	}
}
