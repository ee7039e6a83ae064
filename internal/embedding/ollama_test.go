package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calder/mnemo/internal/memory"
)

func TestEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotModel, gotPrompt = req.Model, req.Prompt
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-model")
	emb, err := client.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 3 || emb[1] != 0.2 {
		t.Errorf("got embedding %v", emb)
	}
	if gotModel != "test-model" || gotPrompt != "hello world" {
		t.Errorf("request model=%q prompt=%q", gotModel, gotPrompt)
	}
}

func TestEmbedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.Embed(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := client.Embed(context.Background(), "text"); err == nil {
		t.Error("expected error for empty embedding in response")
	}
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.Embed(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error should carry status: %v", err)
	}
}

func TestSynthesize(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		if req.Model != "gen-model" {
			t.Errorf("generation model %q", req.Model)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "  A condensed description.\n", Done: true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	client.SetGenerationModel("gen-model")

	out, err := client.Synthesize(context.Background(), memory.KindPerson, "old description", []string{"note one", "note two"})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out != "A condensed description." {
		t.Errorf("got %q, want trimmed response", out)
	}
	for _, want := range []string{"person", "old description", "note one", "note two"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSynthesizeEmptyInput(t *testing.T) {
	client := NewClient("http://localhost:1", "")
	if _, err := client.Synthesize(context.Background(), memory.KindConcept, "", nil); err == nil {
		t.Error("expected error when there is nothing to synthesize")
	}
}
