// Package embedding provides the Ollama-backed Embedder and synthesis
// Oracle used by the lifecycle engine and the batch jobs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/memory"
)

// Client handles embedding generation and text synthesis via Ollama.
type Client struct {
	baseURL         string
	model           string
	generationModel string
	client          *http.Client
}

// NewClient creates a new Ollama client.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	return &Client{
		baseURL:         baseURL,
		model:           model,
		generationModel: "llama3.2", // fast, available by default
		client: &http.Client{
			Timeout: 60 * time.Second, // generation can take longer
		},
	}
}

// SetGenerationModel changes the model used for text synthesis.
func (c *Client) SetGenerationModel(model string) {
	c.generationModel = model
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.model, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a text completion using Ollama.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	var result generateResponse
	if err := c.post(ctx, "/api/generate", generateRequest{Model: c.generationModel, Prompt: prompt, Stream: false}, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// Synthesize condenses a record's current description plus its notes into a
// fresh one-sentence description. Implements the consolidation Oracle.
func (c *Client) Synthesize(ctx context.Context, kind memory.Kind, current string, notes []string) (string, error) {
	if current == "" && len(notes) == 0 {
		return "", fmt.Errorf("nothing to synthesize")
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Condense the following into a single-sentence description of a %s in a personal knowledge graph.

Guidelines:
- Keep names, dates, and concrete facts
- Prefer newer information over older when they conflict
- Output ONLY the sentence, no commentary

`, kind)
	if current != "" {
		fmt.Fprintf(&b, "Current description: %s\n", current)
	}
	if len(notes) > 0 {
		b.WriteString("Notes in date order:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	b.WriteString("\nDescription:")

	out, err := c.Generate(ctx, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
