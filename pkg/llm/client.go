// Package llm wraps the Gemini API behind the three narrow capabilities the
// pipeline needs: text embedding, text generation, and image-grounded
// generation. One Client is constructed at startup and shared; the underlying
// SDK session is safe for concurrent use.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/narrativelab/threadscope/pkg/config"
)

// EmbeddingDim is the registry vector dimension. The match RPC and the
// narrative_phenomena column are fixed at this width; a model returning
// anything else is a deployment error.
const EmbeddingDim = 768

// Client is the process-wide Gemini client.
type Client struct {
	genai *genai.Client
	cfg   config.LLMConfig
}

// NewClient constructs the client from configuration. A missing API key is a
// hard startup failure; the pipeline never silently runs without a model.
func NewClient(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	slog.Info("LLM client initialized",
		"chat_model", cfg.ChatModel,
		"vision_model", cfg.VisionModel,
		"embed_model", cfg.EmbedModel)
	return &Client{genai: gc, cfg: cfg}, nil
}

// Embed returns the 768-dimensional embedding of text. A dimension mismatch
// from the provider is returned as an error rather than propagated into the
// registry.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	dim := int32(EmbeddingDim)
	result, err := c.genai.Models.EmbedContent(ctx, c.cfg.EmbedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding response was empty")
	}
	vec := result.Embeddings[0].Values
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), EmbeddingDim)
	}
	return vec, nil
}

// EmbedBatch embeds each text in order. Entries that are empty after trimming
// come back as nil vectors so callers keep index alignment with their inputs.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		out[i] = vec
	}
	return out, nil
}

// Generate produces a text completion for prompt under an optional system
// instruction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.ChatModel,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("chat generation failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("chat response contained no text")
	}
	return text, nil
}

// GenerateWithImage produces a completion grounded on one image. Used by both
// vision stages; the prompt decides whether the call is the cheap V1
// classification or the full V2 extraction.
func (c *Client) GenerateWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("cannot run vision on empty image")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	content := &genai.Content{
		Role: string(genai.RoleUser),
		Parts: []*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mimeType),
		},
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.VisionModel,
		[]*genai.Content{content},
		&genai.GenerateContentConfig{Temperature: genai.Ptr(c.cfg.Temperature)})
	if err != nil {
		return "", fmt.Errorf("vision generation failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("vision response contained no text")
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// IsRateLimited reports whether err looks like provider throttling. The batch
// runner's circuit breaker keys off this classification.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "quota", "overloaded", "resource_exhausted"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Throttle sleeps until at least min has passed since last, respecting
// context cancellation. The analyst uses it to space model calls.
func Throttle(ctx context.Context, last time.Time, min time.Duration) error {
	wait := min - time.Since(last)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
