package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Client is the language-model surface the reconciliation jobs use.
type Client interface {
	// Embed returns a vector representation of text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// CompleteJSON sends prompt and decodes the model's JSON answer into out.
	CompleteJSON(ctx context.Context, prompt string, out any) error
}

var (
	ErrNotConfigured = errors.New("llm: not configured")
	ErrEmptyResponse = errors.New("llm: empty response")
)

const (
	DefaultModel          = "gemini-2.0-flash"
	DefaultEmbeddingModel = "text-embedding-004"
	DefaultTimeout        = 30 * time.Second
)

type GeminiConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	// Timeout bounds every request; zero uses DefaultTimeout.
	Timeout time.Duration
}

// GeminiClient talks to Gemini through the genai SDK.
type GeminiClient struct {
	genaiClient    *genai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &GeminiClient{
		genaiClient:    genaiClient,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        cfg.Timeout,
	}, nil
}

func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.genaiClient.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil || len(res.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyResponse
	}
	return res.Embeddings[0].Values, nil
}

func (g *GeminiClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(
			"You analyse phone call transcripts. Answer with JSON only.",
			genai.RoleUser,
		),
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}
	result, err := g.genaiClient.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return fmt.Errorf("failed to generate content: %w", err)
	}
	return decodeJSON(result.Text(), out)
}

// decodeJSON tolerates a fenced ```json block around the answer.
func decodeJSON(text string, out any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("llm: decode answer: %w", err)
	}
	return nil
}

// WithTimeout bounds every call on c by d. A non-positive d returns c unchanged.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return boundedClient{next: c, timeout: d}
}

type boundedClient struct {
	next    Client
	timeout time.Duration
}

func (b boundedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.Embed(ctx, text)
}

func (b boundedClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.next.CompleteJSON(ctx, prompt, out)
}
