package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// contentGenerator is the slice of the Gemini models service we use.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient produces JSON completions with Google's Gemini API.
type GeminiClient struct {
	models    contentGenerator
	model     string
	maxTokens int
	timeout   time.Duration
}

var _ Generator = (*GeminiClient)(nil)

// NewGeminiClient initializes a Gemini-backed client. The API key falls back to GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", cfg.Model, "timeout", cfg.Timeout)
	return &GeminiClient{
		models:    client.Models,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.model }

// GenerateJSON asks Gemini for a JSON object.
func (c *GeminiClient) GenerateJSON(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	config := &gemini.GenerateContentConfig{
		SystemInstruction: gemini.NewContentFromText(req.System, gemini.RoleUser),
		Temperature:       gemini.Ptr(float32(req.Temperature)),
		MaxOutputTokens:   int32(c.maxTokens),
		ResponseMIMEType:  "application/json",
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, gemini.Text(req.User), config)
	if err != nil {
		slog.Warn("GeminiClient.GenerateJSON: generation failed", "model", c.model, "error", err, "elapsed", time.Since(start))
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("GeminiClient.GenerateJSON: generation received", "model", c.model, "elapsed", time.Since(start))
	return extractOrFail(resp.Text())
}
