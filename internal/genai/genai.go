// Package genai provides structured JSON completions from hosted language models.
//
// Two backends are available, OpenAI chat completions and Google Gemini. Both
// satisfy Generator and treat every failure as an error for the caller to fall
// back on; nothing here retries.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for OpenAI completions.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 20 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the API responds without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the model produced no JSON object.
	ErrEmptyResponse = errors.New("model returned no JSON content")
)

// Request is one structured-output call.
type Request struct {
	System      string
	User        string
	Temperature float64
}

// Generator produces a JSON object for a system/user prompt pair.
type Generator interface {
	GenerateJSON(ctx context.Context, req Request) (string, error)
	// Model names the model used, recorded alongside generated questions.
	Model() string
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the OpenAI client.
type Opts struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Option defines a configuration option for the GenAI clients.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the OpenAI client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat      chatService
	model     string
	maxTokens int
	timeout   time.Duration
}

var _ Generator = (*Client)(nil)

// NewClient initializes an OpenAI-backed client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{
		chat:      completionsAdapter{svc: &cli.Chat.Completions},
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// GenerateJSON asks the model for a JSON object and returns it with any
// surrounding prose or code fences removed.
func (c *Client) GenerateJSON(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("Client.GenerateJSON: completion failed", "model", c.model, "error", err, "elapsed", time.Since(start))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.GenerateJSON: completion received", "model", c.model, "elapsed", time.Since(start))
	return extractOrFail(resp.Choices[0].Message.Content)
}

func extractOrFail(content string) (string, error) {
	out := ExtractJSON(strings.TrimSpace(content))
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
