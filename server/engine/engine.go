// Package engine generates completions from an OpenAI-compatible inference
// server (vLLM) and reports the perplexity the placement heuristic consumes.
package engine

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/kvtier/plugin/timeout"
	apierrors "github.com/hrygo/kvtier/server/internal/errors"
	"github.com/hrygo/kvtier/store/cache"
)

// Config configures the generation client.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// DefaultConfig targets a local vLLM server.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://127.0.0.1:8000/v1",
		Model:     "gemma-3-270m",
		APIKey:    "EMPTY",
		MaxTokens: 256,
		Timeout:   timeout.GenerateTimeout,
	}
}

// Generation is one completion.
type Generation struct {
	Text             string        `json:"text"`
	Perplexity       float64       `json:"perplexity"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
}

// Generator produces completions.
type Generator struct {
	client *openai.Client
	cfg    Config
}

// Option configures a Generator.
type Option func(*openai.ClientConfig)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cc *openai.ClientConfig) {
		cc.HTTPClient = c
	}
}

// New creates a Generator.
func New(cfg Config, opts ...Option) (*Generator, error) {
	if cfg.Model == "" {
		return nil, apierrors.InvalidArgument("engine model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeout.GenerateTimeout
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	for _, opt := range opts {
		opt(&clientConfig)
	}

	return &Generator{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}, nil
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.cfg.Model
}

// Generate completes prompt. Token log probabilities are requested so the
// result carries a perplexity; it is 0 when the server omits them.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	if prompt == "" {
		return nil, apierrors.InvalidArgument("prompt is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		LogProbs:    true,
	})
	if err != nil {
		return nil, apierrors.FromTransport(err, apierrors.ErrCodeEngineUnavailable, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, apierrors.MalformedResponse("empty completion response", nil)
	}

	choice := resp.Choices[0]
	gen := &Generation{
		Text:             choice.Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}
	if choice.LogProbs != nil {
		logprobs := make([]float64, len(choice.LogProbs.Content))
		for i, lp := range choice.LogProbs.Content {
			logprobs[i] = lp.LogProb
		}
		gen.Perplexity = Perplexity(logprobs)
	}
	return gen, nil
}

// ComputeFunc adapts the generator to a cache compute step. The key is used
// as the prompt. onGenerate, if set, observes each successful generation.
func (g *Generator) ComputeFunc(onGenerate func(key string, gen *Generation)) cache.ComputeFunc {
	return func(ctx context.Context, key string) ([]byte, error) {
		gen, err := g.Generate(ctx, key)
		if err != nil {
			return nil, err
		}
		if onGenerate != nil {
			onGenerate(key, gen)
		}
		return []byte(gen.Text), nil
	}
}

// Perplexity is exp of the negative mean token log probability. An empty
// slice yields 0.
func Perplexity(logprobs []float64) float64 {
	if len(logprobs) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}
	return math.Exp(-sum / float64(len(logprobs)))
}
