// Package llm builds langchaingo models from configuration and wraps them
// with timeouts, retries and JSON repair for structured prompts.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/retry"
)

// Config selects and configures the model provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

// NewModel constructs the configured langchaingo model.
func NewModel(ctx context.Context, cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case "gemini", "":
		if cfg.APIKey == "" {
			return nil, apperrors.Validationf("gemini provider requires an api key")
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}
		opts := []googleai.Option{
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithDefaultMaxTokens(maxTokens),
		}
		model, err := googleai.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		return model, nil
	case "ollama":
		opts := []ollama.Option{
			ollama.WithModel(cfg.Model),
			ollama.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return model, nil
	default:
		return nil, apperrors.Validationf("unknown llm provider %q", cfg.Provider)
	}
}

// ResilientClient wraps a model with a per-call timeout, retry with backoff,
// and JSON repair of structured responses.
type ResilientClient struct {
	model   llms.Model
	retry   retry.Config
	timeout time.Duration
	logger  zerolog.Logger
}

// NewResilientClient wraps model. A zero timeout disables the per-call bound.
func NewResilientClient(model llms.Model, cfg retry.Config, timeout time.Duration, logger zerolog.Logger) *ResilientClient {
	return &ResilientClient{
		model:   model,
		retry:   cfg,
		timeout: timeout,
		logger:  logger.With().Str("component", "llm").Logger(),
	}
}

// Generate sends a single prompt and returns the text response.
func (c *ResilientClient) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	res := retry.Do(ctx, c.retry, c.logger, func(attempt int) error {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		started := time.Now()
		resp, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("elapsed", time.Since(started)).Msg("llm call failed")
			return err
		}
		out = resp
		return nil
	})
	if !res.Success {
		return "", apperrors.Unavailable("llm generate", res.LastError)
	}
	return out, nil
}

// GenerateJSON sends prompt and decodes the (possibly repaired) JSON reply
// into target. Undecodable replies are not retried.
func (c *ResilientClient) GenerateJSON(ctx context.Context, prompt string, target any) error {
	raw, err := c.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	stats, err := DecodeResponse(raw, target)
	if stats.WasRepaired {
		c.logger.Info().
			Strs("strategies", stats.Strategies).
			Int("original_bytes", stats.OriginalBytes).
			Int("repaired_bytes", stats.RepairedBytes).
			Msg("llm response repaired")
	}
	if err != nil {
		return fmt.Errorf("llm response: %w", err)
	}
	return nil
}
