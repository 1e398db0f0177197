package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/retry"
)

type scriptedModel struct {
	replies []string
	errs    []error
	calls   int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	reply := ""
	if i < len(m.replies) {
		reply = m.replies[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	model := &scriptedModel{
		errs:    []error{errors.New("503 service unavailable"), nil},
		replies: []string{"", "ok"},
	}
	c := NewResilientClient(model, fastRetry(), time.Second, zerolog.Nop())

	out, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, model.calls)
}

func TestGenerateExhaustedIsUnavailable(t *testing.T) {
	down := errors.New("connection refused")
	model := &scriptedModel{errs: []error{down, down, down}}
	c := NewResilientClient(model, fastRetry(), 0, zerolog.Nop())

	_, err := c.Generate(context.Background(), "hello")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.Equal(t, 3, model.calls)
}

func TestGenerateJSONRepairsReply(t *testing.T) {
	model := &scriptedModel{replies: []string{"```json\n{\"owner\": \"client\",}\n```"}}
	c := NewResilientClient(model, fastRetry(), 0, zerolog.Nop())

	var out struct {
		Owner string `json:"owner"`
	}
	require.NoError(t, c.GenerateJSON(context.Background(), "extract", &out))
	assert.Equal(t, "client", out.Owner)
}

func TestNewModelValidation(t *testing.T) {
	_, err := NewModel(context.Background(), Config{Provider: "gemini"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = NewModel(context.Background(), Config{Provider: "bard"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
