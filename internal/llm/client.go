package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
)

// #region config
// Config selects an OpenAI-compatible endpoint and models.
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
}

// #endregion config

// #region client
// Client implements capability.Backend over the OpenAI API.
type Client struct {
	client *openai.Client
	config Config
}

var _ capability.Backend = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ChatModel == "" || cfg.EmbeddingModel == "" {
		return nil, errors.New("llm: chat and embedding models are required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Client{client: openai.NewClientWithConfig(clientConfig), config: cfg}, nil
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (c *Client) Close() error { return nil }

// #endregion client

// #region embed
// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(c.config.EmbeddingModel),
		Dimensions: c.config.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", mapError(err))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("create embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// #endregion embed

// #region summarize
const summarizePrompt = `You summarize a segment of a coding-assistant session for later review.
Write 2-4 sentences: what the user wanted, what the assistant did, and whether it worked.`

// Summarize condenses a conversation segment.
func (c *Client) Summarize(ctx context.Context, messages []capability.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return c.complete(ctx, summarizePrompt, b.String(), false)
}

// #endregion summarize

// #region analyze
const analyzePrompt = `You grade how well a coding-assistant session went for the user.
Reply with a JSON object: {"outcome": number 0-1, "confidence": number 0-1, "summary": string}.
outcome 1 means the user's goal was fully met without friction; 0 means it failed.`

// Analyze grades a whole session transcript.
func (c *Client) Analyze(ctx context.Context, transcript string) (capability.Analysis, error) {
	raw, err := c.complete(ctx, analyzePrompt, transcript, true)
	if err != nil {
		return capability.Analysis{}, err
	}
	var a capability.Analysis
	if err := json.Unmarshal([]byte(extractJSON(raw)), &a); err != nil {
		return capability.Analysis{}, fmt.Errorf("parse analysis: %w", err)
	}
	return a.Normalize(), nil
}

// #endregion analyze

// #region helpers
func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", mapError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// extractJSON trims any prose or code fences around a JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// mapError marks rate limiting, server errors and timeouts as
// capability.ErrUnavailable.
func mapError(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", capability.ErrUnavailable, err)
	case errors.As(err, &apiErr) && retryable(apiErr.HTTPStatusCode):
		return fmt.Errorf("%w: %w", capability.ErrUnavailable, err)
	case errors.As(err, &reqErr) && retryable(reqErr.HTTPStatusCode):
		return fmt.Errorf("%w: %w", capability.ErrUnavailable, err)
	}
	return err
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// #endregion helpers
