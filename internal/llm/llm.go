package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrNoJSONObject is returned when a completion holds no brace-delimited object.
var ErrNoJSONObject = errors.New("no JSON object in response")

// DefaultMaxTokens bounds a single completion.
const DefaultMaxTokens = 4096

// Client wraps the Anthropic Messages API as a plain text completion oracle.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates an LLM client with the given API key and model.
// Extra request options (base URL, retries) are passed through to the SDK.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: DefaultMaxTokens,
	}
}

// Complete sends one system+user prompt pair and returns the first text block.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

// ExtractObject returns the substring from the first "{" to the last "}".
// Leading and trailing prose, including markdown fences, is dropped. The result
// is not validated; callers parse it strictly.
func ExtractObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", ErrNoJSONObject
	}
	return text[start : end+1], nil
}
