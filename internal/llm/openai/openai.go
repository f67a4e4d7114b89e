// Package openai implements llm.Provider on top of the OpenAI chat
// completions API. Structured output uses the JSON-schema response format so
// the model is constrained server-side; validation still happens in the core
// llm package.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
)

// Client implements llm.Provider backed by the OpenAI API.
type Client struct {
	client sdk.Client
}

var _ llm.Provider = (*Client)(nil)

// New returns a Client authenticated with apiKey.
func New(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return &Client{client: sdk.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Complete performs a plain chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (string, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Chat.Completions.New(ctx, *params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON performs a chat completion constrained to the given JSON
// schema and returns the raw JSON text.
func (c *Client) CompleteJSON(ctx context.Context, req *llm.Request, schemaName string, schemaDef json.RawMessage) (string, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", err
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaDef, &schemaDoc); err != nil {
		return "", fmt.Errorf("openai: unmarshal schema %s: %w", schemaName, err)
	}
	params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schemaName,
				Schema: schemaDoc,
			},
		},
	}
	resp, err := c.client.Chat.Completions.New(ctx, *params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildParams(req *llm.Request) (*sdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.ChatCompletionNewParams{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: sdk.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessages maps the core message log onto OpenAI chat params. OpenAI
// supports the developer role natively, so no role rewriting is needed;
// multipart content becomes text and image_url content parts.
func convertMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m.Content.IsText() {
			switch m.Role {
			case model.RoleSystem:
				out = append(out, sdk.SystemMessage(m.Content.Text))
			case model.RoleDeveloper:
				out = append(out, sdk.DeveloperMessage(m.Content.Text))
			case model.RoleAssistant:
				out = append(out, sdk.AssistantMessage(m.Content.Text))
			default:
				out = append(out, sdk.UserMessage(m.Content.Text))
			}
			continue
		}
		// Multipart content is only ever attached to user-side messages
		// (image inputs); providers reject images in other roles.
		parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(m.Content.Parts))
		for _, p := range m.Content.Parts {
			switch v := p.(type) {
			case model.TextPart:
				parts = append(parts, sdk.TextContentPart(v.Text))
			case model.ImageRefPart:
				parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: v.URL}))
			default:
				return nil, fmt.Errorf("openai: unsupported content part %T", p)
			}
		}
		out = append(out, sdk.UserMessage(parts))
	}
	return out, nil
}

// classify maps provider errors onto the core error taxonomy: 429 and 5xx
// (and bare network errors) become llm.ErrRateLimited so the caller's
// backoff loop retries them; everything else is permanent.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return fmt.Errorf("openai: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
}
