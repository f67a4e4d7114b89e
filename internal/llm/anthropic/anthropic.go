// Package anthropic implements llm.Provider on top of the Anthropic Claude
// Messages API. Structured output is obtained by forcing a single tool whose
// input schema is the requested JSON schema, then returning the tool-use
// input verbatim; the core llm package validates it.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/model"
)

// defaultMaxTokens caps completions when the request does not set a limit;
// the Messages API requires an explicit value.
const defaultMaxTokens = 4096

// Client implements llm.Provider backed by Claude Messages.
type Client struct {
	client sdk.Client
}

var _ llm.Provider = (*Client)(nil)

// New returns a Client authenticated with apiKey.
func New(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	return &Client{client: sdk.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Complete performs a plain Messages.New call and returns the concatenated
// assistant text blocks.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (string, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", err
	}
	msg, err := c.client.Messages.New(ctx, *params)
	if err != nil {
		return "", classify(err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// CompleteJSON forces a single recording tool whose input schema is
// schemaDef and returns the tool-use input as raw JSON.
func (c *Client) CompleteJSON(ctx context.Context, req *llm.Request, schemaName string, schemaDef json.RawMessage) (string, error) {
	params, err := buildParams(req)
	if err != nil {
		return "", err
	}
	var schemaDoc map[string]any
	if err := json.Unmarshal(schemaDef, &schemaDoc); err != nil {
		return "", fmt.Errorf("anthropic: unmarshal schema %s: %w", schemaName, err)
	}
	toolName := "record_" + schemaName
	params.Tools = []sdk.ToolUnionParam{{
		OfTool: &sdk.ToolParam{
			Name:        toolName,
			Description: sdk.String("Record the response as a " + schemaName + " object."),
			InputSchema: sdk.ToolInputSchemaParam{ExtraFields: schemaDoc},
		},
	}}
	params.ToolChoice = sdk.ToolChoiceUnionParam{
		OfTool: &sdk.ToolChoiceToolParam{Name: toolName},
	}
	msg, err := c.client.Messages.New(ctx, *params)
	if err != nil {
		return "", classify(err)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			return string(block.Input), nil
		}
	}
	return "", fmt.Errorf("anthropic: no tool_use block in %s response", schemaName)
}

func buildParams(req *llm.Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system, msgs, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: sdk.Float(req.Temperature),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params, nil
}

// convertMessages splits out top-level system text, rewrites developer
// messages as user messages (Claude has no developer role), and merges
// consecutive same-role messages into one multi-block message as the
// Messages API requires.
func convertMessages(msgs []model.Message) (system string, out []sdk.MessageParam, err error) {
	var sys strings.Builder
	for _, m := range msgs {
		if m.Role == model.RoleSystem && m.Content.IsText() {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Content.Text)
			continue
		}
		role := sdk.MessageParamRoleUser
		if m.Role == model.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		blocks, err := contentBlocks(m.Content)
		if err != nil {
			return "", nil, err
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	return sys.String(), out, nil
}

func contentBlocks(c model.Content) ([]sdk.ContentBlockParamUnion, error) {
	if c.IsText() {
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(c.Text)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch v := p.(type) {
		case model.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(v.Text))
		case model.ImageRefPart:
			mediaType, data, err := splitDataURL(v.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, data))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content part %T", p)
		}
	}
	return blocks, nil
}

// splitDataURL parses a "data:<media>;base64,<payload>" URL into its media
// type and base64 payload. The artefact pipeline only produces data URLs;
// remote image URLs are not supported by this adapter.
func splitDataURL(url string) (mediaType, data string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", fmt.Errorf("anthropic: image URL is not a data URL")
	}
	mediaType, data, ok = strings.Cut(rest, ";base64,")
	if !ok {
		return "", "", fmt.Errorf("anthropic: image data URL is not base64 encoded")
	}
	return mediaType, data, nil
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return fmt.Errorf("anthropic: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
}
