// Package llm defines the provider-agnostic LLM capability used by the
// router, planner, and worker handlers: plain text completion and structured
// (schema-validated) completion. Provider adapters live in subpackages
// (anthropic, openai); fake provides a scripted implementation for tests.
//
// The package owns the two error-handling policies spec'd for LLM calls:
// transient provider failures are retried with exponential backoff and
// jitter (capped at three attempts), and structured output that violates its
// schema is retried with a corrective prompt (also capped at three attempts).
// Both policies live here so adapters stay thin translations.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/telemetry"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting or a transient 5xx after exhausting the configured retries.
var ErrRateLimited = errors.New("llm: rate limited")

// ErrSchemaInvalid indicates the provider returned structured output that
// failed schema validation on every corrective attempt.
var ErrSchemaInvalid = errors.New("llm: structured output violates schema")

// maxAttempts bounds both the transient-failure retry loop and the
// schema-corrective retry loop.
const maxAttempts = 3

// Request captures the inputs of one model invocation. Provider-specific
// conversions (merging consecutive same-role messages, splitting out a
// top-level system prompt, developer-role mapping) happen inside the
// adapters, never in callers.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// Temperature controls sampling where the provider supports it.
	Temperature float64

	// Messages is the ordered transcript provided to the model.
	Messages []model.Message

	// MaxTokens caps the completion length. Zero uses the adapter default.
	MaxTokens int
}

// Provider is the narrow contract adapters implement. Complete returns the
// assistant's text. CompleteJSON requests output conforming to the named
// JSON schema (via the provider's structured-output or tool-calling
// facility) and returns the raw JSON text; validation happens in Client.
//
// Adapters report transient failures by wrapping ErrRateLimited so the
// retry loop can distinguish them from permanent errors.
type Provider interface {
	Complete(ctx context.Context, req *Request) (string, error)
	CompleteJSON(ctx context.Context, req *Request, schemaName string, schemaDef json.RawMessage) (string, error)
}

// Client wraps a Provider with the retry and validation policies shared by
// every handler. It is the concrete type handlers receive.
type Client struct {
	provider Provider
	logger   telemetry.Logger

	// Usage, when set, records successful calls for the usage aggregates.
	Usage *UsageLog
}

// New returns a Client wrapping provider. logger may be a noop.
func New(provider Provider, logger telemetry.Logger) *Client {
	return &Client{provider: provider, logger: logger}
}

// retryTransient runs call with exponential backoff and jitter, retrying
// only errors wrapping ErrRateLimited, capped at maxAttempts.
func (c *Client) retryTransient(ctx context.Context, call func() (string, error)) (string, error) {
	var out string
	attempts := 0
	op := func() error {
		attempts++
		s, err := call()
		if err != nil {
			if errors.Is(err, ErrRateLimited) && attempts < maxAttempts {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		out = s
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return out, nil
}

// Text performs a plain completion and returns the assistant text.
func (c *Client) Text(ctx context.Context, req *Request) (string, error) {
	out, err := c.retryTransient(ctx, func() (string, error) {
		return c.provider.Complete(ctx, req)
	})
	if err == nil && c.Usage != nil {
		c.Usage.Record(req.Model, CallText)
	}
	return out, err
}

// Structured performs a completion constrained to schema, validates the
// returned JSON against it, and unmarshals into out (a pointer). Schema
// violations are retried with a corrective user message appended to the
// transcript; after maxAttempts the final validation error is returned
// wrapped in ErrSchemaInvalid.
func (c *Client) Structured(ctx context.Context, req *Request, schema *Schema, out any) error {
	msgs := req.Messages
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptReq := *req
		attemptReq.Messages = msgs
		raw, err := c.retryTransient(ctx, func() (string, error) {
			return c.provider.CompleteJSON(ctx, &attemptReq, schema.Name, schema.Definition)
		})
		if err != nil {
			return err
		}
		if err := schema.Validate([]byte(raw)); err != nil {
			lastErr = err
			c.logger.Warn(ctx, "structured output failed validation",
				"schema", schema.Name, "attempt", attempt, "err", err)
			corrective := fmt.Sprintf(
				"The previous response did not conform to the %s schema: %v. "+
					"Respond again with a JSON object that satisfies the schema exactly.",
				schema.Name, err)
			msgs = append(append([]model.Message(nil), msgs...), model.Message{
				Role:    model.RoleUser,
				Content: model.TextContent(corrective),
			})
			continue
		}
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("llm: decode %s output: %w", schema.Name, err)
		}
		if c.Usage != nil {
			c.Usage.Record(req.Model, CallStructured)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, schema.Name, lastErr)
}
