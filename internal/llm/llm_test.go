package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/llm/fake"
	"github.com/agentcore/planrunner/internal/model"
	"github.com/agentcore/planrunner/internal/telemetry"
)

var greetingSchema = llm.MustSchema("Greeting", `{
	"type": "object",
	"properties": {
		"greeting": {"type": "string"}
	},
	"required": ["greeting"],
	"additionalProperties": false
}`)

type greeting struct {
	Greeting string `json:"greeting"`
}

func newClient(p *fake.Provider) *llm.Client {
	return llm.New(p, telemetry.NoopLogger{})
}

func req() *llm.Request {
	return &llm.Request{
		Model:    "test-model",
		Messages: []model.Message{{Role: model.RoleUser, Content: model.TextContent("hi")}},
	}
}

func TestTextReturnsScriptedResponse(t *testing.T) {
	p := fake.New()
	p.QueueText("Hi!")
	out, err := newClient(p).Text(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "Hi!", out)
}

func TestTextRetriesTransientFailures(t *testing.T) {
	p := fake.New()
	p.QueueTextErr(llm.ErrRateLimited)
	p.QueueText("recovered")
	out, err := newClient(p).Text(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, p.TextCalls)
}

func TestTextGivesUpAfterThreeTransientFailures(t *testing.T) {
	p := fake.New()
	for i := 0; i < 3; i++ {
		p.QueueTextErr(llm.ErrRateLimited)
	}
	_, err := newClient(p).Text(context.Background(), req())
	require.ErrorIs(t, err, llm.ErrRateLimited)
	assert.Equal(t, 3, p.TextCalls)
}

func TestStructuredValidatesAndDecodes(t *testing.T) {
	p := fake.New()
	p.QueueJSON("Greeting", greeting{Greeting: "hello"})
	var out greeting
	require.NoError(t, newClient(p).Structured(context.Background(), req(), greetingSchema, &out))
	assert.Equal(t, "hello", out.Greeting)
}

func TestStructuredRetriesSchemaViolationWithCorrectivePrompt(t *testing.T) {
	p := fake.New()
	p.QueueRawJSON("Greeting", `{"wrong_field": 1}`)
	p.QueueJSON("Greeting", greeting{Greeting: "fixed"})
	var out greeting
	require.NoError(t, newClient(p).Structured(context.Background(), req(), greetingSchema, &out))
	assert.Equal(t, "fixed", out.Greeting)
	assert.Equal(t, 2, p.JSONCalls)
}

func TestStructuredFailsAfterThreeSchemaViolations(t *testing.T) {
	p := fake.New()
	for i := 0; i < 3; i++ {
		p.QueueRawJSON("Greeting", `{"wrong_field": 1}`)
	}
	var out greeting
	err := newClient(p).Structured(context.Background(), req(), greetingSchema, &out)
	require.ErrorIs(t, err, llm.ErrSchemaInvalid)
	assert.Equal(t, 3, p.JSONCalls)
}
