// Package fake provides a scripted llm.Provider for tests. Responses are
// queued per call kind (text completions in one FIFO, structured completions
// in one FIFO per schema name), mirroring the scripted-LLM test style spec'd
// for the end-to-end scenarios.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentcore/planrunner/internal/llm"
)

// Provider is a scripted llm.Provider. Safe for concurrent use.
type Provider struct {
	mu    sync.Mutex
	texts []step
	byschema map[string][]step

	// TextCalls and JSONCalls count completed invocations, letting tests
	// assert how many times each path ran.
	TextCalls int
	JSONCalls int
}

type step struct {
	response string
	err      error
}

var _ llm.Provider = (*Provider)(nil)

// New returns an empty scripted provider.
func New() *Provider {
	return &Provider{byschema: make(map[string][]step)}
}

// QueueText scripts the next Complete response.
func (p *Provider) QueueText(response string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, step{response: response})
}

// QueueTextErr scripts the next Complete call to fail with err.
func (p *Provider) QueueTextErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, step{err: err})
}

// QueueJSON scripts the next CompleteJSON response for schemaName by
// marshalling v.
func (p *Provider) QueueJSON(schemaName string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fake: marshal scripted %s response: %v", schemaName, err))
	}
	p.QueueRawJSON(schemaName, string(raw))
}

// QueueRawJSON scripts the next CompleteJSON response for schemaName as a
// raw JSON string, letting tests script schema-violating output.
func (p *Provider) QueueRawJSON(schemaName, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byschema[schemaName] = append(p.byschema[schemaName], step{response: raw})
}

// QueueJSONErr scripts the next CompleteJSON call for schemaName to fail.
func (p *Provider) QueueJSONErr(schemaName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byschema[schemaName] = append(p.byschema[schemaName], step{err: err})
}

// Complete pops the next scripted text response.
func (p *Provider) Complete(_ context.Context, _ *llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return "", fmt.Errorf("fake: no scripted text response")
	}
	s := p.texts[0]
	p.texts = p.texts[1:]
	p.TextCalls++
	return s.response, s.err
}

// CompleteJSON pops the next scripted response for schemaName.
func (p *Provider) CompleteJSON(_ context.Context, _ *llm.Request, schemaName string, _ json.RawMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.byschema[schemaName]
	if len(q) == 0 {
		return "", fmt.Errorf("fake: no scripted %s response", schemaName)
	}
	s := q[0]
	p.byschema[schemaName] = q[1:]
	p.JSONCalls++
	return s.response, s.err
}
