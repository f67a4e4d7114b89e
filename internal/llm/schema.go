package llm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema pairs a named JSON Schema document with its compiled form. Handlers
// declare one Schema per structured response shape (InitialExecutionPlan,
// Task, TaskArtefact, TaskArtefactSQL, TaskValidation, ...) and pass it to
// Client.Structured.
type Schema struct {
	// Name identifies the schema in provider requests and error messages.
	Name string

	// Definition is the raw JSON Schema document sent to the provider.
	Definition json.RawMessage

	compiled *jsonschema.Schema
}

// NewSchema compiles definition and returns the Schema.
func NewSchema(name string, definition string) (*Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(definition), &doc); err != nil {
		return nil, fmt.Errorf("llm: unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("llm: add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("llm: compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Definition: json.RawMessage(definition), compiled: compiled}, nil
}

// MustSchema is NewSchema that panics on error, for package-level schema
// declarations whose definitions are compile-time constants.
func MustSchema(name string, definition string) *Schema {
	s, err := NewSchema(name, definition)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks raw (a JSON document) against the compiled schema.
func (s *Schema) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return s.compiled.Validate(doc)
}
