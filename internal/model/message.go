// Package model defines the agent-agnostic message and content types shared
// by the Store, the planner/worker handlers, and the Router. Content is
// modelled as a sum type: either plain text or a list of typed parts.
// Provider-specific conversions (message merging, system-prompt splitting)
// happen at the LLM-adapter boundary in internal/llm, never here.
package model

import "encoding/json"

// AgentType identifies which kind of agent owns a message log.
type AgentType string

const (
	AgentRouter  AgentType = "router"
	AgentPlanner AgentType = "planner"
	AgentWorker  AgentType = "worker"
)

// Role identifies the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
)

// Part is a single content fragment within a Multipart message.
type Part interface {
	isPart()
}

// TextPart carries plain visible text.
type TextPart struct {
	Text string `json:"text"`
}

// ImageRefPart references a base64-encoded image, either inline or via an
// artefact path resolved by the caller before building the provider payload.
type ImageRefPart struct {
	// URL is either a data URL ("data:image/png;base64,...") or an http(s) URL.
	URL string `json:"url"`
}

func (TextPart) isPart()      {}
func (ImageRefPart) isPart() {}

// Content is the sum type for message bodies: either a bare string or an
// ordered list of Parts. Exactly one of Text or Parts is meaningful; IsText
// reports which.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent builds a plain-text Content value.
func TextContent(text string) Content { return Content{Text: text} }

// MultipartContent builds a Content value from an ordered list of parts.
func MultipartContent(parts ...Part) Content { return Content{Parts: parts} }

// IsText reports whether this Content is a bare string (as opposed to a
// multipart list).
func (c Content) IsText() bool { return c.Parts == nil }

// jsonPart is the wire representation of a single Part for (de)serialisation.
type jsonPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// MarshalJSON renders Content the way the Store persists it: a bare JSON
// string when IsText, otherwise a JSON array of typed part objects.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText() {
		return json.Marshal(c.Text)
	}
	parts := make([]jsonPart, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			parts = append(parts, jsonPart{Type: "text", Text: v.Text})
		case ImageRefPart:
			parts = append(parts, jsonPart{Type: "image_url", URL: v.URL})
		}
	}
	return json.Marshal(parts)
}

// UnmarshalJSON accepts either a bare JSON string or an array of typed part
// objects, mirroring the Store's on-disk representation.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{Text: s}
		return nil
	}
	var raw []jsonPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make([]Part, 0, len(raw))
	for _, p := range raw {
		switch p.Type {
		case "image_url":
			parts = append(parts, ImageRefPart{URL: p.URL})
		default:
			parts = append(parts, TextPart{Text: p.Text})
		}
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

// Message is one append-only entry in an agent's message log.
type Message struct {
	ID        string    `json:"id"`
	AgentType AgentType `json:"agent_type"`
	AgentID   string    `json:"agent_id"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	CreatedAt int64     `json:"created_at"` // unix nanos, caller-stamped
}
