package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a conversation. Content is the plain text
// form; Parts is the structured form. Either may be empty on input.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Parts     Parts     `json:"parts,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Text returns the concatenated text parts, or Content when there are none.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	if b.Len() == 0 {
		return m.Content
	}
	return b.String()
}

// Normalize fills whichever of Content and Parts is missing from the other.
func (m *Message) Normalize() {
	if len(m.Parts) == 0 && m.Content != "" {
		m.Parts = Parts{TextPart{Text: m.Content}}
	}
	if m.Content == "" {
		m.Content = m.Text()
	}
}

// ToolInvocations returns the tool invocation parts of the message in order.
func (m Message) ToolInvocations() []ToolInvocation {
	var out []ToolInvocation
	for _, p := range m.Parts {
		if ti, ok := p.(ToolInvocationPart); ok {
			out = append(out, ti.Invocation)
		}
	}
	return out
}
