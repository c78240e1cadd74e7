package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PartKind is the wire discriminator of a message part.
type PartKind string

const (
	PartText           PartKind = "text"
	PartToolInvocation PartKind = "tool-invocation"
	PartUnknown        PartKind = "unknown"
)

// Part is one segment of a structured message. The set of implementations
// is closed: TextPart, ToolInvocationPart and UnknownPart.
type Part interface {
	Kind() PartKind
	isPart()
}

// TextPart is a span of generated or typed text.
type TextPart struct {
	Text string
}

// ToolInvocationPart records a tool call made by the assistant.
type ToolInvocationPart struct {
	Invocation ToolInvocation
}

// UnknownPart preserves a part of a type this version does not understand.
// Type is the original discriminator and Raw the original JSON object.
type UnknownPart struct {
	Type string
	Raw  json.RawMessage
}

func (TextPart) Kind() PartKind           { return PartText }
func (ToolInvocationPart) Kind() PartKind { return PartToolInvocation }
func (UnknownPart) Kind() PartKind        { return PartUnknown }

func (TextPart) isPart()           {}
func (ToolInvocationPart) isPart() {}
func (UnknownPart) isPart()        {}

// Invocation states.
const (
	InvocationCall   = "call"
	InvocationResult = "result"
)

// ToolInvocation is a tool call and, once finished, its result.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Parts is an ordered list of message parts with a tagged JSON form.
type Parts []Part

type textWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type invocationWire struct {
	Type           string         `json:"type"`
	ToolInvocation ToolInvocation `json:"toolInvocation"`
}

// MarshalJSON encodes each part as an object tagged by "type".
func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for i, p := range ps {
		var (
			data []byte
			err  error
		)
		switch v := p.(type) {
		case TextPart:
			data, err = json.Marshal(textWire{Type: string(PartText), Text: v.Text})
		case ToolInvocationPart:
			data, err = json.Marshal(invocationWire{Type: string(PartToolInvocation), ToolInvocation: v.Invocation})
		case UnknownPart:
			data = v.Raw
			if len(data) == 0 {
				data, err = json.Marshal(map[string]string{"type": v.Type})
			}
		default:
			err = fmt.Errorf("unsupported part %T", p)
		}
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged part objects. Unrecognized types become
// UnknownPart rather than failing.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ps = nil
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	parts := make(Parts, 0, len(raws))
	for i, raw := range raws {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}

		switch PartKind(head.Type) {
		case PartText:
			var w textWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			parts = append(parts, TextPart{Text: w.Text})
		case PartToolInvocation:
			var w invocationWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			parts = append(parts, ToolInvocationPart{Invocation: w.ToolInvocation})
		default:
			parts = append(parts, UnknownPart{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)})
		}
	}
	*ps = parts
	return nil
}
