package agent

import (
	"encoding/json"

	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/llm"
)

// toModelMessages converts stored conversation messages into model
// context. Assistant tool invocations become an assistant message carrying
// the calls followed by one tool message per result. Tool-role and unknown
// entries from the client are dropped; their content lives in the
// assistant parts.
func toModelMessages(msgs []domain.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser, domain.RoleSystem:
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Text()})
		case domain.RoleAssistant:
			out = append(out, assistantMessages(m)...)
		}
	}
	return out
}

func assistantMessages(m domain.Message) []llm.Message {
	if len(m.Parts) == 0 {
		return []llm.Message{{Role: llm.RoleAssistant, Content: m.Content}}
	}

	var (
		out   []llm.Message
		text  string
		calls []domain.ToolInvocation
	)
	flushCalls := func() {
		if len(calls) == 0 {
			return
		}
		am := llm.Message{Role: llm.RoleAssistant, Content: text}
		for _, c := range calls {
			am.ToolCalls = append(am.ToolCalls, llm.ToolCall{ID: c.ToolCallID, Name: c.ToolName, Input: argsString(c.Args)})
		}
		out = append(out, am)
		for _, c := range calls {
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: c.ToolCallID,
				Name:       c.ToolName,
				Content:    resultString(c.Result),
			})
		}
		text = ""
		calls = nil
	}

	for _, p := range m.Parts {
		switch v := p.(type) {
		case domain.TextPart:
			flushCalls()
			text += v.Text
		case domain.ToolInvocationPart:
			// Calls without a result cannot be replayed to the model.
			if v.Invocation.State == domain.InvocationResult {
				calls = append(calls, v.Invocation)
			}
		}
	}
	flushCalls()
	if text != "" {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text})
	}
	return out
}

func argsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// resultString renders a stored result for a tool message. JSON strings
// are unquoted; anything else is passed through as JSON text.
func resultString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// toRawJSON returns s unchanged when it is valid JSON, else s encoded as a
// JSON string.
func toRawJSON(s string) json.RawMessage {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	data, _ := json.Marshal(s)
	return data
}
