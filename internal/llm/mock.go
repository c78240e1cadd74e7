package llm

import "context"

// MockClient is a test double for Client.
type MockClient struct {
	ProviderName string
	StreamFunc   func(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	return Events(
		StreamEvent{Type: EventDelta, Content: "mock "},
		StreamEvent{Type: EventDone, Response: &CompletionResponse{Content: "mock stream response"}},
	), nil
}

// Events returns a closed, buffered channel holding the given events.
func Events(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

// TextResponse builds the events of a plain text completion streamed in
// the given chunks.
func TextResponse(chunks ...string) []StreamEvent {
	var full string
	events := make([]StreamEvent, 0, len(chunks)+1)
	for _, c := range chunks {
		full += c
		events = append(events, StreamEvent{Type: EventDelta, Content: c})
	}
	return append(events, StreamEvent{
		Type:     EventDone,
		Response: &CompletionResponse{Content: full, StopReason: "stop"},
	})
}

// ToolCallResponse builds the events of a completion that requests the
// given tool calls.
func ToolCallResponse(calls ...ToolCall) []StreamEvent {
	return []StreamEvent{{
		Type:     EventDone,
		Response: &CompletionResponse{ToolCalls: calls, StopReason: "tool_calls"},
	}}
}
