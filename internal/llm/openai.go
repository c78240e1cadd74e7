package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/soyeahso/seekchat/internal/logging"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	name   string
	model  string
	client *openai.Client
	log    *logging.Logger
}

// NewOpenAIClient creates a client for the given endpoint. An empty
// baseURL uses the OpenAI API; model is used when a request names none.
func NewOpenAIClient(name, baseURL, apiKey, model string, log *logging.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIClient{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
		log:    log.Sub("llm." + name),
	}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return c.name }

// Stream sends a streaming completion request. Text deltas are forwarded
// as they arrive; tool call fragments are assembled and reported on the
// final done event.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	oreq := c.convertRequest(req)
	oreq.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, c.providerError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		start := time.Now()
		var (
			text   strings.Builder
			calls  = map[int]*ToolCall{}
			finish string
			model  string
		)

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamEvent{Type: EventError, Error: c.providerError(err).Error()})
				return
			}

			if resp.Model != "" {
				model = resp.Model
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if !send(StreamEvent{Type: EventDelta, Content: choice.Delta.Content}) {
					return
				}
			}

			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &ToolCall{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Input += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
		}

		final := &CompletionResponse{
			Content:    text.String(),
			StopReason: finish,
			Model:      model,
			Duration:   time.Since(start),
			ToolCalls:  orderedCalls(calls),
		}
		c.log.Debug().
			Str("model", model).
			Str("finish", finish).
			Int("toolCalls", len(final.ToolCalls)).
			Dur("elapsed", final.Duration).
			Msg("stream complete")
		send(StreamEvent{Type: EventDone, Response: final})
	}()

	return ch, nil
}

func orderedCalls(calls map[int]*ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := *calls[i]
		if tc.Input == "" {
			tc.Input = "{}"
		}
		out = append(out, tc)
	}
	return out
}

func (c *OpenAIClient) convertRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Input,
				},
			})
		}
		messages = append(messages, msg)
	}

	oreq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		oreq.Temperature = *req.Temperature
	}

	for _, t := range req.Tools {
		var params any = json.RawMessage(`{"type":"object","properties":{}}`)
		if t.InputSchema != "" && json.Valid([]byte(t.InputSchema)) {
			params = json.RawMessage(t.InputSchema)
		}
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return oreq
}

// providerError maps go-openai errors to ProviderError so failover can
// inspect the status code.
func (c *OpenAIClient) providerError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: c.name, Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: c.name, Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Provider: c.name, Message: err.Error()}
}
