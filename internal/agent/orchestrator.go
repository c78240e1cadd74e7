// Package agent runs a chat turn: a bounded loop of model generations and
// concurrent tool executions whose output is streamed to an Emitter and
// whose result is persisted when the turn completes.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/hooks"
	"github.com/soyeahso/seekchat/internal/llm"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/tools"
)

// DefaultMaxSteps bounds the number of model generations in one turn.
const DefaultMaxSteps = 10

// persistTimeout bounds the final save, which runs even if the caller
// has gone away.
const persistTimeout = 10 * time.Second

// SignalNewChatCreated is the type of the data frame announcing a new
// conversation id.
const SignalNewChatCreated = "NEW_CHAT_CREATED"

// ChatCreatedSignal is sent before any model output of a new conversation.
type ChatCreatedSignal struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// Finish reasons reported on step and message finish frames.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
	FinishOther     = "other"
)

// State is a phase of the turn state machine.
type State int

const (
	StateGenerating State = iota
	StateToolExecuting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateToolExecuting:
		return "tool-executing"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Emitter receives the frames of a turn in order. Methods are called from
// a single goroutine. An error aborts the turn.
type Emitter interface {
	Text(delta string) error
	Data(value any) error
	ToolCall(inv domain.ToolInvocation) error
	ToolResult(inv domain.ToolInvocation) error
	StepFinish(reason string, continued bool) error
	Finish(reason string) error
}

// ConversationStore persists conversations on behalf of their owner.
type ConversationStore interface {
	Create(ctx context.Context, userID, chatID, title string, msgs []domain.Message) error
	ReplaceAll(ctx context.Context, userID, chatID, title string, msgs []domain.Message) error
}

// Config configures the orchestrator.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature *float32
	MaxSteps    int
	ExtraPrompt string
}

// Turn is one chat request.
type Turn struct {
	UserID   string
	ChatID   string
	IsNew    bool
	Messages []domain.Message
}

// Result is the outcome of a completed turn.
type Result struct {
	ChatID       string           `json:"chatId"`
	Title        string           `json:"title"`
	Steps        int              `json:"steps"`
	FinishReason string           `json:"finishReason"`
	Messages     []domain.Message `json:"messages"`
	Duration     time.Duration    `json:"duration"`
}

// Orchestrator drives turns.
type Orchestrator struct {
	cfg    Config
	client llm.Client
	tools  *ToolRegistry
	store  ConversationStore
	hooks  *hooks.Manager
	log    *logging.Logger
	now    func() time.Time
}

// New creates an orchestrator. hm may be nil.
func New(cfg Config, client llm.Client, registry *ToolRegistry, store ConversationStore, hm *hooks.Manager, log *logging.Logger) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Orchestrator{
		cfg:    cfg,
		client: client,
		tools:  registry,
		store:  store,
		hooks:  hm,
		log:    log.Sub("agent"),
		now:    time.Now,
	}
}

// Run executes a turn. The conversation is created (or its ownership
// verified) before any output; a new conversation announces its id first.
// On success the full message list is persisted and a finish frame sent.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, out Emitter) (*Result, error) {
	if turn.UserID == "" || turn.ChatID == "" {
		return nil, errors.New("turn requires a user and a chat id")
	}
	if len(turn.Messages) == 0 {
		return nil, errors.New("turn requires at least one message")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := o.now()
	msgs := make([]domain.Message, len(turn.Messages))
	for i, m := range turn.Messages {
		m.Normalize()
		msgs[i] = m
	}
	turn.Messages = msgs

	attrs := map[string]any{"chat_id": turn.ChatID, "user_id": turn.UserID}
	o.hooks.Emit(ctx, hooks.EventTurnStart, attrs)

	if err := o.begin(ctx, turn, attrs, out); err != nil {
		return nil, err
	}

	r := &run{
		o:       o,
		turn:    turn,
		out:     out,
		attrs:   attrs,
		history: toModelMessages(turn.Messages),
		system: BuildSystemPrompt(PromptConfig{
			Now:         start,
			Tools:       o.tools.Definitions(),
			SearchTool:  o.toolName(tools.SearchToolName),
			FetchTool:   o.toolName(tools.FetchToolName),
			ExtraPrompt: o.cfg.ExtraPrompt,
		}),
	}

	res, err := r.loop(ctx)
	if err != nil {
		o.log.Warn().Err(err).Str("chat", turn.ChatID).Int("step", r.step).Msg("turn failed")
		return nil, err
	}
	res.Duration = o.now().Sub(start)

	o.hooks.Emit(ctx, hooks.EventTurnEnd, map[string]any{
		"chat_id": turn.ChatID,
		"user_id": turn.UserID,
		"steps":   res.Steps,
		"finish":  res.FinishReason,
	})
	o.log.Info().
		Str("chat", turn.ChatID).
		Str("user", turn.UserID).
		Int("steps", res.Steps).
		Int("messages", len(res.Messages)).
		Str("finish", res.FinishReason).
		Dur("duration", res.Duration).
		Msg("turn complete")
	return res, nil
}

// begin stores the conversation's starting state. Create is a no-op for a
// conversation the user already owns and fails for someone else's.
func (o *Orchestrator) begin(ctx context.Context, turn Turn, attrs map[string]any, out Emitter) error {
	span := o.hooks.StartSpan(ctx, hooks.SpanPersistCreate, attrs)
	err := o.store.Create(ctx, turn.UserID, turn.ChatID, domain.DeriveTitle(turn.Messages), turn.Messages)
	span.End(err)
	if err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}

	if !turn.IsNew {
		return nil
	}
	o.hooks.Emit(ctx, hooks.EventChatCreated, attrs)
	if err := out.Data(ChatCreatedSignal{Type: SignalNewChatCreated, ChatID: turn.ChatID}); err != nil {
		return fmt.Errorf("sending created signal: %w", err)
	}
	return nil
}

func (o *Orchestrator) toolName(name string) string {
	if _, ok := o.tools.Get(name); ok {
		return name
	}
	return ""
}

// run is the mutable state of one turn.
type run struct {
	o      *Orchestrator
	turn   Turn
	out    Emitter
	attrs  map[string]any
	system string

	history []llm.Message
	parts   domain.Parts
	text    strings.Builder
	step    int
	pending []llm.ToolCall
	finish  string
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	state := StateGenerating
	r.step = 1

	for state != StateDone {
		r.o.log.Debug().Str("chat", r.turn.ChatID).Int("step", r.step).Stringer("state", state).Msg("turn state")

		switch state {
		case StateGenerating:
			next, err := r.generate(ctx)
			if err != nil {
				return nil, err
			}
			state = next

		case StateToolExecuting:
			if err := r.executeTools(ctx); err != nil {
				return nil, err
			}
			r.step++
			state = StateGenerating
		}
	}

	return r.complete(ctx)
}

// generate streams one completion and decides the next state.
func (r *run) generate(ctx context.Context) (State, error) {
	span := r.o.hooks.StartSpan(ctx, hooks.SpanModelStep, r.spanAttrs("step", r.step))
	resp, stepText, err := r.stream(ctx)
	span.End(err)
	if err != nil {
		return StateDone, err
	}

	if stepText != "" {
		r.parts = append(r.parts, domain.TextPart{Text: stepText})
		r.text.WriteString(stepText)
	}
	r.history = append(r.history, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   stepText,
		ToolCalls: resp.ToolCalls,
	})

	for _, call := range resp.ToolCalls {
		if err := r.out.ToolCall(invocation(call, domain.InvocationCall, nil)); err != nil {
			return StateDone, err
		}
	}

	if len(resp.ToolCalls) > 0 && r.step < r.o.cfg.MaxSteps {
		r.pending = resp.ToolCalls
		return StateToolExecuting, nil
	}

	// Calls past the step cap are recorded but never run.
	for _, call := range resp.ToolCalls {
		r.parts = append(r.parts, domain.ToolInvocationPart{Invocation: invocation(call, domain.InvocationCall, nil)})
	}
	r.finish = finishReason(resp)
	if err := r.out.StepFinish(r.finish, false); err != nil {
		return StateDone, err
	}
	return StateDone, nil
}

func (r *run) stream(ctx context.Context) (*llm.CompletionResponse, string, error) {
	ch, err := r.o.client.Stream(ctx, llm.CompletionRequest{
		Model:       r.o.cfg.Model,
		System:      r.system,
		Messages:    r.history,
		Tools:       r.o.tools.Definitions(),
		MaxTokens:   r.o.cfg.MaxTokens,
		Temperature: r.o.cfg.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("model stream: %w", err)
	}

	var (
		text strings.Builder
		resp *llm.CompletionResponse
	)
	for ev := range ch {
		switch ev.Type {
		case llm.EventDelta:
			if ev.Content == "" {
				continue
			}
			text.WriteString(ev.Content)
			if err := r.out.Text(ev.Content); err != nil {
				return nil, "", err
			}
		case llm.EventDone:
			resp = ev.Response
		case llm.EventError:
			return nil, "", fmt.Errorf("model stream: %s", ev.Error)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	return resp, text.String(), nil
}

type toolOutcome struct {
	output string
	err    error
}

// executeTools runs every pending call concurrently. A failing call
// becomes an error result; siblings keep running.
func (r *run) executeTools(ctx context.Context) error {
	calls := r.pending
	r.pending = nil

	outcomes := make([]toolOutcome, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			out, err := r.o.executeTool(ctx, r.spanAttrs("tool", call.Name), call)
			outcomes[i] = toolOutcome{output: out, err: err}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	for i, call := range calls {
		content := outcomes[i].output
		if err := outcomes[i].err; err != nil {
			r.o.log.Warn().Err(err).Str("tool", call.Name).Str("chat", r.turn.ChatID).Msg("tool failed")
			content = errorResult(err)
		}

		r.history = append(r.history, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
		})

		inv := invocation(call, domain.InvocationResult, toRawJSON(content))
		r.parts = append(r.parts, domain.ToolInvocationPart{Invocation: inv})
		if err := r.out.ToolResult(inv); err != nil {
			return err
		}
	}

	return r.out.StepFinish(FinishToolCalls, false)
}

func (o *Orchestrator) executeTool(ctx context.Context, attrs map[string]any, call llm.ToolCall) (out string, err error) {
	span := o.hooks.StartSpan(ctx, hooks.SpanToolCall, attrs)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
		span.End(err)
	}()

	tool, ok := o.tools.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
	o.log.Debug().Str("tool", call.Name).Str("input", call.Input).Msg("executing tool")
	return tool.Execute(ctx, call.Input)
}

// complete persists the final message list and sends the finish frame.
func (r *run) complete(ctx context.Context) (*Result, error) {
	assistant := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   r.text.String(),
		Parts:     r.parts,
		CreatedAt: r.o.now().UTC(),
	}
	final := make([]domain.Message, 0, len(r.turn.Messages)+1)
	final = append(final, r.turn.Messages...)
	final = append(final, assistant)
	title := domain.DeriveTitle(final)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	span := r.o.hooks.StartSpan(saveCtx, hooks.SpanPersistFinal, r.spanAttrs("messages", len(final)))
	err := r.o.store.ReplaceAll(saveCtx, r.turn.UserID, r.turn.ChatID, title, final)
	span.End(err)
	if err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}

	if err := r.out.Finish(r.finish); err != nil {
		return nil, err
	}

	return &Result{
		ChatID:       r.turn.ChatID,
		Title:        title,
		Steps:        r.step,
		FinishReason: r.finish,
		Messages:     final,
	}, nil
}

func (r *run) spanAttrs(key string, value any) map[string]any {
	attrs := make(map[string]any, len(r.attrs)+1)
	for k, v := range r.attrs {
		attrs[k] = v
	}
	attrs[key] = value
	return attrs
}

func invocation(call llm.ToolCall, state string, result []byte) domain.ToolInvocation {
	return domain.ToolInvocation{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       toRawJSON(argsString([]byte(call.Input))),
		State:      state,
		Result:     result,
	}
}

func errorResult(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func finishReason(resp *llm.CompletionResponse) string {
	switch resp.StopReason {
	case "stop", "":
		if len(resp.ToolCalls) > 0 {
			return FinishToolCalls
		}
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	}
	return FinishOther
}
