package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/soyeahso/seekchat/internal/domain"
)

// Data stream part codes. Each frame is written as "<code>:<json>\n" on
// the HTTP stream, or as a Frame message on the WebSocket.
const (
	CodeText       = "0"
	CodeData       = "2"
	CodeError      = "3"
	CodeToolCall   = "9"
	CodeToolResult = "a"
	CodeStepFinish = "e"
	CodeFinish     = "d"
)

// DataStreamHeader marks a response as a data stream of the given version.
const (
	DataStreamHeader  = "X-Vercel-AI-Data-Stream"
	DataStreamVersion = "v1"
)

// ErrorMessage is the only error text a client ever sees on a stream.
const ErrorMessage = "Oops, an error occured!"

// ErrMalformedFrame is returned by DecodeFrame for lines that are not
// "<code>:<json>".
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one unit of turn output.
type Frame struct {
	Code    string          `json:"code"`
	Payload json.RawMessage `json:"payload"`
}

type toolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

type toolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

type stepFinishPayload struct {
	FinishReason string `json:"finishReason"`
	IsContinued  bool   `json:"isContinued"`
}

type finishPayload struct {
	FinishReason string `json:"finishReason"`
}

// EncodeLine renders a frame in the line format.
func EncodeLine(f Frame) []byte {
	buf := make([]byte, 0, len(f.Code)+len(f.Payload)+2)
	buf = append(buf, f.Code...)
	buf = append(buf, ':')
	buf = append(buf, f.Payload...)
	return append(buf, '\n')
}

// DecodeFrame parses one line of a data stream. The trailing newline is
// optional.
func DecodeFrame(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	code, payload, ok := bytes.Cut(line, []byte{':'})
	if !ok || len(code) == 0 || !json.Valid(payload) {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}
	return Frame{Code: string(code), Payload: json.RawMessage(payload)}, nil
}

// frameSink delivers encoded frames to a client.
type frameSink interface {
	writeFrame(f Frame) error
}

// Emitter encodes turn output as data stream frames. Writes are
// serialized; it is safe for concurrent use.
type Emitter struct {
	mu      sync.Mutex
	sink    frameSink
	started bool
	failed  bool
}

func newEmitter(sink frameSink) *Emitter {
	return &Emitter{sink: sink}
}

// Text sends a text delta.
func (e *Emitter) Text(delta string) error {
	return e.emit(CodeText, delta)
}

// Data sends an out-of-band value. Data frames carry a JSON array.
func (e *Emitter) Data(v any) error {
	return e.emit(CodeData, []any{v})
}

// ToolCall announces a tool call requested by the model.
func (e *Emitter) ToolCall(inv domain.ToolInvocation) error {
	return e.emit(CodeToolCall, toolCallPayload{
		ToolCallID: inv.ToolCallID,
		ToolName:   inv.ToolName,
		Args:       rawOrEmpty(inv.Args),
	})
}

// ToolResult sends the result of a finished tool call.
func (e *Emitter) ToolResult(inv domain.ToolInvocation) error {
	return e.emit(CodeToolResult, toolResultPayload{
		ToolCallID: inv.ToolCallID,
		Result:     rawOrNull(inv.Result),
	})
}

// StepFinish closes one generation step.
func (e *Emitter) StepFinish(reason string, continued bool) error {
	return e.emit(CodeStepFinish, stepFinishPayload{FinishReason: reason, IsContinued: continued})
}

// Finish closes the message.
func (e *Emitter) Finish(reason string) error {
	return e.emit(CodeFinish, finishPayload{FinishReason: reason})
}

// Fail sends the generic error frame. Only the first call writes.
func (e *Emitter) Fail() error {
	e.mu.Lock()
	if e.failed {
		e.mu.Unlock()
		return nil
	}
	e.failed = true
	e.mu.Unlock()
	return e.emit(CodeError, ErrorMessage)
}

// Started reports whether any frame has been written.
func (e *Emitter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Emitter) emit(code string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", code, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return e.sink.writeFrame(Frame{Code: code, Payload: payload})
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
