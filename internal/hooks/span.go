package hooks

import (
	"context"
	"time"

	"github.com/soyeahso/seekchat/internal/logging"
)

// Span names used by the chat pipeline.
const (
	SpanAdminCheck    = "admin_check"
	SpanQuotaCheck    = "quota_check"
	SpanPersistCreate = "persist_create"
	SpanPersistFinal  = "persist_final"
	SpanModelStep     = "model_step"
	SpanToolCall      = "tool_call"
)

// Span measures one unit of work. End must be called exactly once.
type Span struct {
	m     *Manager
	ctx   context.Context
	name  string
	attrs map[string]any
	start time.Time
}

// StartSpan emits span_start and returns a span to be ended by the caller.
// attrs is copied; it may carry chat_id, user_id, step, tool and so on.
func (m *Manager) StartSpan(ctx context.Context, name string, attrs map[string]any) *Span {
	s := &Span{m: m, ctx: ctx, name: name, attrs: make(map[string]any, len(attrs)+1), start: time.Now()}
	for k, v := range attrs {
		s.attrs[k] = v
	}
	s.m.Emit(ctx, EventSpanStart, s.data())
	return s
}

// End emits span_end with the elapsed duration and, if err is non-nil, its
// message.
func (s *Span) End(err error) {
	data := s.data()
	data["duration_ms"] = time.Since(s.start).Milliseconds()
	if err != nil {
		data["error"] = err.Error()
	}
	s.m.Emit(s.ctx, EventSpanEnd, data)
}

func (s *Span) data() map[string]any {
	d := make(map[string]any, len(s.attrs)+3)
	for k, v := range s.attrs {
		d[k] = v
	}
	d["span"] = s.name
	return d
}

// LogSpans registers a handler that writes finished spans to log at debug
// level, and failed ones at warn.
func (m *Manager) LogSpans(log *logging.Logger) {
	l := log.Sub("telemetry")
	m.On(EventSpanEnd, "log-spans", func(_ context.Context, p Payload) error {
		ev := l.Debug()
		if msg, ok := p.Data["error"].(string); ok {
			ev = l.Warn().Str("error", msg)
		}
		for k, v := range p.Data {
			if k == "error" {
				continue
			}
			ev = ev.Interface(k, v)
		}
		ev.Msg("span")
		return nil
	})
}
