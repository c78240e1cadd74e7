package hooks

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestManager_On_And_Emit(t *testing.T) {
	m := testManager()

	var called bool
	m.On(EventGatewayStart, "test", func(_ context.Context, p Payload) error {
		called = true
		assert.Equal(t, EventGatewayStart, p.Event)
		return nil
	})

	m.Emit(context.Background(), EventGatewayStart, nil)
	assert.True(t, called)
}

func TestManager_Emit_MultipleHandlers(t *testing.T) {
	m := testManager()

	var order []string
	m.On(EventTurnStart, "first", func(_ context.Context, _ Payload) error {
		order = append(order, "first")
		return nil
	})
	m.On(EventTurnStart, "second", func(_ context.Context, _ Payload) error {
		order = append(order, "second")
		return nil
	})

	m.Emit(context.Background(), EventTurnStart, nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManager_Emit_WithData(t *testing.T) {
	m := testManager()

	var gotData map[string]any
	m.On(EventTurnStart, "test", func(_ context.Context, p Payload) error {
		gotData = p.Data
		return nil
	})

	m.Emit(context.Background(), EventTurnStart, map[string]any{
		"chat_id": "c1",
		"user_id": "alice",
	})

	assert.Equal(t, "c1", gotData["chat_id"])
	assert.Equal(t, "alice", gotData["user_id"])
}

func TestManager_Emit_HandlerError(t *testing.T) {
	m := testManager()

	var secondCalled bool
	m.On(EventGatewayStart, "failing", func(_ context.Context, _ Payload) error {
		return errors.New("handler broke")
	})
	m.On(EventGatewayStart, "second", func(_ context.Context, _ Payload) error {
		secondCalled = true
		return nil
	})

	// Should not panic; second handler should still run
	m.Emit(context.Background(), EventGatewayStart, nil)
	assert.True(t, secondCalled)
}

func TestManager_Emit_NoHandlers(t *testing.T) {
	m := testManager()
	// Should not panic
	m.Emit(context.Background(), EventGatewayStop, nil)
}

func TestManager_Off(t *testing.T) {
	m := testManager()

	var callCount int
	m.On(EventGatewayStart, "removable", func(_ context.Context, _ Payload) error {
		callCount++
		return nil
	})

	m.Emit(context.Background(), EventGatewayStart, nil)
	assert.Equal(t, 1, callCount)

	m.Off(EventGatewayStart, "removable")
	m.Emit(context.Background(), EventGatewayStart, nil)
	assert.Equal(t, 1, callCount) // should not have been called again
}

func TestManager_Off_KeepsOthers(t *testing.T) {
	m := testManager()

	var keepCalled int
	m.On(EventGatewayStart, "remove-me", func(_ context.Context, _ Payload) error { return nil })
	m.On(EventGatewayStart, "keep-me", func(_ context.Context, _ Payload) error {
		keepCalled++
		return nil
	})

	m.Off(EventGatewayStart, "remove-me")
	m.Emit(context.Background(), EventGatewayStart, nil)
	assert.Equal(t, 1, keepCalled)
}

func TestManager_EmitAsync(t *testing.T) {
	m := testManager()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	m.On(EventChatCreated, "async1", func(_ context.Context, _ Payload) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	m.On(EventChatCreated, "async2", func(_ context.Context, _ Payload) error {
		count.Add(1)
		wg.Done()
		return nil
	})

	m.EmitAsync(context.Background(), EventChatCreated, nil)

	// Wait with timeout
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handlers did not complete in time")
	}

	assert.Equal(t, int32(2), count.Load())
}

func TestManager_Count(t *testing.T) {
	m := testManager()

	assert.Equal(t, 0, m.Count(EventGatewayStart))

	m.On(EventGatewayStart, "h1", func(_ context.Context, _ Payload) error { return nil })
	assert.Equal(t, 1, m.Count(EventGatewayStart))

	m.On(EventGatewayStart, "h2", func(_ context.Context, _ Payload) error { return nil })
	assert.Equal(t, 2, m.Count(EventGatewayStart))
}

func TestManager_Events(t *testing.T) {
	m := testManager()

	m.On(EventGatewayStart, "h1", func(_ context.Context, _ Payload) error { return nil })
	m.On(EventTurnStart, "h2", func(_ context.Context, _ Payload) error { return nil })

	events := m.Events()
	assert.Len(t, events, 2)
	assert.Contains(t, events, EventGatewayStart)
	assert.Contains(t, events, EventTurnStart)
}

func TestAllEvents_NotEmpty(t *testing.T) {
	require.NotEmpty(t, AllEvents)
	assert.Contains(t, AllEvents, EventGatewayStart)
	assert.Contains(t, AllEvents, EventTurnStart)
}

func TestManager_NilEmitIsNoop(t *testing.T) {
	var m *Manager
	m.Emit(context.Background(), EventTurnStart, nil)
	m.StartSpan(context.Background(), SpanModelStep, nil).End(nil)
}

func TestSpan_StartAndEnd(t *testing.T) {
	m := testManager()

	var events []Payload
	record := func(_ context.Context, p Payload) error {
		events = append(events, p)
		return nil
	}
	m.On(EventSpanStart, "rec", record)
	m.On(EventSpanEnd, "rec", record)

	attrs := map[string]any{"chat_id": "c1"}
	span := m.StartSpan(context.Background(), SpanToolCall, attrs)
	attrs["chat_id"] = "mutated"
	span.End(errors.New("boom"))

	require.Len(t, events, 2)
	assert.Equal(t, EventSpanStart, events[0].Event)
	assert.Equal(t, SpanToolCall, events[0].Data["span"])
	assert.Equal(t, "c1", events[0].Data["chat_id"])
	assert.NotContains(t, events[0].Data, "duration_ms")

	assert.Equal(t, EventSpanEnd, events[1].Event)
	assert.Equal(t, "c1", events[1].Data["chat_id"])
	assert.Equal(t, "boom", events[1].Data["error"])
	assert.Contains(t, events[1].Data, "duration_ms")
}

func TestSpan_EndWithoutError(t *testing.T) {
	m := testManager()

	var end Payload
	m.On(EventSpanEnd, "rec", func(_ context.Context, p Payload) error {
		end = p
		return nil
	})

	m.StartSpan(context.Background(), SpanQuotaCheck, nil).End(nil)
	assert.Equal(t, SpanQuotaCheck, end.Data["span"])
	assert.NotContains(t, end.Data, "error")
}

func TestLogSpans_WritesFinishedSpans(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(&buf, "debug")
	m := NewManager(log)
	m.LogSpans(log)

	m.StartSpan(context.Background(), SpanPersistFinal, map[string]any{"chat_id": "c9"}).End(nil)

	out := buf.String()
	assert.Contains(t, out, "persist_final")
	assert.Contains(t, out, "c9")
}
