package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	ctx := context.Background()
	t.Run("Should deliver events to named subscribers in order", func(t *testing.T) {
		e := NewEmitter("")
		var got []string
		e.On(EventReplan, func(_ context.Context, event Event) {
			got = append(got, "first:"+event.Name)
		})
		e.On(EventReplan, func(_ context.Context, event Event) {
			got = append(got, "second:"+event.Name)
		})
		e.Emit(ctx, EventReplan, map[string]any{"decision": "retry"})
		assert.Equal(t, []string{"first:replan", "second:replan"}, got)
	})
	t.Run("Should not deliver to other subscriptions", func(t *testing.T) {
		e := NewEmitter("")
		called := false
		e.On(EventAbort, func(context.Context, Event) { called = true })
		e.Emit(ctx, EventReplan, nil)
		assert.False(t, called)
	})
	t.Run("Should prepend the configured prefix to delivered names", func(t *testing.T) {
		e := NewEmitter("musubi:")
		var name string
		e.On(EventOptimization, func(_ context.Context, event Event) { name = event.Name })
		e.Emit(ctx, EventOptimization, nil)
		assert.Equal(t, "musubi:optimization", name)
	})
	t.Run("Should deliver every event to catch-all subscribers", func(t *testing.T) {
		e := NewEmitter("")
		count := 0
		e.OnAny(func(context.Context, Event) { count++ })
		e.Emit(ctx, EventReplan, nil)
		e.Emit(ctx, EventAbort, nil)
		assert.Equal(t, 2, count)
	})
	t.Run("Should swallow handler panics", func(t *testing.T) {
		e := NewEmitter("")
		e.On(EventReplan, func(context.Context, Event) { panic("bad consumer") })
		delivered := false
		e.On(EventReplan, func(context.Context, Event) { delivered = true })
		assert.NotPanics(t, func() { e.Emit(ctx, EventReplan, nil) })
		assert.True(t, delivered)
	})
	t.Run("Should default a nil payload to an empty map", func(t *testing.T) {
		e := NewEmitter("")
		var payload map[string]any
		e.On(EventReplan, func(_ context.Context, event Event) { payload = event.Payload })
		e.Emit(ctx, EventReplan, nil)
		assert.NotNil(t, payload)
	})
}
