package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return StreamEvent{}
	}
}

// pending drains whatever is buffered without waiting.
func pending(ch <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func subscribe(t *testing.T, h *MemoryHub, f EventFilter) <-chan StreamEvent {
	t.Helper()
	ch, unsubscribe, err := h.Subscribe(context.Background(), f)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return ch
}

func TestEventFilter_Matches(t *testing.T) {
	ev := StreamEvent{ExecutionID: "e1", WorkflowID: "w1", NodeID: "n1", EventType: schema.EventExecutionLog}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"execution", EventFilter{ExecutionID: "e1"}, true},
		{"other execution", EventFilter{ExecutionID: "e2"}, false},
		{"workflow", EventFilter{WorkflowID: "w1"}, true},
		{"other workflow", EventFilter{WorkflowID: "w2"}, false},
		{"node", EventFilter{NodeID: "n1"}, true},
		{"other node", EventFilter{NodeID: "n2"}, false},
		{"type listed", EventFilter{EventTypes: []string{schema.EventExecutionStatus, schema.EventExecutionLog}}, true},
		{"type not listed", EventFilter{EventTypes: []string{schema.EventExecutionMetrics}}, false},
		{"all fields", EventFilter{ExecutionID: "e1", WorkflowID: "w1", NodeID: "n1", EventTypes: []string{schema.EventExecutionLog}}, true},
		{"one field off", EventFilter{ExecutionID: "e1", WorkflowID: "w1", NodeID: "n9"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestMemoryHub_RoutesByFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all := subscribe(t, hub, EventFilter{})
	exec1 := subscribe(t, hub, EventFilter{ExecutionID: "exec-1"})
	statusOnly := subscribe(t, hub, EventFilter{WorkflowID: "wf-a", EventTypes: []string{schema.EventExecutionStatus}})
	assert.Equal(t, 3, hub.Subscribers())

	published := []StreamEvent{
		{ExecutionID: "exec-1", WorkflowID: "wf-a", EventType: schema.EventExecutionStatus},
		{ExecutionID: "exec-1", WorkflowID: "wf-a", NodeID: "fetch", EventType: schema.EventExecutionLog},
		{ExecutionID: "exec-2", WorkflowID: "wf-a", EventType: schema.EventExecutionStatus},
		{ExecutionID: "exec-3", WorkflowID: "wf-b", EventType: schema.EventExecutionMetrics},
	}
	for _, ev := range published {
		require.NoError(t, hub.Publish(ctx, ev))
	}

	assert.Equal(t, published, pending(all))
	assert.Equal(t, published[:2], pending(exec1))
	assert.Equal(t, []StreamEvent{published[0], published[2]}, pending(statusOnly))
}

func TestMemoryHub_PayloadDeliveredAsIs(t *testing.T) {
	hub := NewMemoryHub()
	ch := subscribe(t, hub, EventFilter{})

	ev := StreamEvent{
		ExecutionID: "exec-1",
		EventType:   schema.EventExecutionMetrics,
		Payload:     map[string]any{"nodes_executed": 4},
		Timestamp:   time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, hub.Publish(context.Background(), ev))
	assert.Equal(t, ev, recv(t, ch))
}

func TestMemoryHub_SlowSubscriberDropsOnlyItsOwn(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()

	slow := subscribe(t, hub, EventFilter{ExecutionID: "exec-1"})
	other := subscribe(t, hub, EventFilter{ExecutionID: "exec-2"})

	for range 5 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventExecutionLog}))
	}
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: schema.EventExecutionLog}))

	assert.Len(t, pending(slow), 2)
	assert.Len(t, pending(other), 1)
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestMemoryHub_WithBufferIgnoresNonPositive(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(0))
	ch := subscribe(t, hub, EventFilter{})
	assert.Equal(t, defaultBuffer, cap(ch))
}

func TestMemoryHub_SubscriptionEnds(t *testing.T) {
	t.Run("unsubscribe closes and is idempotent", func(t *testing.T) {
		hub := NewMemoryHub()
		ch, unsubscribe, err := hub.Subscribe(context.Background(), EventFilter{})
		require.NoError(t, err)

		unsubscribe()
		unsubscribe()
		require.NoError(t, hub.Publish(context.Background(), StreamEvent{ExecutionID: "exec-1"}))

		_, ok := <-ch
		assert.False(t, ok)
		assert.Zero(t, hub.Subscribers())
	})

	t.Run("context cancellation", func(t *testing.T) {
		hub := NewMemoryHub()
		ctx, cancel := context.WithCancel(context.Background())
		ch, _, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)

		cancel()
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("subscription outlived its context")
		}
		assert.Zero(t, hub.Subscribers())
	})

	t.Run("hub close", func(t *testing.T) {
		hub := NewMemoryHub()
		ch, unsubscribe, err := hub.Subscribe(context.Background(), EventFilter{})
		require.NoError(t, err)

		hub.Close()
		hub.Close()
		_, ok := <-ch
		assert.False(t, ok)
		// Unsubscribing after close must not double-close the channel.
		unsubscribe()

		assert.ErrorIs(t, hub.Publish(context.Background(), StreamEvent{}), ErrHubClosed)
		_, _, err = hub.Subscribe(context.Background(), EventFilter{})
		assert.ErrorIs(t, err, ErrHubClosed)
	})
}

func TestMemoryHub_RejectsDoneContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_ConcurrentPublishAndChurn(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(4))
	ctx := context.Background()
	stable := subscribe(t, hub, EventFilter{ExecutionID: "exec-stable"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "exec-busy", EventType: schema.EventExecutionLog})
			}
		}()
		go func() {
			defer wg.Done()
			ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			pending(ch)
			unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, hub.Subscribers())
	assert.Empty(t, pending(stable))
}
