package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "notifications:11111111-2222-3333-4444-555555555555", Channel(id))
}

func TestMemoryHubDeliversToSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	user := uuid.New()
	other := uuid.New()

	ch, cancel, err := hub.Subscribe(context.Background(), user)
	require.NoError(t, err)
	defer cancel()

	msg := Message{Type: "loan_approved", Data: json.RawMessage(`{"loan_number":"LN-1"}`)}
	require.NoError(t, hub.Publish(context.Background(), other, msg))
	require.NoError(t, hub.Publish(context.Background(), user, msg))

	select {
	case got := <-ch:
		assert.Equal(t, "loan_approved", got.Type)
		assert.JSONEq(t, `{"loan_number":"LN-1"}`, string(got.Data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected message %v", extra)
	default:
	}
}

func TestMemoryHubCancel(t *testing.T) {
	hub := NewMemoryHub()
	user := uuid.New()

	ch, cancel, err := hub.Subscribe(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(user))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers(user))
	assert.NoError(t, hub.Publish(context.Background(), user, Message{Type: "x"}))
}

func TestMemoryHubContextDone(t *testing.T) {
	hub := NewMemoryHub()
	user := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := hub.Subscribe(ctx, user)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestMemoryHubDropsWhenFull(t *testing.T) {
	hub := NewMemoryHub()
	user := uuid.New()
	ch, cancel, err := hub.Subscribe(context.Background(), user)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, hub.Publish(context.Background(), user, Message{Type: "x"}))
	}
	assert.Len(t, ch, subscriberBuffer)
}
