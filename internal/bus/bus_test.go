package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("user-1")
	defer sub.Close()

	b.Publish("user-1", Event{Type: EventMemoryWritten, UserID: "user-1", Payload: "memory-123"})

	select {
	case e := <-sub.Events:
		require.Equal(t, EventMemoryWritten, e.Type)
		require.Equal(t, "memory-123", e.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIgnoresOtherChannels(t *testing.T) {
	b := New()
	sub := b.Subscribe("user-1")
	defer sub.Close()

	b.Publish("user-2", Event{Type: EventMemoryWritten, UserID: "user-2"})

	select {
	case <-sub.Events:
		t.Fatal("should not have received an event for a different channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe("user-1")
	require.Equal(t, 1, b.SubscriberCount("user-1"))
	sub.Close()
	require.Equal(t, 0, b.SubscriberCount("user-1"))
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("user-1")
	defer sub.Close()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("user-1", Event{Type: EventMemoryWritten})
	}
	// Should not block or panic; buffer caps at subscriberBufferSize.
	require.LessOrEqual(t, len(sub.Events), subscriberBufferSize)
}
