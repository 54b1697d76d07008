package ws

import (
	"testing"
	"time"

	"upliftcs/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan services.ExecutionEvent) services.ExecutionEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return services.ExecutionEvent{}
}

func TestHubDeliversOnlyToSameOrganization(t *testing.T) {
	hub := NewHub(nil)

	orgA, cancelA := hub.Subscribe(1)
	defer cancelA()
	orgB, cancelB := hub.Subscribe(2)
	defer cancelB()

	hub.Publish(services.ExecutionEvent{Type: services.EventExecutionStarted, OrganizationID: 1, ExecutionID: 7})

	e := receive(t, orgA)
	assert.Equal(t, uint(7), e.ExecutionID)
	assert.Equal(t, services.EventExecutionStarted, e.Type)

	select {
	case e := <-orgB:
		t.Fatalf("unexpected event for another organization: %+v", e)
	default:
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(nil)

	ch, cancel := hub.Subscribe(3)
	require.Equal(t, 1, hub.SubscriberCount(3))

	cancel()
	cancel()
	assert.Equal(t, 0, hub.SubscriberCount(3))

	_, open := <-ch
	assert.False(t, open)

	// 没有订阅者时发布不会阻塞
	hub.Publish(services.ExecutionEvent{OrganizationID: 3})
}

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(4)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(services.ExecutionEvent{OrganizationID: 4, ExecutionID: uint(i)})
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, uint(0), receive(t, ch).ExecutionID)
}
