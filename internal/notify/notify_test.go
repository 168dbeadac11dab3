package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/utils"
)

func TestEvent_Channels(t *testing.T) {
	e := Event{Type: SessionCreated, CustomerID: "c1", ProviderID: "p1"}
	assert.Equal(t, []string{"user-c1", "provider-p1"}, e.Channels())

	e = Event{Type: QueueJoined, CustomerID: "c1"}
	assert.Equal(t, []string{"user-c1"}, e.Channels())
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), Event{Type: QueueJoined})
	r.Publish(context.Background(), Event{Type: QueueLeft})
	r.Publish(context.Background(), Event{Type: QueueJoined})

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.OfType(QueueJoined), 2)
	assert.Empty(t, r.OfType(SessionEnded))
}

func TestPubNub_PublishesToEveryChannel(t *testing.T) {
	var channels []string
	p := newPubNub(func(ctx context.Context, channel string, message any) error {
		channels = append(channels, channel)
		e, ok := message.(Event)
		require.True(t, ok)
		assert.Equal(t, SessionEnded, e.Type)
		return nil
	}, utils.NewCircuitBreaker("pubnub"), 8)

	p.Publish(context.Background(), Event{Type: SessionEnded, CustomerID: "c1", ProviderID: "p1"})
	require.NoError(t, p.Close())

	assert.Equal(t, []string{"user-c1", "provider-p1"}, channels)
}

func TestPubNub_BreakerOpensOnRepeatedFailures(t *testing.T) {
	calls := 0
	p := newPubNub(func(ctx context.Context, channel string, message any) error {
		calls++
		return errors.New("pubnub down")
	}, utils.NewCircuitBreaker("pubnub", utils.WithTripAfter(3)), 16)

	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), Event{Type: QueueJoined, CustomerID: "c1"})
	}
	require.NoError(t, p.Close())

	assert.Equal(t, 3, calls, "publishes stop once the breaker is open")
	assert.Equal(t, utils.StateOpen, p.breaker.State())
}

func TestPubNub_PublishDoesNotWaitForSlowSends(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []string

	p := newPubNub(func(ctx context.Context, channel string, message any) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		sent = append(sent, message.(Event).CustomerID)
		mu.Unlock()
		return nil
	}, utils.NewCircuitBreaker("pubnub"), 1)

	ctx := context.Background()
	p.Publish(ctx, Event{Type: QueueJoined, CustomerID: "c1"})
	<-started

	// c1 is in flight, c2 fills the queue and c3 is dropped.
	p.Publish(ctx, Event{Type: QueueJoined, CustomerID: "c2"})
	p.Publish(ctx, Event{Type: QueueJoined, CustomerID: "c3"})

	close(release)
	require.NoError(t, p.Close())

	assert.Equal(t, []string{"c1", "c2"}, sent)

	p.Publish(ctx, Event{Type: QueueJoined, CustomerID: "c4"})
	assert.Len(t, sent, 2, "closed publisher drops events")
}
