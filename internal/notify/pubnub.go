package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubnub "github.com/pubnub/go/v7"

	"chat-engine/utils"
)

const (
	publishQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// channelPublisher is the slice of the PubNub client this package uses.
type channelPublisher func(ctx context.Context, channel string, message any) error

// PubNub publishes events on per-user and per-provider channels. Events are
// queued and sent by a single worker so a slow PubNub never holds up the
// caller. A full queue drops the event; so does an open circuit breaker.
type PubNub struct {
	publish channelPublisher
	breaker *utils.CircuitBreaker
	queue   chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

func NewPubNub(cfg PubNubConfig) *PubNub {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	pn := pubnub.NewPubNub(pnCfg)

	send := func(ctx context.Context, channel string, message any) error {
		_, st, err := pn.PublishWithContext(ctx).
			Channel(channel).
			Message(message).
			Execute()
		if err != nil {
			return err
		}
		if st.Error != nil {
			return st.Error
		}
		if st.StatusCode >= 400 {
			return fmt.Errorf("pubnub publish to %s: status %d", channel, st.StatusCode)
		}
		return nil
	}
	breaker := utils.NewCircuitBreaker("pubnub", utils.WithTripAfter(5), utils.WithHalfOpenRequests(2))
	return newPubNub(send, breaker, publishQueueSize)
}

func newPubNub(publish channelPublisher, breaker *utils.CircuitBreaker, queueSize int) *PubNub {
	p := &PubNub{
		publish: publish,
		breaker: breaker,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish queues e and returns immediately.
func (p *PubNub) Publish(_ context.Context, e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		slog.Warn("Publisher closed, dropping event", "type", e.Type)
		return
	}
	select {
	case p.queue <- e:
	default:
		slog.Warn("Publish queue full, dropping event", "type", e.Type, "customer_id", e.CustomerID)
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
func (p *PubNub) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done
	return nil
}

func (p *PubNub) loop() {
	defer close(p.done)
	for e := range p.queue {
		p.send(e)
	}
}

func (p *PubNub) send(e Event) {
	for _, ch := range e.Channels() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.publish(ctx, ch, e)
		})
		cancel()
		if err != nil {
			slog.Warn("Failed to publish event",
				"type", e.Type,
				"channel", ch,
				"breaker", p.breaker.State().String(),
				"error", err,
			)
		}
	}
}
