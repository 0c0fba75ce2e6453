package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the room broadcast fabric, a thin layer over Redis pub/sub.
// Every subscriber of a channel receives every payload published to it from
// the moment its subscription is confirmed; there is no backlog replay (the
// backlog lives in MessageLog) and no local drop policy, payloads queue per
// subscriber until consumed.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Event is one payload delivered to a subscription.
type Event struct {
	Channel string
	Payload []byte
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on all given channels and does not return
// until the server has confirmed each one, so a publish issued after
// Subscribe returns is guaranteed to reach the subscription. Payloads that
// land on already-confirmed channels while the rest are still settling are
// buffered, not lost.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)

	var early []Event
	for confirmed := 0; confirmed < len(channels); {
		reply, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		switch m := reply.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			early = append(early, Event{Channel: m.Channel, Payload: []byte(m.Payload)})
		}
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan Event, len(early)+subscriptionBuffer),
		done:   make(chan struct{}),
	}
	for _, ev := range early {
		sub.events <- ev
	}
	go sub.relay(ctx)
	return sub, nil
}

const subscriptionBuffer = 16

// Subscription is one live pub/sub handle. Close is idempotent and must be
// called on every exit path of the owning poll; an unclosed subscription is
// a leak that outlives the request.
type Subscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events yields payloads in delivery order. The channel is closed when the
// subscription is closed or the transport fails.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) relay(ctx context.Context) {
	defer close(s.events)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			// Closed subscription or dead transport; either way the
			// consumer learns about it from the channel closing.
			return
		}
		select {
		case s.events <- Event{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
