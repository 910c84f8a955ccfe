package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis implements Bus over Redis pub/sub, one channel per user
// session, for deployments where the peer client instances are
// separate processes. Redis delivers published messages back to the
// publisher's own subscription, which matches Hub semantics.
type Redis struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[int]func(Message)
	nextID int
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to Redis and subscribes to the broadcast channel
// for the given session. The receive loop runs until Close.
func NewRedis(addr, password, sessionID string, logger *slog.Logger) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	channel := "ride:bus:" + sessionID
	ctx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		client:  c,
		channel: channel,
		pubsub:  c.Subscribe(ctx, channel),
		logger:  logger.With(slog.String("component", "redis_bus")),
		subs:    make(map[int]func(Message)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.receive(ctx)
	return b
}

func (b *Redis) receive(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("dropping malformed bus message", slog.Any("error", err))
				continue
			}
			b.mu.RLock()
			fns := make([]func(Message), 0, len(b.subs))
			for _, fn := range b.subs {
				fns = append(fns, fn)
			}
			b.mu.RUnlock()
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}

func (b *Redis) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *Redis) Subscribe(fn func(Message)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[int]func(Message))
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
