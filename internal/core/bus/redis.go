package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "chronicle:events"

// Redis is a bus over Redis pub/sub. Every event is published as JSON on one
// channel; filtering happens on the subscriber side.
type Redis struct {
	client  *redis.Client
	channel string

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

// NewRedis creates a bus on an existing client.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{client: client, channel: channel, subs: make(map[*redisSubscription]struct{})}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	slog.Info("[Bus] Connected to redis", "addr", addr, "channel", channel)
	return NewRedis(client, channel), nil
}

// Ping checks the connection to redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Publish(ctx context.Context, events ...domain.Event) error {
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s #%d: %w", evt.AggregateID, evt.SequenceNumber, err)
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish event %s #%d: %w", evt.AggregateID, evt.SequenceNumber, err)
		}
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so no
// event published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		ps:     ps,
		ch:     make(chan domain.Event, DefaultBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	sub.release = func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}

	go sub.pump(subCtx, filter)
	return sub, nil
}

// Close ends open subscriptions and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return r.client.Close()
}

type redisSubscription struct {
	ps      *redis.PubSub
	ch      chan domain.Event
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	release func()
}

func (s *redisSubscription) Events() <-chan domain.Event { return s.ch }

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.ps.Close()
		<-s.done
		if s.release != nil {
			s.release()
		}
	})
}

func (s *redisSubscription) pump(ctx context.Context, filter Filter) {
	defer close(s.done)
	defer close(s.ch)

	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("[Bus] Discarding undecodable message", "channel", msg.Channel, "error", err)
				continue
			}
			if !filter.Matches(evt) {
				continue
			}
			select {
			case s.ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}
