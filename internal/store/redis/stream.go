// Package redis wraps a go-redis client as the cross-instance fan-out
// transport for cache invalidation: one process's head scanner publishes
// a CacheInvalidated event, every other process's Stream subscriber
// drops the matching key from its hot read cache and single-flight
// state.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kodax/walletsnap/internal/domain/event"
	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel every process subscribes to
// for cross-instance cache invalidation.
const InvalidationChannel = "walletsnap:cache-invalidated"

// Stream wraps a go-redis client as the invalidation transport.
type Stream struct {
	client *redis.Client
}

func NewStream(url string) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

// PublishInvalidation fans out a CacheInvalidated event to every other
// process subscribed to InvalidationChannel.
func (s *Stream) PublishInvalidation(ctx context.Context, evt event.CacheInvalidated) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode invalidation event: %w", err)
	}
	if err := s.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation event: %w", err)
	}
	return nil
}

// SubscribeInvalidations runs handler for every CacheInvalidated event
// received on InvalidationChannel until ctx is cancelled. Malformed
// payloads are skipped rather than terminating the subscription.
func (s *Stream) SubscribeInvalidations(ctx context.Context, handler func(event.CacheInvalidated)) error {
	sub := s.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt event.CacheInvalidated
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			handler(evt)
		}
	}
}
