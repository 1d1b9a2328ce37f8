package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisFeed publishes full analysis records on one pub/sub channel per job key.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

func NewRedisFeed(ctx context.Context, addr, password string, db int, prefix string) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisFeed{client: client, prefix: prefix}, nil
}

func (f *RedisFeed) channel(jobKey string) string {
	return f.prefix + jobKey
}

func (f *RedisFeed) Publish(ctx context.Context, a *models.Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(a.JobKey), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, jobKey string) (<-chan models.Analysis, func(), error) {
	sub := f.client.Subscribe(ctx, f.channel(jobKey))
	// Wait for the subscription to be confirmed so no publish is missed after return.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ch := make(chan models.Analysis, subscriberBuffer)
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var a models.Analysis
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					logger.WithError(err, "statestore").Warn("Dropping malformed feed message")
					continue
				}
				select {
				case ch <- a:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() { once.Do(func() { close(done) }) }
	return ch, unsubscribe, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
