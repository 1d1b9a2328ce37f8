package statestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deckflow/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFeedFiltersByKey(t *testing.T) {
	feed := NewMemoryFeed()
	defer feed.Close()
	ctx := context.Background()

	ch, unsubscribe, err := feed.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, feed.Publish(ctx, &models.Analysis{ID: "1", JobKey: "b"}))
	require.NoError(t, feed.Publish(ctx, &models.Analysis{ID: "2", JobKey: "a"}))

	select {
	case got := <-ch:
		assert.Equal(t, "2", got.ID)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestMemoryFeedSlowSubscriberKeepsLatest(t *testing.T) {
	feed := NewMemoryFeed()
	defer feed.Close()
	ctx := context.Background()

	ch, unsubscribe, err := feed.Subscribe(ctx, "k")
	require.NoError(t, err)
	defer unsubscribe()

	total := subscriberBuffer * 3
	for i := 0; i < total; i++ {
		require.NoError(t, feed.Publish(ctx, &models.Analysis{ID: fmt.Sprint(i), JobKey: "k", ProgressPercent: i}))
	}

	var last models.Analysis
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, fmt.Sprint(total-1), last.ID)
}

func TestMemoryFeedUnsubscribeOnContextEnd(t *testing.T) {
	feed := NewMemoryFeed()
	defer feed.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := feed.Subscribe(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, feed.Subscribers("k"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, feed.Subscribers("k"))
}
