//go:build integration

package statestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/db"
	"github.com/deckflow/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("deckflow"),
		postgres.WithUsername("deckflow"),
		postgres.WithPassword("deckflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func awaitStatus(t *testing.T, ch <-chan models.Analysis, want models.AnalysisStatus) models.Analysis {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case a, ok := <-ch:
			require.True(t, ok, "feed closed")
			if a.Status == want {
				return a
			}
		case <-deadline:
			t.Fatalf("no %s update delivered", want)
		}
	}
}

func TestPostgresFeedDeliversReloadedRecords(t *testing.T) {
	dsn := startPostgres(t)
	conn, err := db.Connect(config.DatabaseConfig{Driver: "postgres", URL: dsn})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(conn))

	feed, err := NewPostgresFeed(conn, dsn)
	require.NoError(t, err)
	defer feed.Close()

	store := New(conn, feed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := feed.Subscribe(ctx, "pg-deal")
	require.NoError(t, err)
	defer unsubscribe()

	a := seedAnalysis(t, store, "pg-deal")
	_, err = store.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing), Progress: intp(10)})
	require.NoError(t, err)

	got := awaitStatus(t, ch, models.AnalysisStatusProcessing)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 10, got.ProgressPercent)
}

func TestRedisFeedRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7.4-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	feed, err := NewRedisFeed(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0, "test:")
	require.NoError(t, err)
	defer feed.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, unsubscribe, err := feed.Subscribe(subCtx, "r-deal")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, feed.Publish(ctx, &models.Analysis{ID: "x", JobKey: "r-deal", Status: models.AnalysisStatusContextReady, ProgressPercent: 40}))

	got := awaitStatus(t, ch, models.AnalysisStatusContextReady)
	assert.Equal(t, 40, got.ProgressPercent)
}
