package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// PostgresChannel is the LISTEN/NOTIFY channel used for analysis changes.
const PostgresChannel = "deckflow_analysis_changes"

type notifyPayload struct {
	ID     string `json:"id"`
	JobKey string `json:"jobKey"`
}

// PostgresFeed notifies through pg_notify and fans incoming notifications out
// to local subscribers. Payloads carry only the id; subscribers receive the
// record reloaded from the database, which keeps NOTIFY under its size limit.
type PostgresFeed struct {
	db       *gorm.DB
	listener *pq.Listener
	local    *MemoryFeed
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPostgresFeed(db *gorm.DB, dsn string) (*PostgresFeed, error) {
	listener := pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.WithError(err, "statestore").WithField("event", int(ev)).Warn("Postgres listener event")
		}
	})
	if err := listener.Listen(PostgresChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", PostgresChannel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &PostgresFeed{
		db:       db,
		listener: listener,
		local:    NewMemoryFeed(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go f.dispatch(ctx)
	return f, nil
}

func (f *PostgresFeed) Publish(ctx context.Context, a *models.Analysis) error {
	payload, err := json.Marshal(notifyPayload{ID: a.ID, JobKey: a.JobKey})
	if err != nil {
		return err
	}
	if err := f.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", PostgresChannel, string(payload)).Error; err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (f *PostgresFeed) Subscribe(ctx context.Context, jobKey string) (<-chan models.Analysis, func(), error) {
	return f.local.Subscribe(ctx, jobKey)
}

func (f *PostgresFeed) dispatch(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Connection was re-established; notifications may have been missed.
				logger.Warn("Postgres listener reconnected", nil)
				continue
			}
			f.deliver(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := f.listener.Ping(); err != nil {
					logger.WithError(err, "statestore").Warn("Postgres listener ping failed")
				}
			}()
		}
	}
}

func (f *PostgresFeed) deliver(ctx context.Context, extra string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(extra), &p); err != nil {
		logger.WithError(err, "statestore").Warn("Dropping malformed notification")
		return
	}
	if f.local.Subscribers(p.JobKey) == 0 {
		return
	}
	var a models.Analysis
	if err := f.db.WithContext(ctx).First(&a, "id = ?", p.ID).Error; err != nil {
		logger.WithError(err, "statestore").WithField("analysis_id", p.ID).Warn("Failed to load notified analysis")
		return
	}
	_ = f.local.Publish(ctx, &a)
}

func (f *PostgresFeed) Close() error {
	f.cancel()
	err := f.listener.Close()
	<-f.done
	f.local.Close()
	return err
}
