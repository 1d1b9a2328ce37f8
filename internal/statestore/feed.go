package statestore

import (
	"context"
	"sync"

	"github.com/deckflow/backend/internal/models"
)

// Feed delivers a copy of an analysis every time it is inserted or updated.
type Feed interface {
	Publish(ctx context.Context, a *models.Analysis) error
	// Subscribe streams changes for one job key until ctx ends or unsubscribe is called.
	Subscribe(ctx context.Context, jobKey string) (<-chan models.Analysis, func(), error)
	Close() error
}

const subscriberBuffer = 64

// MemoryFeed fans changes out to in-process subscribers.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch   chan models.Analysis
	once sync.Once
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish never blocks. When a subscriber falls behind, its oldest pending
// update is discarded; the latest state is always delivered.
func (f *MemoryFeed) Publish(ctx context.Context, a *models.Analysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[a.JobKey] {
		for {
			select {
			case sub.ch <- *a:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, jobKey string) (<-chan models.Analysis, func(), error) {
	sub := &memorySub{ch: make(chan models.Analysis, subscriberBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	if f.subs[jobKey] == nil {
		f.subs[jobKey] = make(map[*memorySub]struct{})
	}
	f.subs[jobKey][sub] = struct{}{}
	f.mu.Unlock()

	unsubscribe := func() { f.remove(jobKey, sub) }

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

func (f *MemoryFeed) remove(jobKey string, sub *memorySub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.subs[jobKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, jobKey)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribers returns the number of live subscriptions for jobKey.
func (f *MemoryFeed) Subscribers(jobKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[jobKey])
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for key, set := range f.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(f.subs, key)
	}
	return nil
}
