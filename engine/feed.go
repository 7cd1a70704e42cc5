/*
feed.go - Read projection for presentation layers

PURPOSE:
  Presentation layers read the current transfers and asset records through
  the Feed, either by polling Snapshot or by subscribing to change
  notifications. There is no write path back into the engine.

DELIVERY:
  Each subscriber has a one-slot buffer. A slow subscriber only ever sees
  the newest snapshot; intermediate ones are dropped.
*/
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type FeedSnapshot struct {
	Sequence  uint64
	At        time.Time
	Transfers []TransferRecord
	Assets    []AssetRecord
}

type Feed struct {
	store  Store
	Logger *slog.Logger

	mu   sync.Mutex
	seq  uint64
	next int
	subs map[int]chan FeedSnapshot
}

func NewFeed(store Store) *Feed {
	return &Feed{store: store, Logger: slog.Default(), subs: make(map[int]chan FeedSnapshot)}
}

// Snapshot reads the current state.
func (f *Feed) Snapshot(ctx context.Context) (FeedSnapshot, error) {
	transfers, err := f.store.ListTransfers(ctx)
	if err != nil {
		return FeedSnapshot{}, err
	}
	assets, err := f.store.ListAssets(ctx)
	if err != nil {
		return FeedSnapshot{}, err
	}

	f.mu.Lock()
	seq := f.seq
	f.mu.Unlock()

	return FeedSnapshot{Sequence: seq, At: time.Now(), Transfers: transfers, Assets: assets}, nil
}

// Subscribe returns a channel receiving a snapshot after every committed
// change. The channel is closed when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) <-chan FeedSnapshot {
	ch := make(chan FeedSnapshot, 1)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Publish notifies subscribers that state changed.
func (f *Feed) Publish(ctx context.Context) {
	f.mu.Lock()
	f.seq++
	hasSubs := len(f.subs) > 0
	f.mu.Unlock()
	if !hasSubs {
		return
	}

	snap, err := f.Snapshot(ctx)
	if err != nil {
		f.Logger.Warn("feed snapshot failed, subscribers not notified", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case <-ch: // drop the stale one
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
