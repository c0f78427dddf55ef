package index

import (
	"context"
	"sync"
	"sync/atomic"
)

// EpochStore persists the corpus epoch across restarts.
type EpochStore interface {
	LoadEpoch(ctx context.Context) (uint64, error)
	SaveEpoch(ctx context.Context, epoch uint64) error
}

// Epoch is the monotonic corpus version. It advances by exactly one per
// committed index batch and never moves backward; retrieval stamps every
// result set with the epoch it was served at so downstream consumers can
// tell cached answers from fresh ones.
type Epoch struct {
	mu    sync.Mutex
	value atomic.Uint64
	store EpochStore
}

// LoadEpochCounter restores the epoch from the metadata store. A store with
// no recorded epoch starts at zero.
func LoadEpochCounter(ctx context.Context, store EpochStore) (*Epoch, error) {
	current, err := store.LoadEpoch(ctx)
	if err != nil {
		return nil, err
	}
	e := &Epoch{store: store}
	e.value.Store(current)
	return e, nil
}

// Current returns the epoch as of the last committed batch.
func (e *Epoch) Current() uint64 {
	return e.value.Load()
}

// Bump persists and returns the next epoch. The in-memory value only moves
// after the store write succeeds, so a failed bump leaves the epoch where
// it was.
func (e *Epoch) Bump(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.value.Load() + 1
	if err := e.store.SaveEpoch(ctx, next); err != nil {
		return e.value.Load(), err
	}
	e.value.Store(next)
	return next, nil
}
