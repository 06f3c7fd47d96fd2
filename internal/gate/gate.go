// Package gate rejects observations already seen for a device and appends
// accepted ones to the store.
package gate

import (
	"context"
	"sync"

	"sonde_relay/internal/sonde"
	"sonde_relay/internal/storage"
)

// Status is the outcome of an Accept call.
type Status int

const (
	Accepted Status = iota
	Duplicate
)

func (s Status) String() string {
	if s == Duplicate {
		return "DUPLICATE"
	}
	return "ACCEPTED"
}

// Gate performs the check-then-insert dedup against the store. The mutex
// makes the pair atomic; ingestion is sequential today, but dispatch could
// be parallelised per device later and the (ser, vframe) unique index in
// the store is only a backstop, not a contract.
type Gate struct {
	mu    sync.Mutex
	store storage.Store
}

// New creates a gate over the given store.
func New(store storage.Store) *Gate {
	return &Gate{store: store}
}

// Accept persists the observation unless its (serial, vframe) key has been
// seen before. On Duplicate no side effects occur.
func (g *Gate) Accept(ctx context.Context, obs *sonde.Observation) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	exists, err := g.store.Exists(ctx, obs.Serial, obs.VFrame)
	if err != nil {
		return Duplicate, err
	}
	if exists {
		return Duplicate, nil
	}

	if err := g.store.Append(ctx, obs); err != nil {
		return Duplicate, err
	}
	return Accepted, nil
}
