package cache

import (
	"context"
)

// EntryKind tags what a persisted entry holds.
type EntryKind string

const (
	EntryOrder      EntryKind = "order"
	EntryPosition   EntryKind = "position"
	EntryAccount    EntryKind = "account"
	EntryInstrument EntryKind = "instrument"
)

// Entry is one persisted record: a JSON payload keyed by kind and id.
type Entry struct {
	Kind    EntryKind
	Key     string
	Payload []byte
}

// Store mirrors the cache to a durable backend. Writes are best-effort
// and never on the critical path of a live decision: a failing store
// degrades durability, not trading.
type Store interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Flush(ctx context.Context, batch []Entry) error
	Close() error
}

// NopStore discards writes and loads nothing.
type NopStore struct{}

func (NopStore) LoadAll(context.Context) ([]Entry, error) { return nil, nil }
func (NopStore) Flush(context.Context, []Entry) error     { return nil }
func (NopStore) Close() error                             { return nil }
