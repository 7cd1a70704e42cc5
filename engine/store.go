/*
store.go - Persistence contract for asset and transfer records

PURPOSE:
  Defines the interface between the engine and the document store. The store
  offers single-record atomic read-modify-write, nothing wider. Every ledger and
  workflow write is expressed against one record at a time.

ATOMICITY CONTRACT:
  UpdateAsset / UpdateTransfer run fn against the current stored value while
  holding that record exclusively. If fn returns an error nothing is written.
  NextSequence and SaveNonce are single-record writes too.
  There is NO multi-record transaction. Operations touching several records
  (releasing every line of a transfer, a stock move) are sequences of
  independent per-record writes.

NOT FOUND:
  Reads and updates of a missing record return a *NotFoundError.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for testing and dev
  - store/sqlite/sqlite.go: SQLite
*/
package engine

import (
	"context"
	"time"
)

// AssetStore persists AssetRecords.
type AssetStore interface {
	GetAsset(ctx context.Context, id AssetID) (AssetRecord, error)
	ListAssets(ctx context.Context) ([]AssetRecord, error)

	// FindAssets returns every record in key.Department whose identity key
	// equals key, in creation order.
	FindAssets(ctx context.Context, key IdentityKey) ([]AssetRecord, error)

	// CreateAsset inserts rec. rec.ID must be set.
	CreateAsset(ctx context.Context, rec AssetRecord) error

	// UpdateAsset atomically applies fn to the stored record and returns the result.
	UpdateAsset(ctx context.Context, id AssetID, fn func(*AssetRecord) error) (AssetRecord, error)

	// DeleteAsset removes the record and returns what was stored. A non-nil
	// guard sees the stored value first; if it returns an error nothing is deleted.
	DeleteAsset(ctx context.Context, id AssetID, guard func(AssetRecord) error) (AssetRecord, error)
}

// TransferStore persists TransferRecords.
type TransferStore interface {
	GetTransfer(ctx context.Context, id TransferID) (TransferRecord, error)

	// ListTransfers returns every transfer, newest first.
	ListTransfers(ctx context.Context) ([]TransferRecord, error)

	CreateTransfer(ctx context.Context, rec TransferRecord) error

	// UpdateTransfer atomically applies fn to the stored record and returns the result.
	UpdateTransfer(ctx context.Context, id TransferID, fn func(*TransferRecord) error) (TransferRecord, error)

	// DeleteTransfer removes the record and returns what was stored. A
	// non-nil guard sees the stored value first; if it returns an error
	// nothing is deleted.
	DeleteTransfer(ctx context.Context, id TransferID, guard func(TransferRecord) error) (TransferRecord, error)
}

// SequenceStore hands out counter values.
type SequenceStore interface {
	// NextSequence increments the named counter and returns the new value.
	// The first call for a name returns 1.
	NextSequence(ctx context.Context, name string) (int64, error)
}

// NonceRecord remembers which transfer a client nonce produced.
type NonceRecord struct {
	Nonce      string
	TransferID TransferID
	DisplayID  string
	ActorID    string
	CreatedAt  time.Time
}

// NonceStore persists processed create nonces.
type NonceStore interface {
	// GetNonce returns a *NotFoundError if the nonce was never saved.
	GetNonce(ctx context.Context, nonce string) (NonceRecord, error)

	// SaveNonce inserts rec, or returns ErrConflict if the nonce exists.
	SaveNonce(ctx context.Context, rec NonceRecord) error
}

// Store is everything the engine persists.
type Store interface {
	AssetStore
	TransferStore
	SequenceStore
	NonceStore
}
