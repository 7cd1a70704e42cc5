// Package store provides engine.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	seq       int64
	assets    map[engine.AssetID]assetRow
	transfers map[engine.TransferID]transferRow
	counters  map[string]int64
	nonces    map[string]engine.NonceRecord

	// failAsset lets tests inject a write failure for one asset.
	failAsset map[engine.AssetID]error
}

type assetRow struct {
	seq int64
	rec engine.AssetRecord
}

type transferRow struct {
	seq int64
	rec engine.TransferRecord
}

var _ engine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		assets:    make(map[engine.AssetID]assetRow),
		transfers: make(map[engine.TransferID]transferRow),
		counters:  make(map[string]int64),
		nonces:    make(map[string]engine.NonceRecord),
		failAsset: make(map[engine.AssetID]error),
	}
}

// FailAssetWrites makes every later write to id return err. A nil err clears it.
func (m *Memory) FailAssetWrites(id engine.AssetID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAsset, id)
		return
	}
	m.failAsset[id] = err
}

// =============================================================================
// ASSETS
// =============================================================================

func (m *Memory) GetAsset(_ context.Context, id engine.AssetID) (engine.AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.assets[id]
	if !ok {
		return engine.AssetRecord{}, &engine.NotFoundError{Kind: "asset", ID: string(id)}
	}
	return row.rec.Clone(), nil
}

func (m *Memory) ListAssets(_ context.Context) ([]engine.AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedAssets(func(engine.AssetRecord) bool { return true }), nil
}

func (m *Memory) FindAssets(_ context.Context, key engine.IdentityKey) ([]engine.AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedAssets(func(r engine.AssetRecord) bool { return r.Key() == key }), nil
}

// sortedAssets returns matching records in creation order. Caller holds mu.
func (m *Memory) sortedAssets(match func(engine.AssetRecord) bool) []engine.AssetRecord {
	rows := make([]assetRow, 0, len(m.assets))
	for _, row := range m.assets {
		if match(row.rec) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]engine.AssetRecord, len(rows))
	for i, row := range rows {
		out[i] = row.rec.Clone()
	}
	return out
}

func (m *Memory) CreateAsset(_ context.Context, rec engine.AssetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		return fmt.Errorf("create asset: %w", &engine.ValidationError{Field: "id", Reason: "required"})
	}
	if _, exists := m.assets[rec.ID]; exists {
		return fmt.Errorf("asset %s already exists: %w", rec.ID, engine.ErrConflict)
	}
	if err := m.failAsset[rec.ID]; err != nil {
		return err
	}
	m.seq++
	m.assets[rec.ID] = assetRow{seq: m.seq, rec: rec.Clone()}
	return nil
}

func (m *Memory) UpdateAsset(_ context.Context, id engine.AssetID, fn func(*engine.AssetRecord) error) (engine.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.assets[id]
	if !ok {
		return engine.AssetRecord{}, &engine.NotFoundError{Kind: "asset", ID: string(id)}
	}
	if err := m.failAsset[id]; err != nil {
		return engine.AssetRecord{}, err
	}

	rec := row.rec.Clone()
	if err := fn(&rec); err != nil {
		return engine.AssetRecord{}, err
	}
	rec.ID = id
	row.rec = rec
	m.assets[id] = row
	return rec.Clone(), nil
}

func (m *Memory) DeleteAsset(_ context.Context, id engine.AssetID, guard func(engine.AssetRecord) error) (engine.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.assets[id]
	if !ok {
		return engine.AssetRecord{}, &engine.NotFoundError{Kind: "asset", ID: string(id)}
	}
	if guard != nil {
		if err := guard(row.rec.Clone()); err != nil {
			return engine.AssetRecord{}, err
		}
	}
	delete(m.assets, id)
	return row.rec.Clone(), nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

func (m *Memory) GetTransfer(_ context.Context, id engine.TransferID) (engine.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.transfers[id]
	if !ok {
		return engine.TransferRecord{}, &engine.NotFoundError{Kind: "transfer", ID: string(id)}
	}
	return row.rec.Clone(), nil
}

// ListTransfers returns newest first.
func (m *Memory) ListTransfers(_ context.Context) ([]engine.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]transferRow, 0, len(m.transfers))
	for _, row := range m.transfers {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	out := make([]engine.TransferRecord, len(rows))
	for i, row := range rows {
		out[i] = row.rec.Clone()
	}
	return out, nil
}

func (m *Memory) CreateTransfer(_ context.Context, rec engine.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		return fmt.Errorf("create transfer: %w", &engine.ValidationError{Field: "id", Reason: "required"})
	}
	if _, exists := m.transfers[rec.ID]; exists {
		return fmt.Errorf("transfer %s already exists: %w", rec.ID, engine.ErrConflict)
	}
	m.seq++
	m.transfers[rec.ID] = transferRow{seq: m.seq, rec: rec.Clone()}
	return nil
}

func (m *Memory) UpdateTransfer(_ context.Context, id engine.TransferID, fn func(*engine.TransferRecord) error) (engine.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.transfers[id]
	if !ok {
		return engine.TransferRecord{}, &engine.NotFoundError{Kind: "transfer", ID: string(id)}
	}

	rec := row.rec.Clone()
	if err := fn(&rec); err != nil {
		return engine.TransferRecord{}, err
	}
	rec.ID = id
	row.rec = rec
	m.transfers[id] = row
	return rec.Clone(), nil
}

func (m *Memory) DeleteTransfer(_ context.Context, id engine.TransferID, guard func(engine.TransferRecord) error) (engine.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.transfers[id]
	if !ok {
		return engine.TransferRecord{}, &engine.NotFoundError{Kind: "transfer", ID: string(id)}
	}
	if guard != nil {
		if err := guard(row.rec.Clone()); err != nil {
			return engine.TransferRecord{}, err
		}
	}
	delete(m.transfers, id)
	return row.rec.Clone(), nil
}

// =============================================================================
// SEQUENCES AND NONCES
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return m.counters[name], nil
}

func (m *Memory) GetNonce(_ context.Context, nonce string) (engine.NonceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nonces[nonce]
	if !ok {
		return engine.NonceRecord{}, &engine.NotFoundError{Kind: "nonce", ID: nonce}
	}
	return rec, nil
}

func (m *Memory) SaveNonce(_ context.Context, rec engine.NonceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nonces[rec.Nonce]; exists {
		return fmt.Errorf("nonce %s already processed: %w", rec.Nonce, engine.ErrConflict)
	}
	m.nonces[rec.Nonce] = rec
	return nil
}
