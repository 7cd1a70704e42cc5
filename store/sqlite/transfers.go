package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// TRANSFER STORE - engine.TransferStore
// =============================================================================

const transferColumns = `id, display_id, nonce, from_dept_id, to_dept_id, status, items_json,
	signatures_json, created_by_json, created_at, version, stock_moved, drain_owner, drain_until`

// transferJSON holds the columns stored as JSON.
type transferJSON struct {
	items      []byte
	signatures []byte
	createdBy  []byte
}

func encodeTransfer(rec engine.TransferRecord) (transferJSON, error) {
	var out transferJSON
	var err error
	if out.items, err = json.Marshal(rec.Items); err != nil {
		return out, fmt.Errorf("encode items: %w", err)
	}
	sigs := rec.Signatures
	if sigs == nil {
		sigs = map[engine.Role]engine.Signature{}
	}
	if out.signatures, err = json.Marshal(sigs); err != nil {
		return out, fmt.Errorf("encode signatures: %w", err)
	}
	if out.createdBy, err = json.Marshal(rec.CreatedBy); err != nil {
		return out, fmt.Errorf("encode creator: %w", err)
	}
	return out, nil
}

func scanTransfer(row rowScanner) (engine.TransferRecord, error) {
	var rec engine.TransferRecord
	var items, sigs, createdBy, createdAt string
	var drainUntil sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.DisplayID, &rec.Nonce, &rec.FromDeptID, &rec.ToDeptID, &rec.Status, &items,
		&sigs, &createdBy, &createdAt, &rec.Version, &rec.StockMoved, &rec.Drain.Owner, &drainUntil,
	); err != nil {
		return engine.TransferRecord{}, err
	}

	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return engine.TransferRecord{}, fmt.Errorf("corrupt items for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(sigs), &rec.Signatures); err != nil {
		return engine.TransferRecord{}, fmt.Errorf("corrupt signatures for %s: %w", rec.ID, err)
	}
	if rec.Signatures == nil {
		rec.Signatures = map[engine.Role]engine.Signature{}
	}
	if err := json.Unmarshal([]byte(createdBy), &rec.CreatedBy); err != nil {
		return engine.TransferRecord{}, fmt.Errorf("corrupt creator for %s: %w", rec.ID, err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.TransferRecord{}, fmt.Errorf("transfer %s: %w", rec.ID, err)
	}
	if rec.Drain.Until, err = parseNullTime(drainUntil); err != nil {
		return engine.TransferRecord{}, fmt.Errorf("transfer %s: %w", rec.ID, err)
	}
	return rec, nil
}

func getTransfer(ctx context.Context, q querier, id engine.TransferID) (engine.TransferRecord, error) {
	rec, err := scanTransfer(q.QueryRowContext(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.TransferRecord{}, &engine.NotFoundError{Kind: "transfer", ID: string(id)}
	}
	return rec, err
}

// GetTransfer retrieves a transfer by ID.
func (s *Store) GetTransfer(ctx context.Context, id engine.TransferID) (engine.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransfer(ctx, s.db, id)
}

// ListTransfers returns every transfer, newest first.
func (s *Store) ListTransfers(ctx context.Context) ([]engine.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+transferColumns+" FROM transfers ORDER BY seq DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateTransfer inserts a new transfer.
func (s *Store) CreateTransfer(ctx context.Context, rec engine.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return &engine.ValidationError{Field: "id", Reason: "required"}
	}
	enc, err := encodeTransfer(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.DisplayID, rec.Nonce, rec.FromDeptID, rec.ToDeptID, rec.Status, string(enc.items),
		string(enc.signatures), string(enc.createdBy), formatTime(rec.CreatedAt), rec.Version, rec.StockMoved,
		rec.Drain.Owner, drainUntilColumn(rec.Drain),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("transfer %s already exists: %w", rec.ID, engine.ErrConflict)
	}
	return err
}

// UpdateTransfer reads, modifies and writes one transfer in a transaction.
func (s *Store) UpdateTransfer(ctx context.Context, id engine.TransferID, fn func(*engine.TransferRecord) error) (engine.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out engine.TransferRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getTransfer(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id

		enc, err := encodeTransfer(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transfers SET
				display_id = ?, nonce = ?, from_dept_id = ?, to_dept_id = ?, status = ?, items_json = ?,
				signatures_json = ?, created_by_json = ?, created_at = ?, version = ?, stock_moved = ?,
				drain_owner = ?, drain_until = ?
			WHERE id = ?
		`,
			rec.DisplayID, rec.Nonce, rec.FromDeptID, rec.ToDeptID, rec.Status, string(enc.items),
			string(enc.signatures), string(enc.createdBy), formatTime(rec.CreatedAt), rec.Version, rec.StockMoved,
			rec.Drain.Owner, drainUntilColumn(rec.Drain), id,
		)
		out = rec
		return err
	})
	if err != nil {
		return engine.TransferRecord{}, err
	}
	return out, nil
}

// DeleteTransfer removes a transfer if guard accepts the stored record.
func (s *Store) DeleteTransfer(ctx context.Context, id engine.TransferID, guard func(engine.TransferRecord) error) (engine.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out engine.TransferRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getTransfer(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(rec); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM transfers WHERE id = ?", id); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return engine.TransferRecord{}, err
	}
	return out, nil
}

func drainUntilColumn(l engine.DrainLease) sql.NullString {
	if l.Owner == "" {
		return sql.NullString{}
	}
	return nullString(formatTime(l.Until))
}

// =============================================================================
// SEQUENCES AND NONCES - engine.SequenceStore, engine.NonceStore
// =============================================================================

// NextSequence increments the named counter in one statement.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, current_value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET current_value = current_value + 1
		RETURNING current_value
	`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", name, err)
	}
	return value, nil
}

// GetNonce retrieves a processed nonce.
func (s *Store) GetNonce(ctx context.Context, nonce string) (engine.NonceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := engine.NonceRecord{Nonce: nonce}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT transfer_id, display_id, actor_id, created_at FROM processed_nonces WHERE nonce = ?", nonce,
	).Scan(&rec.TransferID, &rec.DisplayID, &rec.ActorID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NonceRecord{}, &engine.NotFoundError{Kind: "nonce", ID: nonce}
	}
	if err != nil {
		return engine.NonceRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.NonceRecord{}, fmt.Errorf("nonce %s: %w", nonce, err)
	}
	return rec, nil
}

// SaveNonce records a processed nonce.
func (s *Store) SaveNonce(ctx context.Context, rec engine.NonceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_nonces (nonce, transfer_id, display_id, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Nonce, rec.TransferID, rec.DisplayID, rec.ActorID, formatTime(rec.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("nonce %s already processed: %w", rec.Nonce, engine.ErrConflict)
	}
	return err
}
