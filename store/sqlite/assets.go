package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// ASSET STORE - engine.AssetStore
// =============================================================================

const assetColumns = `id, department_id, name, unit, size, description, notes,
	quantity, reserved, applied_ops_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (engine.AssetRecord, error) {
	var rec engine.AssetRecord
	var quantity, reserved, ops string
	if err := row.Scan(
		&rec.ID, &rec.DepartmentID, &rec.Name, &rec.Unit, &rec.Size, &rec.Description, &rec.Notes,
		&quantity, &reserved, &ops,
	); err != nil {
		return engine.AssetRecord{}, err
	}

	var err error
	if rec.Quantity, err = parseDecimal(quantity); err != nil {
		return engine.AssetRecord{}, err
	}
	if rec.Reserved, err = parseDecimal(reserved); err != nil {
		return engine.AssetRecord{}, err
	}
	if err := json.Unmarshal([]byte(ops), &rec.AppliedOps); err != nil {
		return engine.AssetRecord{}, fmt.Errorf("corrupt applied ops for %s: %w", rec.ID, err)
	}
	return rec, nil
}

func getAsset(ctx context.Context, q querier, id engine.AssetID) (engine.AssetRecord, error) {
	rec, err := scanAsset(q.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.AssetRecord{}, &engine.NotFoundError{Kind: "asset", ID: string(id)}
	}
	return rec, err
}

// GetAsset retrieves an asset record by ID.
func (s *Store) GetAsset(ctx context.Context, id engine.AssetID) (engine.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAsset(ctx, s.db, id)
}

// ListAssets returns every asset record in creation order.
func (s *Store) ListAssets(ctx context.Context) ([]engine.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAssets(ctx, "SELECT "+assetColumns+" FROM assets ORDER BY seq")
}

// FindAssets returns records matching the identity key in creation order.
func (s *Store) FindAssets(ctx context.Context, key engine.IdentityKey) ([]engine.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAssets(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE department_id = ? AND key_name = ? AND key_unit = ? AND key_size = ?
		ORDER BY seq
	`, key.Department, key.Name, key.Unit, key.Size)
}

func (s *Store) queryAssets(ctx context.Context, query string, args ...any) ([]engine.AssetRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.AssetRecord
	for rows.Next() {
		rec, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateAsset inserts a new asset record.
func (s *Store) CreateAsset(ctx context.Context, rec engine.AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return &engine.ValidationError{Field: "id", Reason: "required"}
	}
	ops, err := json.Marshal(opsOrEmpty(rec.AppliedOps))
	if err != nil {
		return err
	}
	key := rec.Key()
	now := formatTime(time.Now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (id, department_id, name, unit, size, description, notes,
			quantity, reserved, key_name, key_unit, key_size, applied_ops_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.DepartmentID, rec.Name, rec.Unit, rec.Size, rec.Description, rec.Notes,
		rec.Quantity.String(), rec.Reserved.String(), key.Name, key.Unit, key.Size, string(ops), now, now,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("asset %s already exists: %w", rec.ID, engine.ErrConflict)
	}
	return err
}

// UpdateAsset reads, modifies and writes one asset record in a transaction.
func (s *Store) UpdateAsset(ctx context.Context, id engine.AssetID, fn func(*engine.AssetRecord) error) (engine.AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out engine.AssetRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getAsset(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id

		ops, err := json.Marshal(opsOrEmpty(rec.AppliedOps))
		if err != nil {
			return err
		}
		key := rec.Key()
		_, err = tx.ExecContext(ctx, `
			UPDATE assets SET
				department_id = ?, name = ?, unit = ?, size = ?, description = ?, notes = ?,
				quantity = ?, reserved = ?, key_name = ?, key_unit = ?, key_size = ?,
				applied_ops_json = ?, updated_at = ?
			WHERE id = ?
		`,
			rec.DepartmentID, rec.Name, rec.Unit, rec.Size, rec.Description, rec.Notes,
			rec.Quantity.String(), rec.Reserved.String(), key.Name, key.Unit, key.Size,
			string(ops), formatTime(time.Now()), id,
		)
		out = rec
		return err
	})
	if err != nil {
		return engine.AssetRecord{}, err
	}
	return out, nil
}

// DeleteAsset removes an asset record if guard accepts it.
func (s *Store) DeleteAsset(ctx context.Context, id engine.AssetID, guard func(engine.AssetRecord) error) (engine.AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out engine.AssetRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getAsset(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(rec); err != nil {
				return err
			}
		}
		out = rec
		_, err = tx.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
		return err
	})
	if err != nil {
		return engine.AssetRecord{}, err
	}
	return out, nil
}

func opsOrEmpty(ops []string) []string {
	if ops == nil {
		return []string{}
	}
	return ops
}
