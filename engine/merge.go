/*
merge.go - Find-or-create and de-duplication of asset records by identity key

PURPOSE:
  Asset records are entered by hand, so several records in one department can
  share an identity key. Whenever stock lands in (or is taken from) a
  department, the resolver folds those duplicates into one record first.

RULES:
  - No match:          create a new record seeded from the template
  - One match:         add to it
  - Several matches:   the first (creation order) absorbs the others, then add

  A duplicate that holds reservations is never absorbed: an in-flight transfer
  references it by id. It stays a separate record until released.

ATOMICITY:
  Each absorb is "guarded delete of the duplicate, then add to the target",
  two single-record writes. Two concurrent untokened merges may both create a
  record for the same key; the next merge on that key consolidates them.

  A tokened merge that has to create derives the record id from the token.
  A second run of the same credit then collides on CreateAsset, looks again
  and finds the record already stamped.
*/
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errReservedDuplicate = errors.New("duplicate holds reservations")

// mergePlan is the pure decision of how to fold a set of matching records.
type mergePlan struct {
	Target *AssetRecord
	Absorb []AssetRecord
	Keep   []AssetRecord
}

// planMerge picks the first match as the target and absorbs every other
// match that holds no reservation.
func planMerge(matches []AssetRecord) mergePlan {
	if len(matches) == 0 {
		return mergePlan{}
	}
	target := matches[0]
	plan := mergePlan{Target: &target}
	for _, m := range matches[1:] {
		if m.Reserved.IsPositive() {
			plan.Keep = append(plan.Keep, m)
			continue
		}
		plan.Absorb = append(plan.Absorb, m)
	}
	return plan
}

// =============================================================================
// MERGE RESOLVER
// =============================================================================

type MergeResolver struct {
	Store  AssetStore
	NewID  func() AssetID
	Logger *slog.Logger
}

func NewMergeResolver(store AssetStore) *MergeResolver {
	return &MergeResolver{
		Store:  store,
		NewID:  func() AssetID { return AssetID(uuid.NewString()) },
		Logger: slog.Default(),
	}
}

// Consolidate folds duplicate records for key into one and returns the
// records left for that key, target first. Empty means no record exists.
func (r *MergeResolver) Consolidate(ctx context.Context, key IdentityKey) ([]AssetRecord, error) {
	matches, err := r.Store.FindAssets(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.consolidate(ctx, matches)
}

func (r *MergeResolver) consolidate(ctx context.Context, matches []AssetRecord) ([]AssetRecord, error) {
	plan := planMerge(matches)
	if plan.Target == nil {
		return nil, nil
	}
	target := *plan.Target

	for _, dup := range plan.Absorb {
		removed, err := r.Store.DeleteAsset(ctx, dup.ID, func(cur AssetRecord) error {
			if cur.Reserved.IsPositive() {
				return errReservedDuplicate
			}
			return nil
		})
		if errors.Is(err, errReservedDuplicate) {
			plan.Keep = append(plan.Keep, dup)
			continue
		}
		if IsNotFound(err) {
			continue // consolidated by someone else
		}
		if err != nil {
			return nil, err
		}

		target, err = r.Store.UpdateAsset(ctx, target.ID, func(rec *AssetRecord) error {
			rec.Quantity = rec.Quantity.Add(removed.Quantity)
			for _, op := range removed.AppliedOps {
				rec.stampOp(op)
			}
			return nil
		})
		if err != nil {
			// Put the duplicate back rather than lose its stock.
			if restoreErr := r.Store.CreateAsset(ctx, removed); restoreErr != nil {
				r.Logger.Error("consolidation lost a duplicate",
					"asset", removed.ID, "quantity", removed.Quantity.String(), "error", restoreErr)
			}
			return nil, err
		}
		r.Logger.Info("consolidated duplicate asset",
			"into", target.ID, "absorbed", removed.ID, "quantity", removed.Quantity.String())
	}

	return append([]AssetRecord{target}, plan.Keep...), nil
}

// MergeInto adds amount of the templated item to dept, creating the record if
// none exists. A non-empty token makes the call idempotent: if any matching
// record already carries it, nothing changes.
func (r *MergeResolver) MergeInto(ctx context.Context, dept DepartmentID, tmpl AssetTemplate, amount decimal.Decimal, token string) (AssetRecord, error) {
	key := tmpl.In(dept)

	const attempts = 3
	var lastErr error
	for range attempts {
		matches, err := r.Store.FindAssets(ctx, key)
		if err != nil {
			return AssetRecord{}, err
		}
		for _, m := range matches {
			if m.hasOp(token) {
				return m, nil
			}
		}

		remaining, err := r.consolidate(ctx, matches)
		if err != nil {
			return AssetRecord{}, err
		}

		if len(remaining) == 0 {
			id := r.NewID()
			if token != "" {
				id = opAssetID(token)
			}
			rec := AssetRecord{
				ID:           id,
				DepartmentID: dept,
				Name:         tmpl.Name,
				Unit:         tmpl.Unit,
				Size:         tmpl.Size,
				Description:  tmpl.Description,
				Notes:        tmpl.Notes,
				Quantity:     amount,
				Reserved:     decimal.Zero,
			}
			rec.stampOp(token)
			err := r.Store.CreateAsset(ctx, rec)
			if errors.Is(err, ErrConflict) && token != "" {
				// The same credit created it concurrently.
				lastErr = err
				continue
			}
			if err != nil {
				return AssetRecord{}, err
			}
			return rec, nil
		}

		rec, err := r.Store.UpdateAsset(ctx, remaining[0].ID, func(rec *AssetRecord) error {
			if rec.hasOp(token) {
				return nil
			}
			rec.Quantity = rec.Quantity.Add(amount)
			rec.stampOp(token)
			return nil
		})
		if IsNotFound(err) {
			// Target vanished between find and update. Look again.
			lastErr = err
			continue
		}
		return rec, err
	}
	return AssetRecord{}, lastErr
}

var opNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("transfer-engine/op"))

// opAssetID is the id of the record a tokened credit creates.
func opAssetID(token string) AssetID {
	return AssetID(uuid.NewSHA1(opNamespace, []byte(token)).String())
}

// Subtract removes up to amount of stock matching key, never touching
// reserved stock. Records that reach zero are deleted. It returns the part
// of amount that could not be subtracted.
func (r *MergeResolver) Subtract(ctx context.Context, key IdentityKey, amount decimal.Decimal) (decimal.Decimal, error) {
	remaining, err := r.Consolidate(ctx, key)
	if err != nil {
		return amount, err
	}

	left := amount
	for _, rec := range remaining {
		if !left.IsPositive() {
			break
		}
		var taken decimal.Decimal
		updated, err := r.Store.UpdateAsset(ctx, rec.ID, func(cur *AssetRecord) error {
			taken = decimal.Min(left, cur.Available())
			cur.Quantity = cur.Quantity.Sub(taken)
			return nil
		})
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return left, err
		}
		left = left.Sub(taken)

		if !updated.Quantity.IsPositive() {
			_, err := r.Store.DeleteAsset(ctx, updated.ID, func(cur AssetRecord) error {
				if cur.Quantity.IsPositive() || cur.Reserved.IsPositive() {
					return ErrConflict
				}
				return nil
			})
			if err != nil && !errors.Is(err, ErrConflict) && !IsNotFound(err) {
				return left, err
			}
		}
	}
	return left, nil
}
