/*
rollback.go - Compensation when a transfer is deleted, and undo of deletion

NON-COMPLETED TRANSFER:
  Only reservations exist. Release each line's reservation. The caller gets
  an UndoToken that can recreate the transfer if stock is still available.

COMPLETED TRANSFER:
  Invert the stock move, grouped by identity key:
    1. group lines by destination key, subtract each group's total from the
       destination records (records reaching zero are deleted)
    2. add back to the source only what step 1 actually took, into one
       source record (created from the line snapshot if none exists,
       consolidated if duplicates exist)

  Destination stock that is reserved by a later transfer, or already gone,
  stays where it is. The missing amount is reported as a *ShortfallError so
  units are never created on the source side.

  Grouping first matters: two lines with the same destination key must be
  subtracted as one amount from one consolidated record, not line by line
  against records the previous line already changed.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type RollbackCompensator struct {
	Store  Store
	Ledger *InventoryLedger
	Logger *slog.Logger
}

// UndoToken lets a caller restore a deleted non-completed transfer. How long
// a token stays usable is the caller's decision.
type UndoToken struct {
	ID       string
	Transfer TransferRecord
	IssuedAt time.Time
}

// ReleaseReservations gives back every line's reservation. Lines whose asset
// no longer exists are skipped.
func (c *RollbackCompensator) ReleaseReservations(ctx context.Context, t TransferRecord) error {
	var errs []error
	for _, item := range t.Items {
		if !item.Quantity.IsPositive() {
			continue
		}
		_, err := c.Ledger.Release(ctx, item.AssetID, item.Quantity)
		if IsNotFound(err) {
			c.Logger.Warn("release skipped, asset missing", "transfer", t.ID, "asset", item.AssetID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", item.AssetID, err))
		}
	}
	return errors.Join(errs...)
}

// keyedAmount is the total moved for one identity key, plus the template used
// if a record has to be created for it.
type keyedAmount struct {
	Key      IdentityKey
	Template AssetTemplate
	Total    decimal.Decimal
}

// groupByKey sums line quantities by the lines' identity key in dept,
// keeping first-seen order.
func groupByKey(items []LineItem, dept DepartmentID) []keyedAmount {
	var groups []keyedAmount
	index := make(map[IdentityKey]int)
	for _, item := range items {
		key := item.Template().In(dept)
		if i, ok := index[key]; ok {
			groups[i].Total = groups[i].Total.Add(item.Quantity)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, keyedAmount{Key: key, Template: item.Template(), Total: item.Quantity})
	}
	return groups
}

// RevertCompleted inverts the completion stock move of t.
func (c *RollbackCompensator) RevertCompleted(ctx context.Context, t TransferRecord) error {
	var moved []LineItem
	for _, item := range t.Items {
		if item.Moved && item.Quantity.IsPositive() {
			moved = append(moved, item)
		}
	}

	var errs []error
	for _, g := range groupByKey(moved, t.ToDeptID) {
		short, err := c.Ledger.Merge.Subtract(ctx, g.Key, g.Total)
		if err != nil {
			errs = append(errs, fmt.Errorf("subtract %s from %s: %w", g.Key, t.ToDeptID, err))
		}
		if short.IsPositive() {
			c.Logger.Warn("destination held less than was moved",
				"transfer", t.ID, "key", g.Key.String(), "missing", short.String())
			errs = append(errs, &ShortfallError{Department: t.ToDeptID, Key: g.Key, Missing: short})
		}

		back := g.Total.Sub(short)
		if !back.IsPositive() {
			continue
		}
		if _, err := c.Ledger.Merge.MergeInto(ctx, t.FromDeptID, g.Template, back, ""); err != nil {
			errs = append(errs, fmt.Errorf("restore %s to %s: %w", g.Template.In(t.FromDeptID), t.FromDeptID, err))
		}
	}
	return errors.Join(errs...)
}

// Undo re-reserves every line of the deleted transfer and recreates it under
// newID. If any line lacks availability, or its asset has left the source
// department, nothing is restored.
func (c *RollbackCompensator) Undo(ctx context.Context, token UndoToken, newID TransferID, now time.Time) (*TransferRecord, error) {
	t := token.Transfer
	if t.Status == StatusCompleted {
		return nil, &ValidationError{Field: "token", Reason: "completed transfers cannot be restored"}
	}
	if len(t.Items) == 0 {
		return nil, &ValidationError{Field: "token", Reason: "no line items"}
	}

	var taken []LineItem
	rollback := func() {
		for _, item := range taken {
			if _, err := c.Ledger.Release(ctx, item.AssetID, item.Quantity); err != nil {
				c.Logger.Error("failed to roll back undo reservation", "asset", item.AssetID, "error", err)
			}
		}
	}

	for _, item := range t.Items {
		_, err := c.Store.UpdateAsset(ctx, item.AssetID, func(rec *AssetRecord) error {
			if rec.DepartmentID != t.FromDeptID {
				return &ValidationError{
					Field:  "items",
					Reason: fmt.Sprintf("asset %s is no longer held by department %s", rec.ID, t.FromDeptID),
				}
			}
			return reserveOn(rec, item.Quantity)
		})
		if err != nil {
			rollback()
			return nil, err
		}
		taken = append(taken, item)
	}

	rec := t.Clone()
	rec.ID = newID
	rec.Nonce = ""
	rec.Drain = DrainLease{}
	rec.CreatedAt = now
	if err := c.Store.CreateTransfer(ctx, rec); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to recreate transfer: %w", err)
	}
	return &rec, nil
}
