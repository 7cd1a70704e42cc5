/*
ledger.go - Reservation ledger over AssetRecords

PURPOSE:
  The InventoryLedger owns Quantity and Reserved on every AssetRecord.
  Transfers hold stock by reserving it, give it back by releasing it, and on
  completion the ledger relocates it to the destination department.

CRITICAL INVARIANTS:
  1. 0 <= Reserved <= Quantity on every record, at all times
  2. Every write is one atomic read-check-write on one record, so two
     concurrent reservations against the same asset can't lose an update

RELOCATION:
  amount >= Quantity: the whole record is re-homed (DepartmentID rewritten)
  amount <  Quantity: the source keeps Quantity - amount, the destination
                      gets amount via MergeResolver.MergeInto

  Each step stamps an operation token on the record it touches, so
  replaying a relocation after a crash never applies a step twice.

EXAMPLE:
  ledger := engine.NewLedger(store)
  if _, err := ledger.Reserve(ctx, "asset-1", engine.Units(5)); err != nil {
      // *InsufficientAvailabilityError carries the current availability
  }
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// errSkip aborts an UpdateAsset without writing; the step was already applied.
var errSkip = errors.New("step already applied")

type InventoryLedger struct {
	Store  AssetStore
	Merge  *MergeResolver
	Logger *slog.Logger
}

func NewLedger(store AssetStore) *InventoryLedger {
	return &InventoryLedger{
		Store:  store,
		Merge:  NewMergeResolver(store),
		Logger: slog.Default(),
	}
}

// Reserve holds amount of the asset for an in-flight transfer.
func (l *InventoryLedger) Reserve(ctx context.Context, id AssetID, amount decimal.Decimal) (AssetRecord, error) {
	if !amount.IsPositive() {
		return AssetRecord{}, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return l.Store.UpdateAsset(ctx, id, func(rec *AssetRecord) error {
		return reserveOn(rec, amount)
	})
}

func reserveOn(rec *AssetRecord, amount decimal.Decimal) error {
	if avail := rec.Available(); amount.GreaterThan(avail) {
		return &InsufficientAvailabilityError{
			AssetID:   rec.ID,
			Name:      rec.Name,
			Requested: amount,
			Available: avail,
		}
	}
	rec.Reserved = rec.Reserved.Add(amount)
	return nil
}

// Release gives back up to amount of a reservation. Reserved never drops below zero.
func (l *InventoryLedger) Release(ctx context.Context, id AssetID, amount decimal.Decimal) (AssetRecord, error) {
	return l.Store.UpdateAsset(ctx, id, func(rec *AssetRecord) error {
		rec.Reserved = clampSub(rec.Reserved, amount)
		return nil
	})
}

// Intake creates a new asset record with nothing reserved.
func (l *InventoryLedger) Intake(ctx context.Context, rec AssetRecord) (AssetRecord, error) {
	switch {
	case rec.DepartmentID == "":
		return AssetRecord{}, &ValidationError{Field: "department", Reason: "required"}
	case Normalize(rec.Name) == "":
		return AssetRecord{}, &ValidationError{Field: "name", Reason: "required"}
	case rec.Quantity.IsNegative():
		return AssetRecord{}, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if rec.ID == "" {
		rec.ID = AssetID(uuid.NewString())
	}
	rec.Reserved = decimal.Zero
	rec.AppliedOps = nil
	if err := l.Store.CreateAsset(ctx, rec); err != nil {
		return AssetRecord{}, err
	}
	return rec, nil
}

// =============================================================================
// RELOCATION - Completion stock move
// =============================================================================

// StockMove is one line of a completed transfer to relocate.
type StockMove struct {
	TransferID TransferID
	Line       int
	Item       LineItem
	To         DepartmentID
}

func (m StockMove) token(step string) string {
	return fmt.Sprintf("%s/%d/%s", m.TransferID, m.Line, step)
}

// RelocateOrSplit moves the line's quantity to the destination department and
// releases its reservation. Safe to call again for the same move.
func (l *InventoryLedger) RelocateOrSplit(ctx context.Context, m StockMove) error {
	rehomeTok, debitTok := m.token("rehome"), m.token("debit")
	amount := m.Item.Quantity

	rehomed := false
	_, err := l.Store.UpdateAsset(ctx, m.Item.AssetID, func(rec *AssetRecord) error {
		switch {
		case rec.hasOp(rehomeTok):
			rehomed = true
			return errSkip
		case rec.hasOp(debitTok):
			return errSkip
		}

		if amount.GreaterThanOrEqual(rec.Quantity) {
			rec.DepartmentID = m.To
			rec.Reserved = clampSub(rec.Reserved, amount)
			rec.stampOp(rehomeTok)
			rehomed = true
			return nil
		}
		rec.Quantity = rec.Quantity.Sub(amount)
		rec.Reserved = clampSub(rec.Reserved, amount)
		if rec.Reserved.GreaterThan(rec.Quantity) {
			rec.Reserved = rec.Quantity
		}
		rec.stampOp(debitTok)
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		return fmt.Errorf("debit source %s: %w", m.Item.AssetID, err)
	}
	if rehomed {
		l.Logger.Debug("asset re-homed", "asset", m.Item.AssetID, "to", m.To)
		return nil
	}

	dest, err := l.Merge.MergeInto(ctx, m.To, m.Item.Template(), amount, m.token("credit"))
	if err != nil {
		return fmt.Errorf("credit destination %s: %w", m.To, err)
	}
	l.Logger.Debug("asset split", "source", m.Item.AssetID, "dest", dest.ID, "quantity", amount.String())
	return nil
}

func clampSub(a, b decimal.Decimal) decimal.Decimal {
	out := a.Sub(b)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
