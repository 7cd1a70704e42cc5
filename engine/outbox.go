/*
outbox.go - Replayable completion stock move

PURPOSE:
  The status write that completes a transfer cannot also move the stock: the
  store is atomic per record only. A COMPLETED transfer with stockMoved=true
  and unmoved lines is therefore an outbox entry: stock it still owes.

DRAIN LEASE:
  Whoever drains first claims transfer.Drain in one guarded write. While the
  lease is held no other drainer starts and Delete refuses the transfer, so
  a compensation never runs beside a half-applied move. Each line write
  renews the lease; an expired lease (crashed drainer) is free to take.

APPLYING A LINE:
  1. InventoryLedger.RelocateOrSplit (token-stamped, safe to repeat)
  2. mark the line Moved on the transfer record, if the lease is still ours

  A crash between 1 and 2 only means step 1 is replayed, and the tokens turn
  the replay into a no-op. A crash before 1 leaves the line unmoved for
  ReplayPendingMoves to pick up once the lease expires.

REPLAY GRACE:
  ReplayPendingMoves leaves alone transfers whose admin signature is younger
  than Workflow.ReplayGrace, so it does not claim work the signer is about to do.

FAILURES:
  A failed line stops the drain and returns *PartialFailureError. Nothing is
  retried inline; the scheduler or an operator replays later.
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultDrainLease bounds how long one drainer owns a stock move.
const DefaultDrainLease = time.Minute

var (
	// errDrainBusy means another drainer holds the lease.
	errDrainBusy = errors.New("stock move held by another drainer")

	errNothingOwed = errors.New("no stock move owed")
)

// claimDrain takes the drain lease on id for owner and returns the record as
// claimed. Which lines are owed is read inside the claim.
func (w *Workflow) claimDrain(ctx context.Context, id TransferID, owner string) (TransferRecord, error) {
	now := w.Now()
	return w.Store.UpdateTransfer(ctx, id, func(cur *TransferRecord) error {
		if cur.Status != StatusCompleted || len(cur.PendingMoves()) == 0 {
			return errNothingOwed
		}
		if cur.Drain.HeldAt(now) && cur.Drain.Owner != owner {
			return errDrainBusy
		}
		cur.Drain = DrainLease{Owner: owner, Until: now.Add(w.DrainLease)}
		return nil
	})
}

func (w *Workflow) releaseDrain(ctx context.Context, id TransferID, owner string) (TransferRecord, error) {
	return w.Store.UpdateTransfer(ctx, id, func(cur *TransferRecord) error {
		if cur.Drain.Owner != owner {
			return errSkip
		}
		cur.Drain = DrainLease{}
		return nil
	})
}

// applyStockMoves drains every unmoved line of a COMPLETED transfer under a
// drain lease. It returns the latest stored record. errDrainBusy means
// someone else is draining it; a transfer owing nothing returns as is.
func (w *Workflow) applyStockMoves(ctx context.Context, id TransferID) (TransferRecord, error) {
	owner := uuid.NewString()
	rec, err := w.claimDrain(ctx, id, owner)
	if errors.Is(err, errNothingOwed) || errors.Is(err, errDrainBusy) {
		cur, getErr := w.Store.GetTransfer(ctx, id)
		if getErr != nil {
			return TransferRecord{}, getErr
		}
		if errors.Is(err, errNothingOwed) {
			return cur, nil
		}
		return cur, errDrainBusy
	}
	if err != nil {
		return TransferRecord{}, err
	}

	rec, drainErr := w.drain(ctx, rec, owner)

	released, err := w.releaseDrain(ctx, id, owner)
	switch {
	case err == nil:
		rec = released
	case errors.Is(err, errSkip):
	default:
		w.Logger.Warn("failed to release drain lease", "transfer", id, "error", err)
	}
	return rec, drainErr
}

func (w *Workflow) drain(ctx context.Context, rec TransferRecord, owner string) (TransferRecord, error) {
	for _, line := range rec.PendingMoves() {
		item := rec.Items[line]
		err := w.Ledger.RelocateOrSplit(ctx, StockMove{
			TransferID: rec.ID,
			Line:       line,
			Item:       item,
			To:         rec.ToDeptID,
		})
		if IsNotFound(err) {
			// Source record is gone; nothing to move.
			w.Logger.Warn("stock move skipped, source asset missing",
				"transfer", rec.ID, "line", line, "asset", item.AssetID)
			err = nil
		}
		if err != nil {
			w.Logger.Error("stock move failed after completion",
				"transfer", rec.ID, "line", line, "asset", item.AssetID, "error", err)
			return rec, &PartialFailureError{TransferID: rec.ID, Line: line, Err: err}
		}

		now := w.Now()
		updated, err := w.Store.UpdateTransfer(ctx, rec.ID, func(cur *TransferRecord) error {
			if cur.Drain.Owner != owner {
				return errDrainBusy
			}
			if line < len(cur.Items) {
				cur.Items[line].Moved = true
			}
			cur.Drain.Until = now.Add(w.DrainLease)
			return nil
		})
		if errors.Is(err, errDrainBusy) {
			w.Logger.Warn("drain lease lost, leaving the rest to its new owner",
				"transfer", rec.ID, "line", line)
			return rec, errDrainBusy
		}
		if err != nil {
			w.Logger.Error("stock move applied but not recorded",
				"transfer", rec.ID, "line", line, "error", err)
			return rec, &PartialFailureError{TransferID: rec.ID, Line: line, Err: err}
		}
		rec = updated
	}
	return rec, nil
}

// ReplayPendingMoves finishes the stock move of every completed transfer that
// still owes stock. It returns how many transfers were fully drained, and the
// joined partial failures of the rest. Transfers another drainer holds are
// skipped.
func (w *Workflow) ReplayPendingMoves(ctx context.Context) (int, error) {
	all, err := w.Store.ListTransfers(ctx)
	if err != nil {
		return 0, err
	}

	drained := 0
	var errs []error
	for _, t := range all {
		if t.Status != StatusCompleted || len(t.PendingMoves()) == 0 {
			continue
		}
		if sig, ok := t.Signatures[RoleAdmin]; ok && w.Now().Sub(sig.SignedAt) < w.ReplayGrace {
			continue
		}
		w.Logger.Info("replaying stock move", "transfer", t.ID, "pending", len(t.PendingMoves()))
		rec, err := w.applyStockMoves(ctx, t.ID)
		switch {
		case errors.Is(err, errDrainBusy), IsNotFound(err):
			w.Logger.Debug("replay skipped transfer", "transfer", t.ID, "error", err)
		case err != nil:
			errs = append(errs, err)
		case len(rec.PendingMoves()) == 0:
			drained++
		}
	}
	if drained > 0 {
		w.Feed.Publish(ctx)
	}
	return drained, errors.Join(errs...)
}
