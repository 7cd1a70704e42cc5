/*
workflow.go - Transfer lifecycle: create, sign, delete

PURPOSE:
  The Workflow owns the TransferRecord state machine. It reserves stock on
  create, advances status one signature at a time, triggers the stock move
  on completion and dispatches deletion to the RollbackCompensator.

TRANSFER FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  Create ──▶ reserve each line ──▶ PENDING_SENDER                     │
  │                                        │ sender signs                │
  │                                        ▼                             │
  │                                  PENDING_RECEIVER                    │
  │                                        │ receiver signs              │
  │                                        ▼                             │
  │                                  PENDING_ADMIN                       │
  │                                        │ admin signs                 │
  │                                        ▼                             │
  │                                   COMPLETED + stockMoved ──▶ outbox  │
  │                                                                      │
  │  Delete (any status) ──▶ compensate ──▶ record removed               │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

CONCURRENCY:
  Sign is a guarded update on the transfer record: it only writes if the
  stored Version and Status still match what was checked. Two concurrent
  signers for one role produce one winner; the loser gets *StaleStateError.

  Create reserves each line with its own atomic write. On the first failure
  the reservations already taken in that call are released again.

  Delete removes the record with a guard: same Version, no stock move owed
  and no drain lease held. A signer or drainer that got there first makes
  the delete fail as stale instead of compensating beside it.

IDEMPOTENT CREATE:
  A client nonce fixes the transfer id. Replaying a request with the same
  nonce returns the transfer it produced and reserves nothing. Two
  concurrent requests with one nonce collide on CreateTransfer; the loser
  releases its reservations and returns the winner's transfer.

COMPLETION:
  The admin signature sets COMPLETED and stockMoved=true in one write. The
  stock move runs after that write, through the outbox (outbox.go), and is
  replayable if the process dies in between.

EXAMPLE:
  wf := engine.NewWorkflow(store, caps)
  t, err := wf.Create(ctx, engine.CreateInput{From: "x", To: "y", Items: ...}, actor)
  t, err = wf.Sign(ctx, t.ID, engine.RoleSender, actor)
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Store        Store
	Ledger       *InventoryLedger
	Capabilities CapabilityEvaluator
	Departments  DepartmentRegistry // nil skips the department check
	Compensator  *RollbackCompensator
	Feed         *Feed
	Logger       *slog.Logger

	// ReplayGrace is how long after completion the outbox replay waits
	// before taking over a transfer's stock move.
	ReplayGrace time.Duration

	// DrainLease is how long a drainer owns a stock move without progress.
	DrainLease time.Duration

	Now   func() time.Time
	NewID func() TransferID
}

const DefaultReplayGrace = 30 * time.Second

// transferCounter numbers display ids.
const transferCounter = "transferCounter"

// NewWorkflow wires a workflow with default ledger, compensator and feed.
func NewWorkflow(store Store, caps CapabilityEvaluator) *Workflow {
	wf := &Workflow{
		Store:        store,
		Ledger:       NewLedger(store),
		Capabilities: caps,
		Feed:         NewFeed(store),
		Logger:       slog.Default(),
		ReplayGrace:  DefaultReplayGrace,
		DrainLease:   DefaultDrainLease,
		Now:          time.Now,
		NewID:        func() TransferID { return TransferID(uuid.NewString()) },
	}
	if d, ok := caps.(DepartmentRegistry); ok {
		wf.Departments = d
	}
	wf.Compensator = &RollbackCompensator{Store: store, Ledger: wf.Ledger, Logger: wf.Logger}
	return wf
}

// LineRequest asks for quantity of one asset.
type LineRequest struct {
	AssetID  AssetID
	Quantity decimal.Decimal
}

type CreateInput struct {
	From  DepartmentID
	To    DepartmentID
	Items []LineRequest

	// Nonce makes the create idempotent. Optional.
	Nonce string
}

func (in CreateInput) validate() error {
	switch {
	case in.From == "":
		return &ValidationError{Field: "from", Reason: "source department required"}
	case in.To == "":
		return &ValidationError{Field: "to", Reason: "destination department required"}
	case in.From == in.To:
		return &ValidationError{Field: "to", Reason: "destination must differ from source"}
	case len(in.Items) == 0:
		return &ValidationError{Field: "items", Reason: "at least one line item required"}
	}
	seen := make(map[AssetID]bool, len(in.Items))
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.AssetID == "" {
			return &ValidationError{Field: field, Reason: "asset id required"}
		}
		if !item.Quantity.IsPositive() {
			return &ValidationError{Field: field, Reason: "quantity must be positive"}
		}
		if seen[item.AssetID] {
			return &ValidationError{Field: field, Reason: "asset listed twice"}
		}
		seen[item.AssetID] = true
	}
	return nil
}

// Create reserves every line and persists a PENDING_SENDER transfer.
// Either every line is reserved or none is.
func (w *Workflow) Create(ctx context.Context, in CreateInput, actor Actor) (*TransferRecord, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := w.checkDepartments(ctx, in.From, in.To); err != nil {
		return nil, err
	}

	id := w.NewID()
	if in.Nonce != "" {
		prev, err := w.Store.GetNonce(ctx, in.Nonce)
		if err == nil {
			return w.replayedCreate(ctx, prev.TransferID, in.Nonce)
		}
		if !IsNotFound(err) {
			return nil, err
		}
		id = nonceTransferID(in.Nonce)
	}

	items, err := w.reserveLines(ctx, in.From, in.Items)
	if err != nil {
		return nil, err
	}

	seq, err := w.Store.NextSequence(ctx, transferCounter)
	if err != nil {
		w.releaseLines(ctx, items)
		return nil, fmt.Errorf("failed to number transfer: %w", err)
	}

	now := w.Now()
	rec := TransferRecord{
		ID:         id,
		DisplayID:  fmt.Sprintf("PLC-%d-%05d", now.Year(), seq),
		Nonce:      in.Nonce,
		FromDeptID: in.From,
		ToDeptID:   in.To,
		Items:      items,
		Status:     StatusPendingSender,
		Signatures: map[Role]Signature{},
		CreatedBy:  actor,
		CreatedAt:  now,
		Version:    1,
	}
	if err := w.Store.CreateTransfer(ctx, rec); err != nil {
		w.releaseLines(ctx, items)
		if in.Nonce != "" && errors.Is(err, ErrConflict) {
			// A concurrent request with the same nonce won.
			return w.replayedCreate(ctx, id, in.Nonce)
		}
		return nil, fmt.Errorf("failed to persist transfer: %w", err)
	}

	if in.Nonce != "" {
		err := w.Store.SaveNonce(ctx, NonceRecord{
			Nonce: in.Nonce, TransferID: rec.ID, DisplayID: rec.DisplayID, ActorID: actor.ID, CreatedAt: now,
		})
		if err != nil && !errors.Is(err, ErrConflict) {
			// The nonce-derived id still deduplicates replays.
			w.Logger.Warn("failed to record nonce", "nonce", in.Nonce, "id", rec.ID, "error", err)
		}
	}

	w.Logger.Info("transfer created",
		"id", rec.ID, "display_id", rec.DisplayID, "from", rec.FromDeptID, "to", rec.ToDeptID,
		"lines", len(rec.Items), "actor", actor.ID)
	w.Feed.Publish(ctx)
	return &rec, nil
}

var nonceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("transfer-engine/nonce"))

func nonceTransferID(nonce string) TransferID {
	return TransferID(uuid.NewSHA1(nonceNamespace, []byte(nonce)).String())
}

// replayedCreate answers a create whose nonce was already processed.
func (w *Workflow) replayedCreate(ctx context.Context, id TransferID, nonce string) (*TransferRecord, error) {
	rec, err := w.Store.GetTransfer(ctx, id)
	if IsNotFound(err) {
		return nil, &ValidationError{Field: "nonce", Reason: "already used by a deleted transfer"}
	}
	if err != nil {
		return nil, err
	}
	w.Logger.Info("create replayed", "nonce", nonce, "id", rec.ID)
	return &rec, nil
}

// checkDepartments rejects a transfer naming a department the registry
// does not know.
func (w *Workflow) checkDepartments(ctx context.Context, from, to DepartmentID) error {
	if w.Departments == nil {
		return nil
	}
	for _, d := range []struct {
		field string
		id    DepartmentID
	}{{"from", from}, {"to", to}} {
		ok, err := w.Departments.DepartmentExists(ctx, d.id)
		if err != nil {
			return fmt.Errorf("department lookup %s: %w", d.id, err)
		}
		if !ok {
			return &ValidationError{Field: d.field, Reason: fmt.Sprintf("department %s does not exist", d.id)}
		}
	}
	return nil
}

// reserveLines reserves each request against a record in from and snapshots
// the record into a line item. On failure it releases what it took.
func (w *Workflow) reserveLines(ctx context.Context, from DepartmentID, reqs []LineRequest) ([]LineItem, error) {
	items := make([]LineItem, 0, len(reqs))
	for _, req := range reqs {
		var item LineItem
		_, err := w.Store.UpdateAsset(ctx, req.AssetID, func(rec *AssetRecord) error {
			if rec.DepartmentID != from {
				return &ValidationError{
					Field:  "items",
					Reason: fmt.Sprintf("asset %s is not held by department %s", rec.ID, from),
				}
			}
			item = LineItem{
				AssetID:     rec.ID,
				Name:        rec.Name,
				Unit:        rec.Unit,
				Size:        rec.Size,
				Description: rec.Description,
				Notes:       rec.Notes,
				Quantity:    req.Quantity,
				PreStock:    PreStock{Quantity: rec.Quantity, DepartmentID: rec.DepartmentID},
			}
			return reserveOn(rec, req.Quantity)
		})
		if err != nil {
			w.releaseLines(ctx, items)
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (w *Workflow) releaseLines(ctx context.Context, items []LineItem) {
	for _, item := range items {
		if _, err := w.Ledger.Release(ctx, item.AssetID, item.Quantity); err != nil {
			w.Logger.Error("failed to release reservation",
				"asset", item.AssetID, "quantity", item.Quantity.String(), "error", err)
		}
	}
}

// Sign applies role's signature and advances the status by one step.
//
// When the admin signature completes the transfer, the stock move runs
// after the status write. If the move fails the returned record is the
// committed COMPLETED transfer and the error is a *PartialFailureError.
func (w *Workflow) Sign(ctx context.Context, id TransferID, role Role, actor Actor) (*TransferRecord, error) {
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	cur, err := w.Store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	step := transitions[role]
	if cur.Status != step.From {
		return nil, &StaleStateError{TransferID: id, Expected: step.From, Actual: cur.Status}
	}
	if !w.Capabilities.CanSign(ctx, actor, cur, role) {
		return nil, &AuthorizationError{ActorID: actor.ID, TransferID: id, Action: "sign as " + string(role)}
	}

	sig := Signature{SignerID: actor.ID, SignerName: actor.DisplayName(), SignedAt: w.Now()}
	wonStockMove := false

	updated, err := w.Store.UpdateTransfer(ctx, id, func(rec *TransferRecord) error {
		if rec.Version != cur.Version || rec.Status != step.From {
			return &StaleStateError{TransferID: id, Expected: step.From, Actual: rec.Status}
		}
		if rec.Signatures == nil {
			rec.Signatures = map[Role]Signature{}
		}
		rec.Signatures[role] = sig
		rec.Status = step.To
		rec.Version++
		if step.To == StatusCompleted && !rec.StockMoved {
			rec.StockMoved = true
			wonStockMove = true
		}
		return nil
	})
	if IsNotFound(err) {
		// Deleted between the read and the write.
		return nil, &StaleStateError{TransferID: id, Expected: step.From}
	}
	if err != nil {
		return nil, err
	}

	w.Logger.Info("transfer signed",
		"id", id, "role", role, "status", updated.Status, "version", updated.Version, "actor", actor.ID)

	if wonStockMove {
		moved, err := w.applyStockMoves(ctx, id)
		w.Feed.Publish(ctx)
		switch {
		case errors.Is(err, errDrainBusy), IsNotFound(err):
			// Someone else drains it, or already deleted it.
			return &updated, nil
		case err != nil:
			var pf *PartialFailureError
			if errors.As(err, &pf) && moved.ID != "" {
				return &moved, err
			}
			return &updated, err
		}
		return &moved, nil
	}

	w.Feed.Publish(ctx)
	return &updated, nil
}

// Delete removes a transfer and compensates its effect on the ledger.
// For a non-completed transfer the returned UndoToken can restore it.
func (w *Workflow) Delete(ctx context.Context, id TransferID, actor Actor) (*UndoToken, error) {
	cur, err := w.Store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Capabilities.CanDelete(ctx, actor, cur) {
		return nil, &AuthorizationError{ActorID: actor.ID, TransferID: id, Action: "delete"}
	}

	if cur.Status == StatusCompleted && len(cur.PendingMoves()) > 0 {
		// The move must be fully applied before it can be inverted.
		cur, err = w.applyStockMoves(ctx, id)
		if errors.Is(err, errDrainBusy) {
			return nil, &StaleStateError{TransferID: id, Expected: StatusCompleted}
		}
		var pf *PartialFailureError
		if errors.As(err, &pf) {
			// Nothing was deleted; this is not a partial delete.
			return nil, fmt.Errorf("transfer %s kept, stock move still owed: %w", id, pf.Err)
		}
		if err != nil {
			return nil, err
		}
	}

	// Claim the record first: only one deleter compensates, and no signer
	// or drainer can touch it once it is gone.
	now := w.Now()
	removed, err := w.Store.DeleteTransfer(ctx, id, func(stored TransferRecord) error {
		if stored.Version != cur.Version || len(stored.PendingMoves()) > 0 || stored.Drain.HeldAt(now) {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || IsNotFound(err) {
			return nil, &StaleStateError{TransferID: id, Expected: cur.Status}
		}
		return nil, err
	}
	cur = removed

	var token *UndoToken
	if cur.Status == StatusCompleted {
		err = w.Compensator.RevertCompleted(ctx, cur)
	} else {
		err = w.Compensator.ReleaseReservations(ctx, cur)
		token = &UndoToken{ID: uuid.NewString(), Transfer: cur.Clone(), IssuedAt: w.Now()}
	}
	w.Feed.Publish(ctx)

	if err != nil {
		perr := &PartialFailureError{TransferID: id, Line: -1, Err: err}
		w.Logger.Error("transfer deleted but compensation incomplete", "id", id, "error", err)
		return token, perr
	}

	w.Logger.Info("transfer deleted", "id", id, "status", cur.Status, "actor", actor.ID)
	return token, nil
}

// Undo recreates a transfer removed by Delete. See RollbackCompensator.Undo.
func (w *Workflow) Undo(ctx context.Context, token UndoToken, actor Actor) (*TransferRecord, error) {
	rec, err := w.Compensator.Undo(ctx, token, w.NewID(), w.Now())
	if err != nil {
		return nil, err
	}
	w.Logger.Info("transfer restored", "id", rec.ID, "previous", token.Transfer.ID, "actor", actor.ID)
	w.Feed.Publish(ctx)
	return rec, nil
}

// =============================================================================
// READS
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id TransferID) (*TransferRecord, error) {
	rec, err := w.Store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (w *Workflow) List(ctx context.Context) ([]TransferRecord, error) {
	return w.Store.ListTransfers(ctx)
}

// AwaitingActor lists non-completed transfers the actor can sign right now.
func (w *Workflow) AwaitingActor(ctx context.Context, actor Actor) ([]TransferRecord, error) {
	all, err := w.Store.ListTransfers(ctx)
	if err != nil {
		return nil, err
	}
	var mine []TransferRecord
	for _, t := range all {
		role, ok := RoleFor(t.Status)
		if !ok {
			continue
		}
		if w.Capabilities.CanSign(ctx, actor, t, role) {
			mine = append(mine, t)
		}
	}
	return mine, nil
}
