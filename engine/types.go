/*
Package engine provides the asset transfer approval and inventory reservation engine.

PURPOSE:
  Moves physical inventory between departments through a three-party sign-off
  (sender, receiver, admin) while keeping a shared quantity ledger consistent
  under concurrent requests. Deleting a transfer compensates whatever the
  transfer did to the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - AssetRecord: quantity on hand and quantity reserved for one item in one department
  - TransferRecord: a transfer request with line items, status and signatures
  - Status / Role: the sign-off state machine
  - Actor: whoever is calling the engine (authenticated elsewhere)

STATE MACHINE:
  PENDING_SENDER ──sender──▶ PENDING_RECEIVER ──receiver──▶ PENDING_ADMIN ──admin──▶ COMPLETED

  No other forward transitions exist. Regression is only via deletion.

QUANTITIES:
  All quantities are decimal.Decimal. Reservation invariant per record:
    0 <= Reserved <= Quantity

SEE ALSO:
  - ledger.go: reserve/release/relocate on AssetRecords
  - workflow.go: create/sign/delete on TransferRecords
  - rollback.go: compensation and undo
  - outbox.go: replayable stock move after completion
*/
package engine

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AssetID string
type DepartmentID string
type TransferID string

// Units is a convenience constructor for whole-unit quantities.
func Units(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// =============================================================================
// ASSET RECORD - One item's stock in one department
// =============================================================================

type AssetRecord struct {
	ID           AssetID
	DepartmentID DepartmentID
	Name         string
	Unit         string
	Size         string
	Description  string
	Notes        string

	Quantity decimal.Decimal
	Reserved decimal.Decimal

	// AppliedOps holds tokens of stock-move steps already applied to this
	// record. Replaying a step whose token is present is a no-op.
	AppliedOps []string
}

// Available is Quantity - Reserved, never negative.
func (a AssetRecord) Available() decimal.Decimal {
	avail := a.Quantity.Sub(a.Reserved)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Key returns the merge identity of the record.
func (a AssetRecord) Key() IdentityKey {
	return NewIdentityKey(a.DepartmentID, a.Name, a.Unit, a.Size)
}

func (a AssetRecord) hasOp(token string) bool {
	return token != "" && slices.Contains(a.AppliedOps, token)
}

func (a *AssetRecord) stampOp(token string) {
	if token == "" || a.hasOp(token) {
		return
	}
	a.AppliedOps = append(a.AppliedOps, token)
}

// Template returns the descriptive fields used to seed a new record elsewhere.
func (a AssetRecord) Template() AssetTemplate {
	return AssetTemplate{
		Name:        a.Name,
		Unit:        a.Unit,
		Size:        a.Size,
		Description: a.Description,
		Notes:       a.Notes,
	}
}

// AssetTemplate carries the descriptive fields of an item, without stock.
type AssetTemplate struct {
	Name        string
	Unit        string
	Size        string
	Description string
	Notes       string
}

// In returns the identity key of the template within a department.
func (t AssetTemplate) In(dept DepartmentID) IdentityKey {
	return NewIdentityKey(dept, t.Name, t.Unit, t.Size)
}

// =============================================================================
// TRANSFER RECORD - Request to move stock between departments
// =============================================================================

type Status string

const (
	StatusPendingSender   Status = "PENDING_SENDER"
	StatusPendingReceiver Status = "PENDING_RECEIVER"
	StatusPendingAdmin    Status = "PENDING_ADMIN"
	StatusCompleted       Status = "COMPLETED"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
	RoleAdmin    Role = "admin"
)

// Roles lists the signing roles in order.
var Roles = []Role{RoleSender, RoleReceiver, RoleAdmin}

type transition struct {
	From Status
	To   Status
}

var transitions = map[Role]transition{
	RoleSender:   {From: StatusPendingSender, To: StatusPendingReceiver},
	RoleReceiver: {From: StatusPendingReceiver, To: StatusPendingAdmin},
	RoleAdmin:    {From: StatusPendingAdmin, To: StatusCompleted},
}

// Valid reports whether r is one of the signing roles.
func (r Role) Valid() bool {
	_, ok := transitions[r]
	return ok
}

// ExpectedStatus is the status a transfer must be in for r to sign.
func (r Role) ExpectedStatus() Status {
	return transitions[r].From
}

// RoleFor returns the role whose turn it is in status s.
func RoleFor(s Status) (Role, bool) {
	for _, r := range Roles {
		if transitions[r].From == s {
			return r, true
		}
	}
	return "", false
}

// Actor identifies the caller of an engine operation.
type Actor struct {
	ID    string
	Name  string
	Email string
}

// DisplayName falls back to email, then to a generic label.
func (a Actor) DisplayName() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	default:
		return "signer"
	}
}

type Signature struct {
	SignerID   string
	SignerName string
	SignedAt   time.Time
}

// PreStock is the source record's stock at the time the transfer was requested.
type PreStock struct {
	Quantity     decimal.Decimal
	DepartmentID DepartmentID
}

// LineItem is one asset requested by a transfer. The descriptive fields are
// a snapshot taken at request time.
type LineItem struct {
	AssetID     AssetID
	Name        string
	Unit        string
	Size        string
	Description string
	Notes       string
	Quantity    decimal.Decimal
	PreStock    PreStock

	// Moved is set once the completion stock move has been applied for this line.
	Moved bool
}

func (li LineItem) Template() AssetTemplate {
	return AssetTemplate{
		Name:        li.Name,
		Unit:        li.Unit,
		Size:        li.Size,
		Description: li.Description,
		Notes:       li.Notes,
	}
}

type TransferRecord struct {
	ID         TransferID
	DisplayID  string // PLC-<year>-<counter>, for people
	Nonce      string // client idempotency key, empty if none was sent
	FromDeptID DepartmentID
	ToDeptID   DepartmentID
	Items      []LineItem
	Status     Status
	Signatures map[Role]Signature
	CreatedBy  Actor
	CreatedAt  time.Time
	Version    int

	// StockMoved is the one-shot completion guard. It flips to true in the
	// same atomic write that sets Status to COMPLETED.
	StockMoved bool

	// Drain is held by whoever is applying the completion stock move.
	Drain DrainLease
}

// DrainLease marks one drainer as the owner of a transfer's stock move until
// Until. An expired lease is free to take.
type DrainLease struct {
	Owner string
	Until time.Time
}

// HeldAt reports whether the lease is owned at now.
func (l DrainLease) HeldAt(now time.Time) bool {
	return l.Owner != "" && now.Before(l.Until)
}

// Active reports whether the transfer still holds reservations.
func (t TransferRecord) Active() bool {
	return t.Status != StatusCompleted
}

// PendingMoves returns indexes of line items whose stock move is still owed.
func (t TransferRecord) PendingMoves() []int {
	if !t.StockMoved {
		return nil
	}
	var pending []int
	for i, item := range t.Items {
		if !item.Moved {
			pending = append(pending, i)
		}
	}
	return pending
}

// Clone returns a deep copy so callers can't alias store state.
func (t TransferRecord) Clone() TransferRecord {
	c := t
	c.Items = slices.Clone(t.Items)
	c.Signatures = make(map[Role]Signature, len(t.Signatures))
	for r, s := range t.Signatures {
		c.Signatures[r] = s
	}
	return c
}

// Clone returns a deep copy of the record.
func (a AssetRecord) Clone() AssetRecord {
	c := a
	c.AppliedOps = slices.Clone(a.AppliedOps)
	return c
}
