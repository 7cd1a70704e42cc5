package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/transfer-engine/engine"
	"github.com/warp/transfer-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// allowAll grants every capability to every actor.
type allowAll struct{}

func (allowAll) CanSign(context.Context, engine.Actor, engine.TransferRecord, engine.Role) bool {
	return true
}
func (allowAll) CanDelete(context.Context, engine.Actor, engine.TransferRecord) bool { return true }

// onlyActor grants every capability to one actor id.
type onlyActor string

func (o onlyActor) CanSign(_ context.Context, a engine.Actor, _ engine.TransferRecord, _ engine.Role) bool {
	return a.ID == string(o)
}
func (o onlyActor) CanDelete(_ context.Context, a engine.Actor, _ engine.TransferRecord) bool {
	return a.ID == string(o)
}

// knownDepts grants everything and knows a fixed set of departments.
type knownDepts map[engine.DepartmentID]bool

func (knownDepts) CanSign(context.Context, engine.Actor, engine.TransferRecord, engine.Role) bool {
	return true
}
func (knownDepts) CanDelete(context.Context, engine.Actor, engine.TransferRecord) bool { return true }
func (k knownDepts) DepartmentExists(_ context.Context, id engine.DepartmentID) (bool, error) {
	return k[id], nil
}

var tester = engine.Actor{ID: "u-1", Name: "Tester", Email: "tester@example.com"}

func newTestWorkflow(t *testing.T) (*engine.Workflow, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	wf := engine.NewWorkflow(mem, allowAll{})
	return wf, mem
}

// seedAsset stores a record with nothing reserved.
func seedAsset(t *testing.T, s engine.AssetStore, id, dept, name string, qty int64) engine.AssetRecord {
	t.Helper()
	rec := engine.AssetRecord{
		ID:           engine.AssetID(id),
		DepartmentID: engine.DepartmentID(dept),
		Name:         name,
		Unit:         "cái",
		Size:         "M",
		Quantity:     engine.Units(qty),
		Reserved:     decimal.Zero,
	}
	require.NoError(t, s.CreateAsset(context.Background(), rec))
	return rec
}

func transferOf(asset string, qty int64) engine.CreateInput {
	return engine.CreateInput{
		From:  "X",
		To:    "Y",
		Items: []engine.LineRequest{{AssetID: engine.AssetID(asset), Quantity: engine.Units(qty)}},
	}
}

func signAll(t *testing.T, wf *engine.Workflow, id engine.TransferID) *engine.TransferRecord {
	t.Helper()
	var rec *engine.TransferRecord
	var err error
	for _, role := range engine.Roles {
		rec, err = wf.Sign(context.Background(), id, role, tester)
		require.NoError(t, err, "sign as %s", role)
	}
	return rec
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, engine.Units(want).Equal(got), "%s: want %d, got %s", msg, want, got)
}

func assetsIn(t *testing.T, s engine.AssetStore, dept string) []engine.AssetRecord {
	t.Helper()
	all, err := s.ListAssets(context.Background())
	require.NoError(t, err)
	var out []engine.AssetRecord
	for _, a := range all {
		if a.DepartmentID == engine.DepartmentID(dept) {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// CREATE
// =============================================================================

func TestWorkflow_Create_ReservesAndRejectsOverCommit(t *testing.T) {
	// GIVEN: A(qty=10, reserved=0) in X
	// WHEN: A transfer of 5, then another of 6
	// THEN: First reserves 5, second fails with availability 5

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingSender, rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.False(t, rec.StockMoved)
	assert.Empty(t, rec.Signatures)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, a.Reserved, "reserved")
	assertDecimal(t, 5, a.Available(), "available")

	_, err = wf.Create(ctx, transferOf("A", 6), tester)
	var ia *engine.InsufficientAvailabilityError
	require.ErrorAs(t, err, &ia)
	assertDecimal(t, 5, ia.Available, "reported availability")
	assertDecimal(t, 6, ia.Requested, "reported request")

	a, err = mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, a.Reserved, "reserved after rejected create")
}

func TestWorkflow_Create_SnapshotsLineAndPreStock(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(context.Background(), transferOf("A", 3), tester)
	require.NoError(t, err)

	require.Len(t, rec.Items, 1)
	item := rec.Items[0]
	assert.Equal(t, "Thép ống", item.Name)
	assert.Equal(t, "cái", item.Unit)
	assertDecimal(t, 10, item.PreStock.Quantity, "pre-stock")
	assert.Equal(t, engine.DepartmentID("X"), item.PreStock.DepartmentID)
	assert.Equal(t, tester, rec.CreatedBy)
}

func TestWorkflow_Create_AllOrNothing(t *testing.T) {
	// GIVEN: A has 10, B has 2
	// WHEN: One transfer asks for 4 of A and 3 of B
	// THEN: Rejected, and A's reservation from the first line is released

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)
	seedAsset(t, mem, "B", "X", "Bu lông", 2)

	_, err := wf.Create(ctx, engine.CreateInput{
		From: "X",
		To:   "Y",
		Items: []engine.LineRequest{
			{AssetID: "A", Quantity: engine.Units(4)},
			{AssetID: "B", Quantity: engine.Units(3)},
		},
	}, tester)
	require.ErrorIs(t, err, engine.ErrInsufficientAvailability)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 0, a.Reserved, "A reserved")

	list, err := wf.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorkflow_Create_Validation(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	seedAsset(t, mem, "A", "X", "Thép ống", 10)
	seedAsset(t, mem, "Z", "Y", "Thép ống", 10)

	cases := map[string]engine.CreateInput{
		"no items":        {From: "X", To: "Y"},
		"same department": {From: "X", To: "X", Items: transferOf("A", 1).Items},
		"missing source":  {To: "Y", Items: transferOf("A", 1).Items},
		"zero quantity":   transferOf("A", 0),
		"negative":        transferOf("A", -2),
		"duplicate line": {From: "X", To: "Y", Items: []engine.LineRequest{
			{AssetID: "A", Quantity: engine.Units(1)},
			{AssetID: "A", Quantity: engine.Units(1)},
		}},
		"asset not in source": transferOf("Z", 1),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := wf.Create(context.Background(), in, tester)
			assert.ErrorIs(t, err, engine.ErrValidation)
		})
	}
}

func TestWorkflow_Create_UnknownDepartment(t *testing.T) {
	// GIVEN: A registry that knows X and Y
	// WHEN: A transfer names Z on either end
	// THEN: Validation fails and nothing is reserved

	mem := store.NewMemory()
	wf := engine.NewWorkflow(mem, knownDepts{"X": true, "Y": true})
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	for _, in := range []engine.CreateInput{
		{From: "Z", To: "Y", Items: transferOf("A", 1).Items},
		{From: "X", To: "Z", Items: transferOf("A", 1).Items},
	} {
		_, err := wf.Create(ctx, in, tester)
		var ve *engine.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Reason, "does not exist")
	}

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 0, a.Reserved, "reserved")

	_, err = wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
}

func TestWorkflow_Create_DisplayIDCountsUp(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	wf.Now = func() time.Time { return time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC) }
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	first, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
	second, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)

	assert.Equal(t, "PLC-2025-00001", first.DisplayID)
	assert.Equal(t, "PLC-2025-00002", second.DisplayID)
}

func TestWorkflow_Create_NonceReplaysOnce(t *testing.T) {
	// GIVEN: A create carrying a nonce
	// WHEN: The same create arrives again
	// THEN: The first transfer comes back and nothing more is reserved

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	in := transferOf("A", 3)
	in.Nonce = "n-1"
	first, err := wf.Create(ctx, in, tester)
	require.NoError(t, err)
	assert.Equal(t, "n-1", first.Nonce)

	again, err := wf.Create(ctx, in, tester)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.DisplayID, again.DisplayID)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 3, a.Reserved, "reserved once")

	list, err := wf.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkflow_Create_ConcurrentSameNonce(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	in := transferOf("A", 2)
	in.Nonce = "n-race"

	const callers = 5
	var wg sync.WaitGroup
	ids := make([]engine.TransferID, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := wf.Create(ctx, in, tester)
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 2, a.Reserved, "one reservation survives")

	list, err := wf.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkflow_Create_NonceOfDeletedTransfer(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	in := transferOf("A", 3)
	in.Nonce = "n-gone"
	rec, err := wf.Create(ctx, in, tester)
	require.NoError(t, err)
	token, err := wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	_, err = wf.Create(ctx, in, tester)
	assert.ErrorIs(t, err, engine.ErrValidation)

	// The restored transfer is a new one; the nonce stays spent.
	restored, err := wf.Undo(ctx, *token, tester)
	require.NoError(t, err)
	assert.Empty(t, restored.Nonce)
	assert.Equal(t, rec.DisplayID, restored.DisplayID)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 3, a.Reserved, "only the restored transfer reserves")
}

func TestWorkflow_Create_UnknownAsset(t *testing.T) {
	wf, _ := newTestWorkflow(t)
	_, err := wf.Create(context.Background(), transferOf("missing", 1), tester)
	assert.True(t, engine.IsNotFound(err))
}

func TestWorkflow_Create_ConcurrentOverCommit(t *testing.T) {
	// GIVEN: A(qty=10)
	// WHEN: Two concurrent transfers each request 6
	// THEN: Exactly one succeeds

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wf.Create(ctx, transferOf("A", 6), tester)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrInsufficientAvailability)
	}
	assert.Equal(t, 1, succeeded)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 6, a.Reserved, "reserved")
}

// =============================================================================
// SIGN
// =============================================================================

func TestWorkflow_Sign_FullRoundTrip_Split(t *testing.T) {
	// GIVEN: A transfer of 5 of A(qty=10) from X to Y
	// WHEN: sender, receiver and admin sign
	// THEN: COMPLETED, X keeps 5, Y gets a new record with 5

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	done := signAll(t, wf, rec.ID)
	assert.Equal(t, engine.StatusCompleted, done.Status)
	assert.True(t, done.StockMoved)
	assert.Empty(t, done.PendingMoves())
	assert.Equal(t, 4, done.Version)
	for _, role := range engine.Roles {
		sig, ok := done.Signatures[role]
		require.True(t, ok, "signature for %s", role)
		assert.Equal(t, "Tester", sig.SignerName)
		assert.Equal(t, tester.ID, sig.SignerID)
	}

	src, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, src.Quantity, "source quantity")
	assertDecimal(t, 0, src.Reserved, "source reserved")

	dest := assetsIn(t, mem, "Y")
	require.Len(t, dest, 1)
	assertDecimal(t, 5, dest[0].Quantity, "destination quantity")
	assertDecimal(t, 0, dest[0].Reserved, "destination reserved")
	assert.Equal(t, "Thép ống", dest[0].Name)
}

func TestWorkflow_Sign_WholeRecordRehomed(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 4)

	rec, err := wf.Create(ctx, transferOf("A", 4), tester)
	require.NoError(t, err)
	signAll(t, wf, rec.ID)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, engine.DepartmentID("Y"), a.DepartmentID)
	assertDecimal(t, 4, a.Quantity, "quantity")
	assertDecimal(t, 0, a.Reserved, "reserved")
	assert.Empty(t, assetsIn(t, mem, "X"))
}

func TestWorkflow_Sign_MergesIntoExistingDestination(t *testing.T) {
	// GIVEN: Y already holds the same item under different spelling
	// THEN: The incoming stock merges into it

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)
	seedAsset(t, mem, "YA", "Y", "  THEP   ong ", 2)

	rec, err := wf.Create(ctx, transferOf("A", 3), tester)
	require.NoError(t, err)
	signAll(t, wf, rec.ID)

	dest := assetsIn(t, mem, "Y")
	require.Len(t, dest, 1)
	assert.Equal(t, engine.AssetID("YA"), dest[0].ID)
	assertDecimal(t, 5, dest[0].Quantity, "merged quantity")
}

func TestWorkflow_Sign_OutOfOrderIsStale(t *testing.T) {
	// GIVEN: A PENDING_SENDER transfer
	// WHEN: admin tries to sign
	// THEN: StaleStateError and the record is untouched

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	_, err = wf.Sign(ctx, rec.ID, engine.RoleAdmin, tester)
	var stale *engine.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, engine.StatusPendingAdmin, stale.Expected)
	assert.Equal(t, engine.StatusPendingSender, stale.Actual)
	assert.True(t, engine.IsRetryable(err))

	after, err := wf.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *rec, *after)
}

func TestWorkflow_Sign_TwiceIsStale(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	assert.ErrorIs(t, err, engine.ErrStaleState)
}

func TestWorkflow_Sign_ConcurrentSignersOneWins(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	const signers = 8
	var wg sync.WaitGroup
	errs := make([]error, signers)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrStaleState)
	}
	assert.Equal(t, 1, won)

	after, err := wf.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingReceiver, after.Status)
	assert.Equal(t, 2, after.Version)
}

func TestWorkflow_Sign_Unauthorized(t *testing.T) {
	mem := store.NewMemory()
	wf := engine.NewWorkflow(mem, onlyActor("boss"))
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
	assert.True(t, engine.IsClientError(err))

	after, err := wf.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingSender, after.Status)
}

func TestWorkflow_Sign_UnknownRole(t *testing.T) {
	wf, _ := newTestWorkflow(t)
	_, err := wf.Sign(context.Background(), "t-1", engine.Role("auditor"), tester)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestWorkflow_Sign_SignerNameFallback(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)

	signed, err := wf.Sign(ctx, rec.ID, engine.RoleSender, engine.Actor{ID: "u-2", Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", signed.Signatures[engine.RoleSender].SignerName)

	signed, err = wf.Sign(ctx, rec.ID, engine.RoleReceiver, engine.Actor{ID: "u-3"})
	require.NoError(t, err)
	assert.Equal(t, "signer", signed.Signatures[engine.RoleReceiver].SignerName)
}

// =============================================================================
// DELETE AND UNDO
// =============================================================================

func TestWorkflow_Delete_Completed_RevertsStock(t *testing.T) {
	// GIVEN: The completed 5-of-10 transfer from X to Y
	// WHEN: It is deleted
	// THEN: Y's record reaches 0 and is removed, X is back to 10

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	signAll(t, wf, rec.ID)

	token, err := wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)
	assert.Nil(t, token, "completed transfers cannot be undone")

	assert.Empty(t, assetsIn(t, mem, "Y"))
	src := assetsIn(t, mem, "X")
	require.Len(t, src, 1)
	assert.Equal(t, engine.AssetID("A"), src[0].ID)
	assertDecimal(t, 10, src[0].Quantity, "source restored")
	assertDecimal(t, 0, src[0].Reserved, "source reserved")

	_, err = wf.Get(ctx, rec.ID)
	assert.True(t, engine.IsNotFound(err))
}

func TestWorkflow_Delete_Completed_ConsolidatesSourceDuplicates(t *testing.T) {
	// GIVEN: X got a second record of the same item after the transfer
	// WHEN: The completed transfer is deleted
	// THEN: Stock is restored into one consolidated X record

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	signAll(t, wf, rec.ID)
	seedAsset(t, mem, "A2", "X", "thep ong", 1)

	_, err = wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	src := assetsIn(t, mem, "X")
	require.Len(t, src, 1)
	assert.Equal(t, engine.AssetID("A"), src[0].ID)
	assertDecimal(t, 11, src[0].Quantity, "consolidated quantity")
}

func TestWorkflow_Delete_Rehomed_RecreatesSource(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 4)

	rec, err := wf.Create(ctx, transferOf("A", 4), tester)
	require.NoError(t, err)
	signAll(t, wf, rec.ID)

	_, err = wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	assert.Empty(t, assetsIn(t, mem, "Y"))
	src := assetsIn(t, mem, "X")
	require.Len(t, src, 1)
	assertDecimal(t, 4, src[0].Quantity, "source quantity")
	assert.Equal(t, "Thép ống", src[0].Name)
}

func TestWorkflow_Delete_Pending_ReleasesAndUndoRestores(t *testing.T) {
	// GIVEN: A PENDING_RECEIVER transfer holding 5 of A
	// WHEN: It is deleted, then undone
	// THEN: Reservation released, then re-taken under a new id with the
	//       original status and signatures

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	signed, err := wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	require.NoError(t, err)

	token, err := wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)
	require.NotNil(t, token)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 0, a.Reserved, "reserved after delete")

	restored, err := wf.Undo(ctx, *token, tester)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, restored.ID)
	assert.Equal(t, engine.StatusPendingReceiver, restored.Status)
	assert.Equal(t, signed.Signatures, restored.Signatures)
	assert.Equal(t, tester, restored.CreatedBy)

	a, err = mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, a.Reserved, "reserved after undo")
}

func TestWorkflow_Undo_FailsWhenStockTaken(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)
	seedAsset(t, mem, "B", "X", "Bu lông", 10)

	rec, err := wf.Create(ctx, engine.CreateInput{
		From: "X",
		To:   "Y",
		Items: []engine.LineRequest{
			{AssetID: "B", Quantity: engine.Units(2)},
			{AssetID: "A", Quantity: engine.Units(5)},
		},
	}, tester)
	require.NoError(t, err)
	token, err := wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	// Someone else takes A in the meantime.
	_, err = wf.Create(ctx, transferOf("A", 8), tester)
	require.NoError(t, err)

	_, err = wf.Undo(ctx, *token, tester)
	require.ErrorIs(t, err, engine.ErrInsufficientAvailability)

	b, err := mem.GetAsset(ctx, "B")
	require.NoError(t, err)
	assertDecimal(t, 0, b.Reserved, "B reservation rolled back")

	list, err := wf.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkflow_Delete_Completed_ReportsShortfall(t *testing.T) {
	// GIVEN: 5 of A moved X -> Y, then all of Y's copy reserved by Y -> Z
	// WHEN: The first transfer is deleted
	// THEN: Nothing is taken from Y, nothing is invented in X, and the
	//       shortfall is reported

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	first, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	signAll(t, wf, first.ID)

	dest := assetsIn(t, mem, "Y")
	require.Len(t, dest, 1)
	_, err = wf.Create(ctx, engine.CreateInput{
		From:  "Y",
		To:    "Z",
		Items: []engine.LineRequest{{AssetID: dest[0].ID, Quantity: engine.Units(5)}},
	}, tester)
	require.NoError(t, err)

	_, err = wf.Delete(ctx, first.ID, tester)
	require.ErrorIs(t, err, engine.ErrPartialFailure)
	var short *engine.ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, engine.DepartmentID("Y"), short.Department)
	assertDecimal(t, 5, short.Missing, "missing")

	src, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, src.Quantity, "source not refilled")
	held, err := mem.GetAsset(ctx, dest[0].ID)
	require.NoError(t, err)
	assertDecimal(t, 5, held.Quantity, "destination untouched")
	assertDecimal(t, 5, held.Reserved, "destination still reserved")
}

func TestWorkflow_Undo_FailsWhenAssetLeftSource(t *testing.T) {
	// GIVEN: A deleted 5-of-A transfer, then all of A moved X -> Y
	// WHEN: The deletion is undone
	// THEN: Validation fails and A, now in Y, is not reserved

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	token, err := wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	whole, err := wf.Create(ctx, transferOf("A", 10), tester)
	require.NoError(t, err)
	signAll(t, wf, whole.ID)

	_, err = wf.Undo(ctx, *token, tester)
	require.ErrorIs(t, err, engine.ErrValidation)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, engine.DepartmentID("Y"), a.DepartmentID)
	assertDecimal(t, 0, a.Reserved, "not reserved")
}

func TestWorkflow_Delete_Unauthorized(t *testing.T) {
	mem := store.NewMemory()
	wf := engine.NewWorkflow(mem, onlyActor("boss"))
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)

	_, err = wf.Delete(ctx, rec.ID, tester)
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	a, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, a.Reserved, "reservation kept")
}

func TestWorkflow_Delete_Missing(t *testing.T) {
	wf, _ := newTestWorkflow(t)
	_, err := wf.Delete(context.Background(), "nope", tester)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// OUTBOX
// =============================================================================

func TestWorkflow_StockMoveFailure_ReplayedLater(t *testing.T) {
	// GIVEN: The source asset rejects writes when admin signs
	// WHEN: Writes recover and the outbox replays
	// THEN: The completed transfer's stock lands exactly once

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	wf.Now = func() time.Time { return now }
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleReceiver, tester)
	require.NoError(t, err)

	mem.FailAssetWrites("A", errors.New("disk full"))
	done, err := wf.Sign(ctx, rec.ID, engine.RoleAdmin, tester)
	require.ErrorIs(t, err, engine.ErrPartialFailure)
	var pf *engine.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 0, pf.Line)
	require.NotNil(t, done)
	assert.Equal(t, engine.StatusCompleted, done.Status)
	assert.Equal(t, []int{0}, done.PendingMoves())

	mem.FailAssetWrites("A", nil)

	// Inside the grace window the signer still owns the move.
	n, err := wf.ReplayPendingMoves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now = now.Add(engine.DefaultReplayGrace)
	n, err = wf.ReplayPendingMoves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = wf.ReplayPendingMoves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing left to replay")

	src, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 5, src.Quantity, "source quantity")
	assertDecimal(t, 0, src.Reserved, "source reserved")
	dest := assetsIn(t, mem, "Y")
	require.Len(t, dest, 1)
	assertDecimal(t, 5, dest[0].Quantity, "destination quantity")
}

func TestWorkflow_Delete_DrainsPendingMoveFirst(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleReceiver, tester)
	require.NoError(t, err)

	mem.FailAssetWrites("A", errors.New("disk full"))
	_, err = wf.Sign(ctx, rec.ID, engine.RoleAdmin, tester)
	require.ErrorIs(t, err, engine.ErrPartialFailure)
	mem.FailAssetWrites("A", nil)

	_, err = wf.Delete(ctx, rec.ID, tester)
	require.NoError(t, err)

	src, err := mem.GetAsset(ctx, "A")
	require.NoError(t, err)
	assertDecimal(t, 10, src.Quantity, "source restored")
	assertDecimal(t, 0, src.Reserved, "source reserved")
	assert.Empty(t, assetsIn(t, mem, "Y"))
}

// =============================================================================
// RACES
// =============================================================================

// quantities sums quantity and reserved over dept.
func quantities(t *testing.T, s engine.AssetStore, dept string) (qty, reserved decimal.Decimal) {
	t.Helper()
	for _, a := range assetsIn(t, s, dept) {
		qty = qty.Add(a.Quantity)
		reserved = reserved.Add(a.Reserved)
	}
	return qty, reserved
}

// assertSettled checks X and Y after a completed-or-deleted race on a
// 5-of-10 transfer.
func assertSettled(t *testing.T, wf *engine.Workflow, mem *store.Memory, id engine.TransferID) {
	t.Helper()
	ctx := context.Background()
	xQty, xRes := quantities(t, mem, "X")
	yQty, yRes := quantities(t, mem, "Y")
	assertDecimal(t, 0, xRes, "X reserved")
	assertDecimal(t, 0, yRes, "Y reserved")
	assertDecimal(t, 10, xQty.Add(yQty), "units conserved")

	rec, err := wf.Get(ctx, id)
	if engine.IsNotFound(err) {
		assertDecimal(t, 10, xQty, "X after delete")
		return
	}
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rec.Status)
	assert.Empty(t, rec.PendingMoves())
	assertDecimal(t, 5, xQty, "X after completion")
	assertDecimal(t, 5, yQty, "Y after completion")
}

func TestWorkflow_Race_AdminSignVersusDelete(t *testing.T) {
	// GIVEN: A 5-of-10 transfer awaiting the admin
	// WHEN: The admin signs while someone deletes it
	// THEN: Either it completed (and maybe was reverted after) or it was
	//       deleted before completing; units are conserved either way

	for range 20 {
		wf, mem := newTestWorkflow(t)
		ctx := context.Background()
		seedAsset(t, mem, "A", "X", "Thép ống", 10)
		rec, err := wf.Create(ctx, transferOf("A", 5), tester)
		require.NoError(t, err)
		_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
		require.NoError(t, err)
		_, err = wf.Sign(ctx, rec.ID, engine.RoleReceiver, tester)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var signErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, signErr = wf.Sign(ctx, rec.ID, engine.RoleAdmin, tester)
		}()
		go func() {
			defer wg.Done()
			_, deleteErr = wf.Delete(ctx, rec.ID, tester)
		}()
		wg.Wait()

		assert.False(t, signErr != nil && deleteErr != nil, "someone wins: sign=%v delete=%v", signErr, deleteErr)
		if signErr != nil {
			assert.True(t, engine.IsRetryable(signErr) || engine.IsNotFound(signErr), "sign: %v", signErr)
		}
		if deleteErr != nil {
			assert.True(t, engine.IsRetryable(deleteErr), "delete: %v", deleteErr)
		}
		assertSettled(t, wf, mem, rec.ID)
	}
}

// owingTransfer completes a 5-of-10 transfer whose stock move failed, and
// moves the clock past the replay grace.
func owingTransfer(t *testing.T) (*engine.Workflow, *store.Memory, engine.TransferID) {
	t.Helper()
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	wf.Now = func() time.Time { return now }
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	rec, err := wf.Create(ctx, transferOf("A", 5), tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleSender, tester)
	require.NoError(t, err)
	_, err = wf.Sign(ctx, rec.ID, engine.RoleReceiver, tester)
	require.NoError(t, err)
	mem.FailAssetWrites("A", errors.New("disk full"))
	_, err = wf.Sign(ctx, rec.ID, engine.RoleAdmin, tester)
	require.ErrorIs(t, err, engine.ErrPartialFailure)
	mem.FailAssetWrites("A", nil)

	later := now.Add(engine.DefaultReplayGrace)
	wf.Now = func() time.Time { return later }
	return wf, mem, rec.ID
}

func TestWorkflow_Race_ReplayVersusDelete(t *testing.T) {
	// GIVEN: A completed transfer still owing its stock move
	// WHEN: The outbox replays while someone deletes it
	// THEN: The move is never applied beside its reversal

	for range 20 {
		wf, mem, id := owingTransfer(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var replayErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, replayErr = wf.ReplayPendingMoves(ctx)
		}()
		go func() {
			defer wg.Done()
			_, deleteErr = wf.Delete(ctx, id, tester)
		}()
		wg.Wait()

		assert.NoError(t, replayErr)
		if deleteErr != nil {
			assert.True(t, engine.IsRetryable(deleteErr), "delete: %v", deleteErr)
		}
		assertSettled(t, wf, mem, id)
	}
}

func TestWorkflow_DrainLease_HeldByAnother(t *testing.T) {
	// GIVEN: A transfer owing a move, its lease held by another drainer
	// WHEN: The outbox replays and someone deletes it
	// THEN: Both step aside until the lease expires

	wf, mem, id := owingTransfer(t)
	ctx := context.Background()
	now := wf.Now()
	_, err := mem.UpdateTransfer(ctx, id, func(rec *engine.TransferRecord) error {
		rec.Drain = engine.DrainLease{Owner: "elsewhere", Until: now.Add(time.Minute)}
		return nil
	})
	require.NoError(t, err)

	n, err := wf.ReplayPendingMoves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = wf.Delete(ctx, id, tester)
	require.ErrorIs(t, err, engine.ErrStaleState)

	expired := now.Add(2 * time.Minute)
	wf.Now = func() time.Time { return expired }
	n, err = wf.ReplayPendingMoves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := wf.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.PendingMoves())
	assert.Empty(t, rec.Drain.Owner, "lease released")
	assertSettled(t, wf, mem, id)
}

// =============================================================================
// READS
// =============================================================================

func TestWorkflow_AwaitingActor(t *testing.T) {
	mem := store.NewMemory()
	wf := engine.NewWorkflow(mem, onlyActor(tester.ID))
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	first, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
	second, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
	signAll(t, wf, second.ID)

	mine, err := wf.AwaitingActor(ctx, tester)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)

	theirs, err := wf.AwaitingActor(ctx, engine.Actor{ID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestWorkflow_List_NewestFirst(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 10)

	first, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)
	second, err := wf.Create(ctx, transferOf("A", 1), tester)
	require.NoError(t, err)

	list, err := wf.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestWorkflow_Invariant_ReservedCoversActiveLines(t *testing.T) {
	// Across a mixed history, every asset's reserved equals the sum of the
	// line quantities of its non-completed transfers.

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	seedAsset(t, mem, "A", "X", "Thép ống", 20)
	seedAsset(t, mem, "B", "X", "Bu lông", 20)

	t1, err := wf.Create(ctx, transferOf("A", 3), tester)
	require.NoError(t, err)
	t2, err := wf.Create(ctx, engine.CreateInput{From: "X", To: "Y", Items: []engine.LineRequest{
		{AssetID: "A", Quantity: engine.Units(2)},
		{AssetID: "B", Quantity: engine.Units(4)},
	}}, tester)
	require.NoError(t, err)
	_, err = wf.Create(ctx, transferOf("B", 5), tester)
	require.NoError(t, err)

	signAll(t, wf, t1.ID)
	_, err = wf.Sign(ctx, t2.ID, engine.RoleSender, tester)
	require.NoError(t, err)

	transfers, err := wf.List(ctx)
	require.NoError(t, err)
	want := map[engine.AssetID]decimal.Decimal{}
	for _, tr := range transfers {
		if !tr.Active() {
			continue
		}
		for _, item := range tr.Items {
			want[item.AssetID] = want[item.AssetID].Add(item.Quantity)
		}
	}

	assets, err := mem.ListAssets(ctx)
	require.NoError(t, err)
	for _, a := range assets {
		assert.True(t, want[a.ID].Equal(a.Reserved), "asset %s: reserved %s, active lines %s", a.ID, a.Reserved, want[a.ID])
		assert.False(t, a.Reserved.GreaterThan(a.Quantity), "asset %s over-reserved", a.ID)
	}
}
