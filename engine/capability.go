package engine

import "context"

// CapabilityEvaluator answers whether an actor may act on a transfer.
// The engine holds no permission logic of its own; it asks before every
// sign and delete. See directory.Capabilities for the production rules.
type CapabilityEvaluator interface {
	CanSign(ctx context.Context, actor Actor, t TransferRecord, role Role) bool
	CanDelete(ctx context.Context, actor Actor, t TransferRecord) bool
}

// DepartmentRegistry answers whether a department exists. When the
// evaluator passed to NewWorkflow also implements it, Create checks both
// ends of a transfer against it.
type DepartmentRegistry interface {
	DepartmentExists(ctx context.Context, id DepartmentID) (bool, error)
}
