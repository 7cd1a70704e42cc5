package directory

import (
	"context"
	"log/slog"
	"slices"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// CAPABILITIES - engine.CapabilityEvaluator backed by the directory
// =============================================================================

// Capabilities implements the sign and delete rules:
//
//	sender / receiver  global admin, or head/deputy of the department's block,
//	                   or the department is managed by or primary for the user
//	admin              global admin, or an approver of the group selected by
//	                   the first non-empty block of source then destination
//	delete             global admin in any state, or the creator while
//	                   PENDING_SENDER
//
// Any lookup failure denies.
type Capabilities struct {
	Dir    Source
	Logger *slog.Logger
}

var (
	_ engine.CapabilityEvaluator = (*Capabilities)(nil)
	_ engine.DepartmentRegistry  = (*Capabilities)(nil)
)

func NewCapabilities(dir Source) *Capabilities {
	return &Capabilities{Dir: dir, Logger: slog.Default()}
}

func (c *Capabilities) CanSign(ctx context.Context, actor engine.Actor, t engine.TransferRecord, role engine.Role) bool {
	user, ok := c.user(ctx, actor)
	if !ok {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	switch role {
	case engine.RoleSender:
		return c.responsibleFor(ctx, user, t.FromDeptID)
	case engine.RoleReceiver:
		return c.responsibleFor(ctx, user, t.ToDeptID)
	case engine.RoleAdmin:
		return c.approves(ctx, user, t)
	default:
		return false
	}
}

func (c *Capabilities) CanDelete(ctx context.Context, actor engine.Actor, t engine.TransferRecord) bool {
	user, ok := c.user(ctx, actor)
	if !ok {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	return t.CreatedBy.ID == user.ID && t.Status == engine.StatusPendingSender
}

// DepartmentExists lets the workflow reject transfers naming unknown departments.
func (c *Capabilities) DepartmentExists(ctx context.Context, id engine.DepartmentID) (bool, error) {
	dept, err := c.Dir.Department(ctx, id)
	if err != nil {
		return false, err
	}
	return dept != nil, nil
}

func (c *Capabilities) user(ctx context.Context, actor engine.Actor) (*User, bool) {
	if actor.ID == "" {
		return nil, false
	}
	user, err := c.Dir.User(ctx, actor.ID)
	if err != nil {
		c.Logger.Error("user lookup failed", "user", actor.ID, "error", err)
		return nil, false
	}
	return user, user != nil
}

func (c *Capabilities) responsibleFor(ctx context.Context, user *User, id engine.DepartmentID) bool {
	dept, err := c.Dir.Department(ctx, id)
	if err != nil {
		c.Logger.Error("department lookup failed", "department", id, "error", err)
		return false
	}
	if dept == nil {
		return false
	}

	if dept.ManagementBlock != "" {
		leaders, err := c.Dir.BlockLeaders(ctx, dept.ManagementBlock)
		if err != nil {
			c.Logger.Error("block leaders lookup failed", "block", dept.ManagementBlock, "error", err)
			return false
		}
		if leaders != nil && leaders.Leads(user.ID) {
			return true
		}
	}
	return user.Manages(dept.ID)
}

func (c *Capabilities) approves(ctx context.Context, user *User, t engine.TransferRecord) bool {
	block := ""
	for _, id := range []engine.DepartmentID{t.FromDeptID, t.ToDeptID} {
		dept, err := c.Dir.Department(ctx, id)
		if err != nil {
			c.Logger.Error("department lookup failed", "department", id, "error", err)
			return false
		}
		if dept != nil && dept.ManagementBlock != "" {
			block = dept.ManagementBlock
			break
		}
	}

	group, err := c.Dir.ApprovalGroup(ctx, GroupKeyFor(block))
	if err != nil {
		c.Logger.Error("approval group lookup failed", "block", block, "error", err)
		return false
	}
	return group != nil && slices.Contains(group.ApproverIDs, user.ID)
}
