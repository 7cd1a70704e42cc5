/*
Package directory is the read model of departments, users and approval
configuration that the capability rules consult.

PURPOSE:
  The engine never looks up who leads what. It asks a CapabilityEvaluator,
  and Capabilities answers from a directory Source. Sources are read-mostly
  and usually wrapped in a Cache.

KEY CONCEPTS:
  - Department: belongs to at most one management block
  - User: global role, primary department, departments it manages
  - BlockLeaders: heads and deputies of one management block
  - ApprovalGroup: who may give the final admin signature for a group key

NOT FOUND:
  Source lookups return (nil, nil) for a missing entry. An error means the
  lookup itself failed.
*/
package directory

import (
	"context"
	"slices"

	"github.com/warp/transfer-engine/engine"
)

const (
	// RoleAdmin is the global administrator role.
	RoleAdmin = "admin"

	// FactoryBlock is the management block with its own admin approvers.
	FactoryBlock = "Nhà máy"

	// DefaultGroup is the approval group for every other block.
	DefaultGroup = "default"
)

type Department struct {
	ID              engine.DepartmentID `json:"id"`
	Name            string              `json:"name"`
	ManagementBlock string              `json:"managementBlock,omitempty"`
}

type User struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Email                string                `json:"email,omitempty"`
	Role                 string                `json:"role,omitempty"`
	PrimaryDepartmentID  engine.DepartmentID   `json:"primaryDepartmentId,omitempty"`
	ManagedDepartmentIDs []engine.DepartmentID `json:"managedDepartmentIds,omitempty"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Manages reports whether u is responsible for dept through its own
// assignments (managed list or primary department).
func (u User) Manages(dept engine.DepartmentID) bool {
	return u.PrimaryDepartmentID == dept || slices.Contains(u.ManagedDepartmentIDs, dept)
}

// Actor converts the user to the identity the engine records on signatures.
func (u User) Actor() engine.Actor {
	return engine.Actor{ID: u.ID, Name: u.Name, Email: u.Email}
}

type BlockLeaders struct {
	Block     string   `json:"block"`
	HeadIDs   []string `json:"headIds,omitempty"`
	DeputyIDs []string `json:"deputyIds,omitempty"`
}

// Leads reports whether userID is a head or deputy of the block.
func (b BlockLeaders) Leads(userID string) bool {
	return slices.Contains(b.HeadIDs, userID) || slices.Contains(b.DeputyIDs, userID)
}

type ApprovalGroup struct {
	Key         string   `json:"key"`
	ApproverIDs []string `json:"approverIds,omitempty"`
}

// Source answers directory lookups.
type Source interface {
	Department(ctx context.Context, id engine.DepartmentID) (*Department, error)
	User(ctx context.Context, id string) (*User, error)
	BlockLeaders(ctx context.Context, block string) (*BlockLeaders, error)
	ApprovalGroup(ctx context.Context, key string) (*ApprovalGroup, error)
}

// GroupKeyFor picks the approval group for a block name.
func GroupKeyFor(block string) string {
	if block != "" && engine.Normalize(block) == engine.Normalize(FactoryBlock) {
		return FactoryBlock
	}
	return DefaultGroup
}
