package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/warp/transfer-engine/directory"
	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// DIRECTORY STORE - directory.Source
// =============================================================================

var _ directory.Source = (*Store)(nil)

// SaveDepartment upserts a department.
func (s *Store) SaveDepartment(ctx context.Context, d directory.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, name, management_block)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			management_block = excluded.management_block
	`, d.ID, d.Name, d.ManagementBlock)
	return err
}

// Department retrieves a department by ID. Returns nil if missing.
func (s *Store) Department(ctx context.Context, id engine.DepartmentID) (*directory.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d directory.Department
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, management_block FROM departments WHERE id = ?", id,
	).Scan(&d.ID, &d.Name, &d.ManagementBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDepartments returns all departments.
func (s *Store) ListDepartments(ctx context.Context) ([]directory.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, management_block FROM departments ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.Department
	for rows.Next() {
		var d directory.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.ManagementBlock); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveUser upserts a user.
func (s *Store) SaveUser(ctx context.Context, u directory.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	managed := u.ManagedDepartmentIDs
	if managed == nil {
		managed = []engine.DepartmentID{}
	}
	managedJSON, err := json.Marshal(managed)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, primary_department_id, managed_department_ids_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			primary_department_id = excluded.primary_department_id,
			managed_department_ids_json = excluded.managed_department_ids_json
	`, u.ID, u.Name, nullString(u.Email), u.Role, nullString(string(u.PrimaryDepartmentID)), string(managedJSON))
	return err
}

// User retrieves a user by ID. Returns nil if missing.
func (s *Store) User(ctx context.Context, id string) (*directory.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u directory.User
	var email, primary sql.NullString
	var managed string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, primary_department_id, managed_department_ids_json
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Name, &email, &u.Role, &primary, &managed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.Email = email.String
	u.PrimaryDepartmentID = engine.DepartmentID(primary.String)
	if err := json.Unmarshal([]byte(managed), &u.ManagedDepartmentIDs); err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveBlockLeaders upserts the leaders of one management block.
func (s *Store) SaveBlockLeaders(ctx context.Context, b directory.BlockLeaders) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	heads, err := json.Marshal(idsOrEmpty(b.HeadIDs))
	if err != nil {
		return err
	}
	deputies, err := json.Marshal(idsOrEmpty(b.DeputyIDs))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO block_leaders (block, head_ids_json, deputy_ids_json)
		VALUES (?, ?, ?)
		ON CONFLICT(block) DO UPDATE SET
			head_ids_json = excluded.head_ids_json,
			deputy_ids_json = excluded.deputy_ids_json
	`, b.Block, string(heads), string(deputies))
	return err
}

// BlockLeaders retrieves the leaders of a block. Returns nil if missing.
func (s *Store) BlockLeaders(ctx context.Context, block string) (*directory.BlockLeaders, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := directory.BlockLeaders{Block: block}
	var heads, deputies string
	err := s.db.QueryRowContext(ctx,
		"SELECT head_ids_json, deputy_ids_json FROM block_leaders WHERE block = ?", block,
	).Scan(&heads, &deputies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(heads), &b.HeadIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deputies), &b.DeputyIDs); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveApprovalGroup upserts an admin approval group.
func (s *Store) SaveApprovalGroup(ctx context.Context, g directory.ApprovalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := json.Marshal(idsOrEmpty(g.ApproverIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_groups (group_key, approver_ids_json)
		VALUES (?, ?)
		ON CONFLICT(group_key) DO UPDATE SET approver_ids_json = excluded.approver_ids_json
	`, g.Key, string(ids))
	return err
}

// ApprovalGroup retrieves an approval group. Returns nil if missing.
func (s *Store) ApprovalGroup(ctx context.Context, key string) (*directory.ApprovalGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := directory.ApprovalGroup{Key: key}
	var ids string
	err := s.db.QueryRowContext(ctx,
		"SELECT approver_ids_json FROM approval_groups WHERE group_key = ?", key,
	).Scan(&ids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &g.ApproverIDs); err != nil {
		return nil, err
	}
	return &g, nil
}

func idsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
