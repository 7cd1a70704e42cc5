/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	organisation: departments, their management blocks and leaders, approval
	groups, users and hand-entered asset records.

AVAILABLE SCENARIOS:

	two-warehouses:  Two office warehouses, duplicate records to merge
	factory-block:   Workshops under the factory block with its own approvers

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Drop the directory cache
 3. Decode the scenario's YAML fixture
 4. Save departments, block leaders, approval groups, users
 5. Intake asset records through the ledger

USAGE VIA API:

	POST /api/scenarios/load      (X-Actor-ID required)
	{"scenario_id": "two-warehouses"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add its fixture to 'scenarioFixtures'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/transfer-engine/directory"
	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "two-warehouses",
		Name:        "Two Warehouses",
		Description: "Office warehouses A and B; B holds a hand-entered duplicate of an A item",
	},
	{
		ID:          "factory-block",
		Name:        "Factory Block",
		Description: "Two workshops in the factory block, approved by the factory approval group",
	},
}

var scenarioFixtures = map[string]string{
	"two-warehouses": `
departments:
  - {id: kho-a, name: Kho A, block: Văn phòng}
  - {id: kho-b, name: Kho B, block: Văn phòng}
leaders:
  - {block: Văn phòng, heads: [u-lan]}
groups:
  - {key: default, approvers: [u-minh]}
users:
  - {id: u-admin, name: Quản trị, role: admin}
  - {id: u-an, name: An, primary: kho-a}
  - {id: u-binh, name: Bình, primary: kho-b}
  - {id: u-lan, name: Lan}
  - {id: u-minh, name: Minh}
assets:
  - {id: a-ao-m, dept: kho-a, name: Áo bảo hộ, unit: cái, size: M, quantity: "10"}
  - {id: a-gang-tay, dept: kho-a, name: Găng tay, unit: đôi, quantity: "50"}
  - {id: b-ao-m-1, dept: kho-b, name: áo bảo hộ, unit: cái, size: M, quantity: "2"}
  - {id: b-ao-m-2, dept: kho-b, name: "Áo  Bảo Hộ", unit: cái, size: M, quantity: "3"}
`,
	"factory-block": `
departments:
  - {id: xuong-1, name: Xưởng 1, block: Nhà máy}
  - {id: xuong-2, name: Xưởng 2, block: Nhà máy}
leaders:
  - {block: Nhà máy, heads: [u-hung], deputies: [u-thao]}
groups:
  - {key: Nhà máy, approvers: [u-quang]}
  - {key: default, approvers: [u-minh]}
users:
  - {id: u-admin, name: Quản trị, role: admin}
  - {id: u-hung, name: Hùng}
  - {id: u-thao, name: Thảo}
  - {id: u-quang, name: Quang}
  - {id: u-minh, name: Minh}
  - {id: u-vy, name: Vy, managed: [xuong-2]}
assets:
  - {id: x1-oc-vit, dept: xuong-1, name: Ốc vít, unit: hộp, size: M6, quantity: "120"}
  - {id: x1-may-khoan, dept: xuong-1, name: Máy khoan, unit: cái, quantity: "4"}
  - {id: x2-oc-vit, dept: xuong-2, name: Ốc vít, unit: hộp, size: M6, quantity: "15"}
`,
}

type scenarioFixture struct {
	Departments []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Block string `yaml:"block"`
	} `yaml:"departments"`
	Leaders []struct {
		Block    string   `yaml:"block"`
		Heads    []string `yaml:"heads"`
		Deputies []string `yaml:"deputies"`
	} `yaml:"leaders"`
	Groups []struct {
		Key       string   `yaml:"key"`
		Approvers []string `yaml:"approvers"`
	} `yaml:"groups"`
	Users []struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Email   string   `yaml:"email"`
		Role    string   `yaml:"role"`
		Primary string   `yaml:"primary"`
		Managed []string `yaml:"managed"`
	} `yaml:"users"`
	Assets []struct {
		ID       string `yaml:"id"`
		Dept     string `yaml:"dept"`
		Name     string `yaml:"name"`
		Unit     string `yaml:"unit"`
		Size     string `yaml:"size"`
		Notes    string `yaml:"notes"`
		Quantity string `yaml:"quantity"`
	} `yaml:"assets"`
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario loaded last, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": nil})
}

// LoadScenario resets the database and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateStruct(req); errs != nil {
		writeValidationError(w, errs)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if _, ok := scenarioFixtures[req.ScenarioID]; !ok {
			writeError(w, http.StatusNotFound, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.Logger.Info("scenario loaded by request", "scenario", req.ScenarioID, "actor", actorFrom(r.Context()).ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Scenario loaded",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears every table.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.Directory.Invalidate()
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	h.Workflow.Feed.Publish(r.Context())
	h.Logger.Warn("database reset", "actor", actorFrom(r.Context()).ID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Database reset"})
}

// =============================================================================
// SCENARIO LOADING
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	src, ok := scenarioFixtures[id]
	if !ok {
		return fmt.Errorf("scenario %q not found", id)
	}
	var fx scenarioFixture
	if err := yaml.Unmarshal([]byte(src), &fx); err != nil {
		return fmt.Errorf("failed to parse scenario %s: %w", id, err)
	}

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	h.Directory.Invalidate()

	for _, d := range fx.Departments {
		dept := directory.Department{ID: engine.DepartmentID(d.ID), Name: d.Name, ManagementBlock: d.Block}
		if err := h.Store.SaveDepartment(ctx, dept); err != nil {
			return fmt.Errorf("failed to save department %s: %w", d.ID, err)
		}
	}
	for _, l := range fx.Leaders {
		if err := h.Store.SaveBlockLeaders(ctx, directory.BlockLeaders{Block: l.Block, HeadIDs: l.Heads, DeputyIDs: l.Deputies}); err != nil {
			return fmt.Errorf("failed to save leaders of %s: %w", l.Block, err)
		}
	}
	for _, g := range fx.Groups {
		if err := h.Store.SaveApprovalGroup(ctx, directory.ApprovalGroup{Key: g.Key, ApproverIDs: g.Approvers}); err != nil {
			return fmt.Errorf("failed to save approval group %s: %w", g.Key, err)
		}
	}
	for _, u := range fx.Users {
		user := directory.User{
			ID:                  u.ID,
			Name:                u.Name,
			Email:               u.Email,
			Role:                u.Role,
			PrimaryDepartmentID: engine.DepartmentID(u.Primary),
		}
		for _, m := range u.Managed {
			user.ManagedDepartmentIDs = append(user.ManagedDepartmentIDs, engine.DepartmentID(m))
		}
		if err := h.Store.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("failed to save user %s: %w", u.ID, err)
		}
	}
	for _, a := range fx.Assets {
		qty, err := decimal.NewFromString(a.Quantity)
		if err != nil {
			return fmt.Errorf("asset %s: bad quantity %q: %w", a.ID, a.Quantity, err)
		}
		rec := engine.AssetRecord{
			ID:           engine.AssetID(a.ID),
			DepartmentID: engine.DepartmentID(a.Dept),
			Name:         a.Name,
			Unit:         a.Unit,
			Size:         a.Size,
			Notes:        a.Notes,
			Quantity:     qty,
		}
		if _, err := h.Workflow.Ledger.Intake(ctx, rec); err != nil {
			return fmt.Errorf("failed to intake asset %s: %w", a.ID, err)
		}
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", id,
		"departments", len(fx.Departments), "users", len(fx.Users), "assets", len(fx.Assets))
	h.Workflow.Feed.Publish(ctx)
	return nil
}
