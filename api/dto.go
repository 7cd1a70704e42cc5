/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine records from the external API contract, so the engine can keep
  Go-style field names while clients see snake_case.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Assets:
    AssetDTO, CreateAssetRequest

  Transfers:
    TransferDTO, LineItemDTO, SignatureDTO
    CreateTransferRequest, LineRequestDTO, SignRequest
    SignResponse, DeleteTransferResponse

  Feed:
    FeedDTO

  Outbox:
    ReplayResponse, ReplayRunDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  validateStruct on every decoded body before calling the engine; the engine
  still enforces its own invariants (positive quantities, distinct
  departments) and its errors map to the same 400.

QUANTITIES:
  Quantities are shopspring decimals. They decode from either a JSON number
  or a string and encode as numbers (cmd/server sets
  decimal.MarshalJSONWithoutQuotes).

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Records these are converted from
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/transfer-engine/engine"
	"github.com/warp/transfer-engine/store/sqlite"
)

// =============================================================================
// ASSETS
// =============================================================================

// AssetDTO represents an asset record in API responses.
type AssetDTO struct {
	ID           string          `json:"id"`
	DepartmentID string          `json:"department_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit,omitempty"`
	Size         string          `json:"size,omitempty"`
	Description  string          `json:"description,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Reserved     decimal.Decimal `json:"reserved"`
	Available    decimal.Decimal `json:"available"`
}

// CreateAssetRequest is the request to intake an asset record.
type CreateAssetRequest struct {
	ID           string          `json:"id"`
	DepartmentID string          `json:"department_id" validate:"required"`
	Name         string          `json:"name" validate:"required,notblank"`
	Unit         string          `json:"unit"`
	Size         string          `json:"size"`
	Description  string          `json:"description"`
	Notes        string          `json:"notes"`
	Quantity     decimal.Decimal `json:"quantity" validate:"nonnegative"`
}

func toAssetDTO(a engine.AssetRecord) AssetDTO {
	return AssetDTO{
		ID:           string(a.ID),
		DepartmentID: string(a.DepartmentID),
		Name:         a.Name,
		Unit:         a.Unit,
		Size:         a.Size,
		Description:  a.Description,
		Notes:        a.Notes,
		Quantity:     a.Quantity,
		Reserved:     a.Reserved,
		Available:    a.Available(),
	}
}

func toAssetDTOs(assets []engine.AssetRecord) []AssetDTO {
	dtos := make([]AssetDTO, len(assets))
	for i, a := range assets {
		dtos[i] = toAssetDTO(a)
	}
	return dtos
}

// =============================================================================
// TRANSFERS
// =============================================================================

// LineItemDTO is one line of a transfer with its request-time snapshot.
type LineItemDTO struct {
	AssetID      string          `json:"asset_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit,omitempty"`
	Size         string          `json:"size,omitempty"`
	Description  string          `json:"description,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	PreStock     decimal.Decimal `json:"pre_stock"`
	PreStockDept string          `json:"pre_stock_department_id"`
	Moved        bool            `json:"moved"`
}

type SignatureDTO struct {
	SignerID   string `json:"signer_id"`
	SignerName string `json:"signer_name"`
	SignedAt   string `json:"signed_at"`
}

type ActorDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// TransferDTO represents a transfer in API responses.
type TransferDTO struct {
	ID         string                  `json:"id"`
	DisplayID  string                  `json:"display_id"`
	FromDeptID string                  `json:"from_department_id"`
	ToDeptID   string                  `json:"to_department_id"`
	Items      []LineItemDTO           `json:"items"`
	Status     string                  `json:"status"`
	Signatures map[string]SignatureDTO `json:"signatures"`
	CreatedBy  ActorDTO                `json:"created_by"`
	CreatedAt  string                  `json:"created_at"`
	Version    int                     `json:"version"`
	StockMoved bool                    `json:"stock_moved"`
}

// LineRequestDTO asks for a quantity of one asset.
type LineRequestDTO struct {
	AssetID  string          `json:"asset_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity" validate:"positive"`
}

// CreateTransferRequest is the request to create a transfer.
type CreateTransferRequest struct {
	FromDeptID string           `json:"from_department_id" validate:"required"`
	ToDeptID   string           `json:"to_department_id" validate:"required,nefield=FromDeptID"`
	Items      []LineRequestDTO `json:"items" validate:"required,min=1,dive"`

	// Nonce makes retries of the same request create one transfer.
	Nonce string `json:"nonce,omitempty" validate:"omitempty,max=128"`
}

func (req CreateTransferRequest) toInput() engine.CreateInput {
	in := engine.CreateInput{
		From:  engine.DepartmentID(req.FromDeptID),
		To:    engine.DepartmentID(req.ToDeptID),
		Items: make([]engine.LineRequest, len(req.Items)),
		Nonce: req.Nonce,
	}
	for i, item := range req.Items {
		in.Items[i] = engine.LineRequest{AssetID: engine.AssetID(item.AssetID), Quantity: item.Quantity}
	}
	return in
}

// SignRequest is the request to sign a transfer in one role.
type SignRequest struct {
	Role string `json:"role" validate:"required,oneof=sender receiver admin"`
}

// SignResponse wraps the signed transfer. Warning is set when the transfer
// completed but part of its stock move is still owed to the outbox.
type SignResponse struct {
	Transfer TransferDTO `json:"transfer"`
	Warning  string      `json:"warning,omitempty"`
}

type UndoTokenDTO struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// DeleteTransferResponse reports a deletion. Undo is only present for
// transfers that had not completed.
type DeleteTransferResponse struct {
	ID      string        `json:"id"`
	Undo    *UndoTokenDTO `json:"undo,omitempty"`
	Warning string        `json:"warning,omitempty"`
}

func toTransferDTO(t engine.TransferRecord) TransferDTO {
	dto := TransferDTO{
		ID:         string(t.ID),
		DisplayID:  t.DisplayID,
		FromDeptID: string(t.FromDeptID),
		ToDeptID:   string(t.ToDeptID),
		Items:      make([]LineItemDTO, len(t.Items)),
		Status:     string(t.Status),
		Signatures: make(map[string]SignatureDTO, len(t.Signatures)),
		CreatedBy:  ActorDTO{ID: t.CreatedBy.ID, Name: t.CreatedBy.Name, Email: t.CreatedBy.Email},
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
		Version:    t.Version,
		StockMoved: t.StockMoved,
	}
	for i, item := range t.Items {
		dto.Items[i] = LineItemDTO{
			AssetID:      string(item.AssetID),
			Name:         item.Name,
			Unit:         item.Unit,
			Size:         item.Size,
			Description:  item.Description,
			Notes:        item.Notes,
			Quantity:     item.Quantity,
			PreStock:     item.PreStock.Quantity,
			PreStockDept: string(item.PreStock.DepartmentID),
			Moved:        item.Moved,
		}
	}
	for role, sig := range t.Signatures {
		dto.Signatures[string(role)] = SignatureDTO{
			SignerID:   sig.SignerID,
			SignerName: sig.SignerName,
			SignedAt:   sig.SignedAt.Format(time.RFC3339),
		}
	}
	return dto
}

func toTransferDTOs(transfers []engine.TransferRecord) []TransferDTO {
	dtos := make([]TransferDTO, len(transfers))
	for i, t := range transfers {
		dtos[i] = toTransferDTO(t)
	}
	return dtos
}

// =============================================================================
// FEED
// =============================================================================

// FeedDTO is one change-feed snapshot.
type FeedDTO struct {
	Sequence  uint64        `json:"sequence"`
	At        string        `json:"at"`
	Transfers []TransferDTO `json:"transfers"`
	Assets    []AssetDTO    `json:"assets"`
}

func toFeedDTO(s engine.FeedSnapshot) FeedDTO {
	return FeedDTO{
		Sequence:  s.Sequence,
		At:        s.At.Format(time.RFC3339Nano),
		Transfers: toTransferDTOs(s.Transfers),
		Assets:    toAssetDTOs(s.Assets),
	}
}

// =============================================================================
// OUTBOX
// =============================================================================

type ReplayResponse struct {
	RunID   string `json:"run_id"`
	Drained int    `json:"drained"`
	Error   string `json:"error,omitempty"`
}

type ReplayRunDTO struct {
	ID          string `json:"id"`
	TriggeredBy string `json:"triggered_by"`
	Status      string `json:"status"`
	Drained     int    `json:"drained"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toReplayRunDTO(r sqlite.ReplayRun) ReplayRunDTO {
	dto := ReplayRunDTO{
		ID:          r.ID,
		TriggeredBy: r.TriggeredBy,
		Status:      r.Status,
		Drained:     r.Drained,
		Error:       r.Error,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// FieldError is one failed validation rule of a request body.
type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	})
	v.RegisterValidation("nonnegative", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && !d.IsNegative()
	})
	return v
}

// validateStruct returns one FieldError per failed rule, or nil.
func validateStruct(data any) []FieldError {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "body", Tag: fmt.Sprint(err)}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Namespace(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}
