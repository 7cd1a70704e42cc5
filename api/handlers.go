/*
handlers.go - HTTP API handlers for the transfer engine

PURPOSE:
  Exposes the transfer workflow and inventory ledger via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Assets:
    GET    /api/assets                    List asset records (?department=)
    POST   /api/assets                    Intake an asset record

  Transfers:
    GET    /api/transfers                 List transfers, newest first (?status=)
    POST   /api/transfers                 Create transfer (reserves stock)
    GET    /api/transfers/awaiting        Transfers the actor can sign now
    GET    /api/transfers/{id}            Get transfer
    POST   /api/transfers/{id}/sign       Sign in one role
    DELETE /api/transfers/{id}            Delete, returns an undo token if pending
    POST   /api/undo/{token}              Restore a deleted transfer

  Feed:
    GET    /api/feed                      Current snapshot
    GET    /api/feed/stream               Server-sent snapshots after each change

  Outbox:
    POST   /api/outbox/replay             Replay owed stock moves now
    GET    /api/outbox/runs               Replay run history (?status=&limit=)

  Directory:
    GET    /api/departments               List departments
    POST   /api/directory/invalidate      Drop cached lookups (?department=&user=)

ACTOR:
  Authentication is outside this service. Mutating endpoints (scenario
  load and reset included) and /api/transfers/awaiting read the caller
  from X-Actor-ID (required) and
  X-Actor-Name. Name and email are filled from the directory when known.
  A missing X-Actor-ID is a 401.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: No actor
  - 403: Actor lacks the capability
  - 404: Transfer, asset or undo token not found
  - 409: Stale state, insufficient availability
  - 500: Internal errors

  A completed signature whose stock move failed is still a success for the
  client (the transfer IS completed); it answers 202 with a warning and the
  outbox finishes the move.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/transfer-engine/directory"
	"github.com/warp/transfer-engine/engine"
	"github.com/warp/transfer-engine/store/sqlite"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Workflow  *engine.Workflow
	Store     *sqlite.Store
	Directory *directory.Cache
	Undo      *UndoRegistry
	Scheduler *OutboxScheduler
	Logger    *slog.Logger

	// StreamHeartbeat is the idle interval between SSE keep-alive comments.
	StreamHeartbeat time.Duration

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. The workflow must be backed by store.
func NewHandler(store *sqlite.Store, wf *engine.Workflow, dir *directory.Cache, undo *UndoRegistry) *Handler {
	return &Handler{
		Workflow:        wf,
		Store:           store,
		Directory:       dir,
		Undo:            undo,
		Scheduler:       NewOutboxScheduler(store, wf),
		Logger:          slog.Default(),
		StreamHeartbeat: 15 * time.Second,
	}
}

// =============================================================================
// ACTOR MIDDLEWARE
// =============================================================================

type actorKey struct{}

// RequireActor rejects requests without X-Actor-ID and stores the actor in
// the request context.
func (h *Handler) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderActorID+" header", nil)
			return
		}

		actor := engine.Actor{ID: id, Name: r.Header.Get(HeaderActorName)}
		u, err := h.Directory.User(r.Context(), id)
		if err != nil {
			h.Logger.Warn("directory lookup failed", "user", id, "error", err)
		}
		if u != nil {
			if actor.Name == "" {
				actor.Name = u.Name
			}
			actor.Email = u.Email
		}

		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) engine.Actor {
	actor, _ := ctx.Value(actorKey{}).(engine.Actor)
	return actor
}

// =============================================================================
// ASSET HANDLERS
// =============================================================================

// ListAssets returns asset records, optionally for one department.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Store.ListAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list assets", err)
		return
	}

	dept := engine.DepartmentID(r.URL.Query().Get("department"))
	dtos := make([]AssetDTO, 0, len(assets))
	for _, a := range assets {
		if dept != "" && a.DepartmentID != dept {
			continue
		}
		dtos = append(dtos, toAssetDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAsset intakes a new asset record.
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req CreateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateStruct(req); errs != nil {
		writeValidationError(w, errs)
		return
	}

	rec, err := h.Workflow.Ledger.Intake(r.Context(), engine.AssetRecord{
		ID:           engine.AssetID(req.ID),
		DepartmentID: engine.DepartmentID(req.DepartmentID),
		Name:         req.Name,
		Unit:         req.Unit,
		Size:         req.Size,
		Description:  req.Description,
		Notes:        req.Notes,
		Quantity:     req.Quantity,
	})
	if err != nil {
		writeEngineError(w, "Failed to create asset", err)
		return
	}

	h.Logger.Info("asset intake", "asset", rec.ID, "department", rec.DepartmentID, "actor", actorFrom(r.Context()).ID)
	h.Workflow.Feed.Publish(r.Context())
	writeJSON(w, http.StatusCreated, toAssetDTO(rec))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// ListTransfers returns transfers newest first, optionally filtered by status.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.Workflow.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transfers", err)
		return
	}

	status := engine.Status(r.URL.Query().Get("status"))
	dtos := make([]TransferDTO, 0, len(transfers))
	for _, t := range transfers {
		if status != "" && t.Status != status {
			continue
		}
		dtos = append(dtos, toTransferDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransfer returns one transfer.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := engine.TransferID(chi.URLParam(r, "id"))
	t, err := h.Workflow.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(*t))
}

// CreateTransfer reserves the requested lines and opens a transfer.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateStruct(req); errs != nil {
		writeValidationError(w, errs)
		return
	}

	t, err := h.Workflow.Create(r.Context(), req.toInput(), actorFrom(r.Context()))
	if err != nil {
		writeEngineError(w, "Failed to create transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(*t))
}

// SignTransfer applies the actor's signature in the requested role.
func (h *Handler) SignTransfer(w http.ResponseWriter, r *http.Request) {
	id := engine.TransferID(chi.URLParam(r, "id"))

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateStruct(req); errs != nil {
		writeValidationError(w, errs)
		return
	}

	t, err := h.Workflow.Sign(r.Context(), id, engine.Role(req.Role), actorFrom(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SignResponse{Transfer: toTransferDTO(*t)})
	case errors.Is(err, engine.ErrPartialFailure) && t != nil:
		writeJSON(w, http.StatusAccepted, SignResponse{
			Transfer: toTransferDTO(*t),
			Warning:  "transfer completed; stock move will be finished by the outbox: " + err.Error(),
		})
	default:
		writeEngineError(w, "Failed to sign transfer", err)
	}
}

// DeleteTransfer removes a transfer and compensates the ledger.
func (h *Handler) DeleteTransfer(w http.ResponseWriter, r *http.Request) {
	id := engine.TransferID(chi.URLParam(r, "id"))

	token, err := h.Workflow.Delete(r.Context(), id, actorFrom(r.Context()))
	if err != nil && !errors.Is(err, engine.ErrPartialFailure) {
		writeEngineError(w, "Failed to delete transfer", err)
		return
	}

	resp := DeleteTransferResponse{ID: string(id)}
	if err != nil {
		resp.Warning = "transfer deleted; compensation incomplete: " + err.Error()
	}
	if token != nil {
		if expires, ok := h.Undo.Put(*token); ok {
			resp.Undo = &UndoTokenDTO{Token: token.ID, ExpiresAt: expires.Format(time.RFC3339)}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UndoDelete restores a transfer from an undo token. The token is the
// credential: any actor holding it may redeem it within the window.
func (h *Handler) UndoDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "token")

	token, ok := h.Undo.Take(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Undo token not found or expired", nil)
		return
	}

	t, err := h.Workflow.Undo(r.Context(), token, actorFrom(r.Context()))
	if err != nil {
		// Let the caller retry, e.g. after stock is freed elsewhere.
		if engine.IsRetryable(err) || engine.IsClientError(err) {
			h.Undo.Put(token)
		}
		writeEngineError(w, "Failed to undo delete", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(*t))
}

// ListAwaiting returns transfers whose next signature the actor may give.
func (h *Handler) ListAwaiting(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.Workflow.AwaitingActor(r.Context(), actorFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list awaiting transfers", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTOs(transfers))
}

// =============================================================================
// FEED HANDLERS
// =============================================================================

// GetFeed returns the current snapshot for polling clients.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Workflow.Feed.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read feed", err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedDTO(snap))
}

// StreamFeed sends the current snapshot, then one event per committed change,
// until the client goes away.
func (h *Handler) StreamFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	// Subscribe before the first read so no change falls in between.
	updates := h.Workflow.Feed.Subscribe(ctx)

	snap, err := h.Workflow.Feed.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read feed", err)
		return
	}
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, snap); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, snap); err != nil {
				h.Logger.Debug("feed stream closed", "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, snap engine.FeedSnapshot) error {
	data, err := json.Marshal(toFeedDTO(snap))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Sequence, data); err != nil {
		return err
	}
	return rc.Flush()
}

// =============================================================================
// OUTBOX HANDLERS
// =============================================================================

// ReplayOutbox runs one outbox replay pass now.
// POST /api/outbox/replay
func (h *Handler) ReplayOutbox(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.RunNow(r.Context())
	if run.CompletedAt == nil {
		writeError(w, http.StatusInternalServerError, "Failed to run outbox replay", err)
		return
	}

	resp := ReplayResponse{RunID: run.ID, Drained: run.Drained, Error: run.Error}
	h.Logger.Info("manual outbox replay", "run", run.ID, "drained", run.Drained, "actor", actorFrom(r.Context()).ID)
	writeJSON(w, http.StatusOK, resp)
}

// ListReplayRuns returns outbox replay history.
// GET /api/outbox/runs
func (h *Handler) ListReplayRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.GetReplayRuns(r.Context(), q.Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get replay runs", err)
		return
	}

	dtos := make([]ReplayRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toReplayRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":     dtos,
		"next_run": h.Scheduler.NextRunTime().Format(time.RFC3339),
	})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

func (h *Handler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := h.Store.ListDepartments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list departments", err)
		return
	}
	if depts == nil {
		depts = []directory.Department{}
	}
	writeJSON(w, http.StatusOK, depts)
}

// InvalidateDirectory drops cached directory lookups. With no query it drops
// everything.
func (h *Handler) InvalidateDirectory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dept, user := q.Get("department"), q.Get("user")

	switch {
	case dept == "" && user == "":
		h.Directory.Invalidate()
	default:
		if dept != "" {
			h.Directory.InvalidateDepartment(engine.DepartmentID(dept))
		}
		if user != "" {
			h.Directory.InvalidateUser(user)
		}
	}

	h.Logger.Info("directory cache invalidated", "department", dept, "user", user, "actor", actorFrom(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, errs []FieldError) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: errs})
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	var insufficient *engine.InsufficientAvailabilityError

	status, code := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, engine.ErrPartialFailure):
		code = "partial_failure"
	case errors.Is(err, engine.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, engine.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, engine.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: message,
			Code:  "insufficient_availability",
			Details: map[string]any{
				"asset_id":  insufficient.AssetID,
				"name":      insufficient.Name,
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			},
		})
		return
	case engine.IsRetryable(err):
		status, code = http.StatusConflict, "stale_state"
	}

	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
